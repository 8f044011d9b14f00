package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"leadsync/pkg/models"
	"leadsync/pkg/store"
)

type fakeStore struct {
	mu       sync.Mutex
	appended []models.Message
	byID     map[string]bool
	roots    []models.Message
	messages map[string][]models.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[string]bool{}, messages: map[string][]models.Message{}}
}

func (f *fakeStore) Append(msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID[msg.ID] {
		return nil
	}
	f.byID[msg.ID] = true
	f.appended = append(f.appended, msg)
	return nil
}

func (f *fakeStore) ChatMessages(chat string, limit int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.appended {
		if m.Chat == chat {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) Roots() ([]models.Message, error) { return f.roots, nil }

func (f *fakeStore) RootMessage(propertyID string) (models.Message, error) {
	for _, r := range f.roots {
		if r.PropertyID == propertyID {
			return r, nil
		}
	}
	return models.Message{}, store.ErrNotFound
}

func (f *fakeStore) ThreadMessages(chat, propertyID string) ([]models.Message, error) {
	return f.messages[propertyID], nil
}

func (f *fakeStore) UnprocessedCount() (int, error) { return len(f.appended), nil }

func newTestRouter(fs *fakeStore, trigger func()) *mux.Router {
	r := mux.NewRouter()
	NewHandler(fs, trigger).Routes(r)
	return r
}

func TestPostMessage(t *testing.T) {
	fs := newFakeStore()
	r := newTestRouter(fs, nil)

	body := []byte(`{"id":"m1","chat":"971501234567@c.us","direction":"incoming","text":"2BR Marina","ts":1700000000000000000}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(fs.appended) != 1 {
		t.Fatalf("expected 1 appended message, got %d", len(fs.appended))
	}
	if fs.appended[0].Direction != models.DirectionIncoming {
		t.Fatalf("unexpected direction %q", fs.appended[0].Direction)
	}
}

func TestPostMessageValidation(t *testing.T) {
	fs := newFakeStore()
	r := newTestRouter(fs, nil)

	cases := []struct {
		name string
		body string
	}{
		{"missing id", `{"chat":"c1"}`},
		{"missing chat", `{"id":"m1"}`},
		{"bad direction", `{"id":"m1","chat":"c1","direction":"sideways"}`},
		{"bad json", `{`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(tc.body)))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, w.Code)
		}
	}
	if len(fs.appended) != 0 {
		t.Fatalf("invalid requests must not be stored")
	}
}

func TestPostMessageDefaultsTimestamp(t *testing.T) {
	fs := newFakeStore()
	r := newTestRouter(fs, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte(`{"id":"m1","chat":"c1"}`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if fs.appended[0].TS == 0 {
		t.Fatalf("timestamp must default to ingestion time")
	}
}

func TestListMessages(t *testing.T) {
	fs := newFakeStore()
	fs.Append(models.Message{ID: "m1", Chat: "c1", Text: "hello"})
	fs.Append(models.Message{ID: "m2", Chat: "c2", Text: "other chat"})
	r := newTestRouter(fs, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/messages?chat=c1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got []models.Message
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("unexpected messages: %+v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without chat param, got %d", w.Code)
	}
}

func TestThreadEndpoints(t *testing.T) {
	fs := newFakeStore()
	fs.roots = []models.Message{{
		ID:         "m1",
		Chat:       "c1",
		PropertyID: "p1",
		ParentID:   models.RootParentID,
		Status:     "Awaiting Reply",
		SheetRow:   4,
	}}
	fs.messages["p1"] = []models.Message{
		{ID: "m1", TS: 1, Properties: []models.PropertyRecord{{"location": "Marina"}}},
		{ID: "m2", TS: 2, Properties: []models.PropertyRecord{{"price": float64(1900000)}}},
	}
	r := newTestRouter(fs, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/threads", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var summaries []threadSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if len(summaries) != 1 || summaries[0].PropertyID != "p1" {
		t.Fatalf("unexpected threads: %+v", summaries)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/threads/p1", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var detail threadDetail
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if len(detail.Merged) != 1 {
		t.Fatalf("expected 1 merged record, got %d", len(detail.Merged))
	}
	if detail.Merged[0]["location"] != "Marina" || detail.Merged[0]["price"] != float64(1900000) {
		t.Fatalf("merged record wrong: %+v", detail.Merged[0])
	}
	if detail.Merged[0][models.KeyPropertyID] != "p1" {
		t.Fatalf("merged record missing linkage stamp: %+v", detail.Merged[0])
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/threads/nope", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown thread, got %d", w.Code)
	}
}

func TestTriggerSync(t *testing.T) {
	fired := make(chan struct{}, 1)
	r := newTestRouter(newFakeStore(), func() { fired <- struct{}{} })

	req := httptest.NewRequest(http.MethodPost, "/v1/sync", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	<-fired
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(newFakeStore(), nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
