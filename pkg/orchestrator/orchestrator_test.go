package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/pkg/classifier"
	"leadsync/pkg/models"
	"leadsync/pkg/store"
	"leadsync/pkg/threads"
)

// memStore is an in-memory MessageStore plus threads.ThreadStore.
type memStore struct {
	mu      sync.Mutex
	msgs    map[string]models.Message
	pending []string
	roots   map[string]string
}

func newMemStore() *memStore {
	return &memStore{msgs: map[string]models.Message{}, roots: map[string]string{}}
}

func (s *memStore) add(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[msg.ID] = msg
	s.pending = append(s.pending, msg.ID)
	sort.Slice(s.pending, func(i, j int) bool {
		return s.msgs[s.pending[i]].TS < s.msgs[s.pending[j]].TS
	})
}

func (s *memStore) NextUnprocessed() (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return models.Message{}, false, nil
	}
	return s.msgs[s.pending[0]], true, nil
}

func (s *memStore) UnprocessedCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

func (s *memStore) History(chat string, beforeTS int64, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.msgs {
		if m.Chat == chat && m.Processed && m.TS < beforeTS {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS > out[j].TS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) MarkProcessed(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Processed = true
	s.msgs[msg.ID] = msg
	for i, id := range s.pending {
		if id == msg.ID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memStore) SetRoot(propertyID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots[propertyID] = messageID
	return nil
}

func (s *memStore) RootMessage(propertyID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.roots[propertyID]
	if !ok {
		return models.Message{}, store.ErrNotFound
	}
	return s.msgs[id], nil
}

func (s *memStore) UpdateMessage(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[msg.ID] = msg
	return nil
}

func (s *memStore) LatestThreaded(chat string) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best models.Message
	found := false
	for _, m := range s.msgs {
		if m.Chat == chat && m.Processed && m.PropertyID != "" {
			if !found || m.TS > best.TS {
				best = m
				found = true
			}
		}
	}
	return best, found, nil
}

type funcClassifier struct {
	fn func(text string) classifier.Result
}

func (f *funcClassifier) Classify(ctx context.Context, text string, isGroup bool, history []classifier.HistoryEntry) classifier.Result {
	return f.fn(text)
}

type recordingSyncer struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingSyncer) Sync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *recordingSyncer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func interestedResult() classifier.Result {
	return classifier.Result{
		Records:   []models.PropertyRecord{{"location": "Marina", "price": float64(1900000)}},
		Sentiment: "Interested",
		Intent:    "high",
	}
}

func dayTS(day int) int64 {
	return time.Date(2026, 8, day, 12, 0, 0, 0, time.UTC).UnixNano()
}

func newTestOrchestrator(st *memStore, fn func(string) classifier.Result, sy SheetSyncer) *Orchestrator {
	proc := NewProcessor(st, &funcClassifier{fn: fn}, threads.NewResolver(st), 10)
	return New("*/10 * * * * *", proc, sy)
}

func TestTickDrainsToEmpty(t *testing.T) {
	st := newMemStore()
	for i := 1; i <= 5; i++ {
		st.add(models.Message{ID: fmt.Sprintf("m%d", i), Chat: "c1@c.us", Direction: models.DirectionIncoming, Text: "2BR Marina", TS: dayTS(i)})
	}
	sy := &recordingSyncer{}
	o := newTestOrchestrator(st, func(string) classifier.Result { return interestedResult() }, sy)

	o.Tick(context.Background())

	n, err := st.UnprocessedCount()
	require.NoError(t, err)
	assert.Zero(t, n, "tick must drain the queue to empty")
	assert.Equal(t, 1, sy.count(), "sync runs once per tick, after the drain")
	for _, m := range st.msgs {
		assert.True(t, m.Processed)
	}
}

func TestTickMutualExclusion(t *testing.T) {
	st := newMemStore()
	st.add(models.Message{ID: "m1", Chat: "c1@c.us", Direction: models.DirectionIncoming, Text: "hi", TS: dayTS(1)})

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	sy := &recordingSyncer{}
	o := newTestOrchestrator(st, func(string) classifier.Result {
		once.Do(func() { close(started) })
		<-release
		return interestedResult()
	}, sy)

	go o.Tick(context.Background())
	<-started

	// Second tick while the first is mid-drain must skip without touching
	// anything.
	doneSecond := make(chan struct{})
	go func() {
		o.Tick(context.Background())
		close(doneSecond)
	}()
	select {
	case <-doneSecond:
	case <-time.After(2 * time.Second):
		t.Fatal("overlapping tick did not return immediately")
	}
	assert.Equal(t, 0, sy.count(), "skipped tick must not run a sync pass")

	close(release)
	assert.Eventually(t, func() bool { return sy.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSingleMessageOpensThread(t *testing.T) {
	st := newMemStore()
	st.add(models.Message{ID: "m1", Chat: "c1@c.us", Direction: models.DirectionIncoming, Text: "2BR Marina 1.9M", TS: dayTS(1)})
	o := newTestOrchestrator(st, func(string) classifier.Result { return interestedResult() }, &recordingSyncer{})

	o.Tick(context.Background())

	m := st.msgs["m1"]
	require.True(t, m.Processed)
	require.NotEmpty(t, m.PropertyID)
	assert.Equal(t, models.RootParentID, m.ParentID)

	root, err := st.RootMessage(m.PropertyID)
	require.NoError(t, err)
	assert.Equal(t, "m1", root.ID)
	assert.True(t, root.NeedsSheetSync)
	assert.Empty(t, root.DailySentiment, "client messages do not record a daily response")
	assert.Equal(t, "high", root.Intent)
}

func TestFollowUpJoinsActiveThread(t *testing.T) {
	st := newMemStore()
	st.add(models.Message{ID: "m1", Chat: "c1@c.us", Direction: models.DirectionIncoming, Text: "2BR Marina 1.9M", TS: dayTS(1)})
	o := newTestOrchestrator(st, func(string) classifier.Result { return interestedResult() }, &recordingSyncer{})
	o.Tick(context.Background())

	st.add(models.Message{ID: "m2", Chat: "c1@c.us", Direction: models.DirectionIncoming, Text: "can we view it?", TS: dayTS(3)})
	o2 := newTestOrchestrator(st, func(string) classifier.Result {
		return classifier.Result{Sentiment: "Considering", Intent: "medium"}
	}, &recordingSyncer{})
	o2.Tick(context.Background())

	m1, m2 := st.msgs["m1"], st.msgs["m2"]
	assert.Equal(t, m1.PropertyID, m2.PropertyID, "follow-up must join the active thread")
	assert.Equal(t, "m1", m2.ParentID)

	root, err := st.RootMessage(m1.PropertyID)
	require.NoError(t, err)
	assert.Equal(t, "medium", root.Intent, "a follow-up refreshes the root intent")
	assert.Empty(t, root.DailySentiment)
}

func TestNewThreadFlagMintsSecondThread(t *testing.T) {
	st := newMemStore()
	st.add(models.Message{ID: "m1", Chat: "c1@c.us", Direction: models.DirectionIncoming, Text: "2BR Marina 1.9M", TS: dayTS(1)})
	o := newTestOrchestrator(st, func(string) classifier.Result { return interestedResult() }, &recordingSyncer{})
	o.Tick(context.Background())

	st.add(models.Message{ID: "m2", Chat: "c1@c.us", Direction: models.DirectionIncoming, Text: "also interested in Downtown 3BR for 2.1M", TS: dayTS(3)})
	o2 := newTestOrchestrator(st, func(string) classifier.Result {
		return classifier.Result{
			Records:   []models.PropertyRecord{{"location": "Downtown", "price": float64(2100000), "bedrooms": float64(3)}},
			Sentiment: "Interested",
			Intent:    "high",
			NewThread: true,
		}
	}, &recordingSyncer{})
	o2.Tick(context.Background())

	m1, m2 := st.msgs["m1"], st.msgs["m2"]
	require.NotEmpty(t, m2.PropertyID)
	assert.NotEqual(t, m1.PropertyID, m2.PropertyID, "explicit new-thread flag must mint a distinct thread")
	assert.Equal(t, models.RootParentID, m2.ParentID)
	assert.Len(t, st.roots, 2)
}

func TestSentinelMessageStaysUnthreadedWhenNoActiveThread(t *testing.T) {
	st := newMemStore()
	st.add(models.Message{ID: "m1", Chat: "c1@c.us", Direction: models.DirectionIncoming, Text: "????", TS: dayTS(1)})
	o := newTestOrchestrator(st, func(string) classifier.Result {
		return classifier.Result{Unparseable: true, Raw: "garbage", Sentiment: "Neutral"}
	}, &recordingSyncer{})

	o.Tick(context.Background())

	m := st.msgs["m1"]
	assert.True(t, m.Processed, "a sentinel never wedges the queue")
	assert.Empty(t, m.PropertyID)
	assert.Empty(t, st.roots)
}

func TestOutgoingMessageSetsRootStatus(t *testing.T) {
	st := newMemStore()
	st.add(models.Message{ID: "m1", Chat: "c1@c.us", Direction: models.DirectionIncoming, Text: "2BR Marina", TS: dayTS(1)})
	o := newTestOrchestrator(st, func(string) classifier.Result { return interestedResult() }, &recordingSyncer{})
	o.Tick(context.Background())

	st.add(models.Message{ID: "m2", Chat: "c1@c.us", Direction: models.DirectionOutgoing, Text: "sent you the brochure", TS: dayTS(2)})
	o2 := newTestOrchestrator(st, func(string) classifier.Result {
		return classifier.Result{Sentiment: "Awaiting Reply", Intent: "high"}
	}, &recordingSyncer{})
	o2.Tick(context.Background())

	root, err := st.RootMessage(st.msgs["m1"].PropertyID)
	require.NoError(t, err)
	assert.Equal(t, "Awaiting Reply", root.Status)
	require.Len(t, root.DailySentiment, 1, "only the outgoing response is recorded")
	assert.Equal(t, "Awaiting Reply", root.DailySentiment["2026.08.02"])
}

func TestStartRejectsBadCron(t *testing.T) {
	o := New("not a cron", nil, nil)
	_, err := o.Start(context.Background())
	assert.Error(t, err)
}
