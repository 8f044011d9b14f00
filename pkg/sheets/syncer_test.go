package sheets

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/pkg/models"
)

type fakeSyncStore struct {
	roots    map[string]models.Message
	messages map[string][]models.Message
	updated  []models.Message
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{roots: map[string]models.Message{}, messages: map[string][]models.Message{}}
}

func (f *fakeSyncStore) RootsNeedingSync() ([]models.Message, error) {
	var out []models.Message
	for _, r := range f.roots {
		if !r.SheetSynced || r.NeedsSheetSync {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSyncStore) ThreadMessages(chat, propertyID string) ([]models.Message, error) {
	return f.messages[propertyID], nil
}

func (f *fakeSyncStore) UpdateMessage(msg models.Message) error {
	f.updated = append(f.updated, msg)
	f.roots[msg.PropertyID] = msg
	return nil
}

type directSink struct {
	writer  *fakeWriter
	ensures int
}

func (d *directSink) EnsureSheet(ctx context.Context, name string, header []any) error {
	d.ensures++
	return d.writer.EnsureSheet(ctx, name, header)
}

func (d *directSink) Append(ctx context.Context, sheet string, values []any) (int64, error) {
	return d.writer.AppendRow(ctx, sheet, values)
}

func (d *directSink) Update(ctx context.Context, sheet string, row int64, values []any) error {
	return d.writer.UpdateRow(ctx, sheet, row, values)
}

func rootMsg(property string) models.Message {
	return models.Message{
		ID:         "root-" + property,
		Chat:       "971501234567@c.us",
		PropertyID: property,
		ParentID:   models.RootParentID,
		TS:         1,
	}
}

func TestSyncAppendsOnceThenUpdates(t *testing.T) {
	st := newFakeSyncStore()
	st.roots["p1"] = rootMsg("p1")
	st.messages["p1"] = []models.Message{{
		TS:         1,
		Properties: []models.PropertyRecord{{"location": "Marina"}},
	}}
	sink := &directSink{writer: newFakeWriter()}
	s := NewSyncer(st, sink, "Leads")

	require.NoError(t, s.Sync(context.Background()))
	require.Equal(t, 1, sink.writer.appendCount())

	synced := st.roots["p1"]
	assert.True(t, synced.SheetSynced)
	assert.False(t, synced.NeedsSheetSync)
	assert.Equal(t, int64(2), synced.SheetRow)
	assert.NotZero(t, synced.LastSheetSyncedAt)

	// Further passes, including a forced re-sync, never append again.
	synced.NeedsSheetSync = true
	st.roots["p1"] = synced
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Sync(context.Background()))
		r := st.roots["p1"]
		r.NeedsSheetSync = true
		st.roots["p1"] = r
	}
	assert.Equal(t, 1, sink.writer.appendCount())
	sink.writer.mu.Lock()
	_, ok := sink.writer.updates[2]
	sink.writer.mu.Unlock()
	assert.True(t, ok, "later syncs must update the captured row")
}

func TestSyncSkipsWhenNothingPending(t *testing.T) {
	st := newFakeSyncStore()
	r := rootMsg("p1")
	r.SheetSynced = true
	r.SheetRow = 5
	st.roots["p1"] = r
	sink := &directSink{writer: newFakeWriter()}
	s := NewSyncer(st, sink, "Leads")

	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, 0, sink.ensures, "a pass with no pending threads touches nothing")
	assert.Equal(t, 0, sink.writer.appendCount())
}

func TestSyncFailureDefersThread(t *testing.T) {
	st := newFakeSyncStore()
	st.roots["p1"] = rootMsg("p1")
	w := newFakeWriter()
	w.failRow = fmt.Errorf("backend unavailable")
	s := NewSyncer(st, &directSink{writer: w}, "Leads")

	require.NoError(t, s.Sync(context.Background()))
	r := st.roots["p1"]
	assert.False(t, r.SheetSynced)
	assert.True(t, r.NeedsSheetSync, "failed thread stays flagged for the next pass")
	assert.Zero(t, r.SheetRow)

	// Next pass succeeds and appends exactly once.
	w.mu.Lock()
	w.failRow = nil
	w.mu.Unlock()
	require.NoError(t, s.Sync(context.Background()))
	r = st.roots["p1"]
	assert.True(t, r.SheetSynced)
	assert.Equal(t, 1, w.appendCount())
}

func TestSyncFailureDoesNotBlockOtherThreads(t *testing.T) {
	st := newFakeSyncStore()
	st.roots["p1"] = rootMsg("p1")
	st.roots["p2"] = rootMsg("p2")
	// p1's thread messages carry a record; p2 syncs empty. Both attempt.
	st.messages["p1"] = []models.Message{{TS: 1, Properties: []models.PropertyRecord{{"location": "JVC"}}}}

	sink := &directSink{writer: newFakeWriter()}
	s := NewSyncer(st, sink, "Leads")
	require.NoError(t, s.Sync(context.Background()))
	assert.Equal(t, 2, sink.writer.appendCount())
}

func TestSyncRowCarriesMergedThreadState(t *testing.T) {
	st := newFakeSyncStore()
	r := rootMsg("p1")
	r.Status = "Awaiting Reply"
	r.DailySentiment = map[string]string{"2026.08.01": "Interested"}
	st.roots["p1"] = r
	st.messages["p1"] = []models.Message{
		{TS: 1, Properties: []models.PropertyRecord{{"location": "Marina", "price": float64(900000)}}},
		{TS: 2, Properties: []models.PropertyRecord{{"price": float64(950000)}}},
	}
	sink := &directSink{writer: newFakeWriter()}
	s := NewSyncer(st, sink, "Leads")

	require.NoError(t, s.Sync(context.Background()))
	require.Equal(t, 1, sink.writer.appendCount())
	row := sink.writer.appends[0]
	assert.Equal(t, "950000", row[6], "later non-empty value wins the merge")
	assert.Equal(t, "Marina", row[8])
	assert.Equal(t, "Awaiting Reply", row[9])
	assert.Equal(t, "2026.08.01:Interested", row[13])
}
