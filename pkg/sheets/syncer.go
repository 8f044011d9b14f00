package sheets

import (
	"context"
	"time"

	"leadsync/pkg/logger"
	"leadsync/pkg/merge"
	"leadsync/pkg/metrics"
	"leadsync/pkg/models"
)

// SyncStore is the slice of the message store the syncer needs.
type SyncStore interface {
	RootsNeedingSync() ([]models.Message, error)
	ThreadMessages(chat, propertyID string) ([]models.Message, error)
	UpdateMessage(msg models.Message) error
}

// Sink is the batched write surface (implemented by Batcher).
type Sink interface {
	EnsureSheet(ctx context.Context, name string, header []any) error
	Append(ctx context.Context, sheet string, values []any) (int64, error)
	Update(ctx context.Context, sheet string, row int64, values []any) error
}

// Syncer pushes every thread root flagged for sync into the client sheet.
type Syncer struct {
	store SyncStore
	sink  Sink
	sheet string
}

func NewSyncer(store SyncStore, sink Sink, sheetName string) *Syncer {
	if sheetName == "" {
		sheetName = "Leads"
	}
	return &Syncer{store: store, sink: sink, sheet: sheetName}
}

// Sync writes one row per thread needing it. The first successful write for
// a thread appends and records the row index; every later sync updates that
// row in place. A failed thread is flagged needsSheetSync and skipped; the
// pass continues with the rest.
func (s *Syncer) Sync(ctx context.Context) error {
	roots, err := s.store.RootsNeedingSync()
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		return nil
	}
	if err := s.sink.EnsureSheet(ctx, s.sheet, HeaderRow()); err != nil {
		return err
	}
	logger.Info("sheet_sync_started", "threads", len(roots))

	for _, root := range roots {
		if err := s.syncOne(ctx, root); err != nil {
			metrics.SyncFailures.Inc()
			logger.Error("thread_sync_failed", "property", root.PropertyID, "error", err)
			root.NeedsSheetSync = true
			if uerr := s.store.UpdateMessage(root); uerr != nil {
				logger.Error("sync_flag_persist_failed", "property", root.PropertyID, "error", uerr)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Syncer) syncOne(ctx context.Context, root models.Message) error {
	msgs, err := s.store.ThreadMessages(root.Chat, root.PropertyID)
	if err != nil {
		return err
	}
	merged := merge.Fold(msgs)
	merge.Stamp(merged, root.PropertyID, models.RootParentID)
	values := BuildRow(root, merged)

	if root.SheetRow > 0 {
		if err := s.sink.Update(ctx, s.sheet, root.SheetRow, values); err != nil {
			return err
		}
	} else {
		row, err := s.sink.Append(ctx, s.sheet, values)
		if err != nil {
			return err
		}
		root.SheetRow = row
	}

	root.SheetSynced = true
	root.NeedsSheetSync = false
	root.LastSheetSyncedAt = time.Now().UnixNano()
	return s.store.UpdateMessage(root)
}
