package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"leadsync/pkg/logger"
	"leadsync/pkg/metrics"
)

// SheetSyncer flushes threads needing sync to the sink.
type SheetSyncer interface {
	Sync(ctx context.Context) error
}

// Orchestrator ticks on a cron schedule. Each tick drains the unprocessed
// queue to empty, one message at a time, then runs a sheet sync pass. Ticks
// never overlap: a tick that fires while the previous one is still draining
// is skipped.
type Orchestrator struct {
	cron     string
	proc     *Processor
	syncer   SheetSyncer
	inFlight atomic.Bool
}

func New(cronExpr string, proc *Processor, syncer SheetSyncer) *Orchestrator {
	if cronExpr == "" {
		cronExpr = "*/10 * * * * *"
	}
	return &Orchestrator{cron: cronExpr, proc: proc, syncer: syncer}
}

// Start validates the schedule and launches the scheduler goroutine.
// Returns a cancel func.
func (o *Orchestrator) Start(ctx context.Context) (context.CancelFunc, error) {
	if !gronx.IsValid(o.cron) {
		logger.Error("orchestrator_invalid_cron", "cron", o.cron)
		return nil, fmt.Errorf("invalid orchestrator cron expression: %s", o.cron)
	}
	ctx2, cancel := context.WithCancel(ctx)
	go o.runScheduler(ctx2)
	logger.Info("orchestrator_started", "cron", o.cron)
	return cancel, nil
}

func (o *Orchestrator) runScheduler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("orchestrator_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(o.cron, now, false)
		if err != nil {
			logger.Error("orchestrator_nexttick_failed", "cron", o.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			o.Tick(ctx)
		case <-ctx.Done():
			logger.Info("orchestrator_stopping")
			return
		}
	}
}

// Tick runs one drain-and-sync pass. Safe to call directly (manual sync
// trigger); the in-flight guard serializes callers.
func (o *Orchestrator) Tick(ctx context.Context) {
	if !o.inFlight.CompareAndSwap(false, true) {
		metrics.TicksSkipped.Inc()
		logger.Warn("tick_skipped_previous_running")
		return
	}
	defer o.inFlight.Store(false)

	o.drain(ctx)
	if err := o.syncer.Sync(ctx); err != nil {
		logger.Error("sheet_sync_failed", "error", err)
	}
}

// drain processes messages one at a time until the queue is empty. A
// storage error ends the pass; the queue entry survives for the next tick.
func (o *Orchestrator) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := o.proc.store.UnprocessedCount()
		if err != nil {
			logger.Error("unprocessed_count_failed", "error", err)
			return
		}
		if n == 0 {
			return
		}
		processed, err := o.proc.ProcessOne(ctx)
		if err != nil {
			logger.Error("drain_step_failed", "error", err)
			return
		}
		if !processed {
			return
		}
	}
}
