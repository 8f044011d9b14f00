package sheets

import (
	"context"
	"fmt"
	"time"

	"leadsync/pkg/logger"
)

type opKind int

const (
	opAppend opKind = iota
	opUpdate
)

type opResult struct {
	row int64
	err error
}

type rowOp struct {
	kind   opKind
	sheet  string
	row    int64
	values []any
	done   chan opResult
}

// Batcher queues row writes in front of a RowWriter and flushes them in
// order once the batch fills or the queue empties. Callers block on a
// per-op result so append row indices are observed synchronously; because
// they block, an empty queue means nothing more arrives until the current
// batch completes, so it flushes immediately. The idle timer is the
// backstop for ops that race in between the drain and the flush.
//
// The queue is in-memory only. Ops lost to a crash are recovered by the
// thread-level needsSheetSync flag, not by the batcher.
type Batcher struct {
	writer RowWriter
	size   int
	idle   time.Duration

	ops  chan *rowOp
	quit chan struct{}
	done chan struct{}
}

func NewBatcher(writer RowWriter, size int, idle time.Duration) *Batcher {
	if size <= 0 {
		size = 10
	}
	if idle <= 0 {
		idle = 2 * time.Second
	}
	b := &Batcher{
		writer: writer,
		size:   size,
		idle:   idle,
		ops:    make(chan *rowOp, size*4),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Append queues an append and blocks until it flushes, returning the
// 1-based row index the sink assigned.
func (b *Batcher) Append(ctx context.Context, sheet string, values []any) (int64, error) {
	res, err := b.submit(ctx, &rowOp{kind: opAppend, sheet: sheet, values: values})
	if err != nil {
		return 0, err
	}
	return res.row, res.err
}

// Update queues an in-place row update and blocks until it flushes.
func (b *Batcher) Update(ctx context.Context, sheet string, row int64, values []any) error {
	res, err := b.submit(ctx, &rowOp{kind: opUpdate, sheet: sheet, row: row, values: values})
	if err != nil {
		return err
	}
	return res.err
}

// EnsureSheet passes through to the writer; sheet verification is cached
// there and needs no batching.
func (b *Batcher) EnsureSheet(ctx context.Context, name string, header []any) error {
	return b.writer.EnsureSheet(ctx, name, header)
}

func (b *Batcher) submit(ctx context.Context, op *rowOp) (opResult, error) {
	op.done = make(chan opResult, 1)
	select {
	case <-b.quit:
		return opResult{}, fmt.Errorf("batcher closed")
	default:
	}
	select {
	case b.ops <- op:
	case <-b.quit:
		return opResult{}, fmt.Errorf("batcher closed")
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	}
	select {
	case res := <-op.done:
		return res, nil
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	}
}

// Close flushes anything still queued and stops the worker.
func (b *Batcher) Close() {
	close(b.quit)
	<-b.done
}

func (b *Batcher) run() {
	defer close(b.done)

	var batch []*rowOp
	timer := time.NewTimer(b.idle)
	if !timer.Stop() {
		<-timer.C
	}

	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		logger.Debug("flushing_row_batch", "ops", len(batch))
		ctx := context.Background()
		for _, op := range batch {
			switch op.kind {
			case opAppend:
				row, err := b.writer.AppendRow(ctx, op.sheet, op.values)
				op.done <- opResult{row: row, err: err}
			case opUpdate:
				err := b.writer.UpdateRow(ctx, op.sheet, op.row, op.values)
				op.done <- opResult{err: err}
			}
		}
		batch = nil
	}

	for {
		select {
		case op := <-b.ops:
			if len(batch) == 0 {
				timer.Reset(b.idle)
			}
			batch = append(batch, op)
			// Take everything already queued without blocking.
		drain:
			for len(batch) < b.size {
				select {
				case more := <-b.ops:
					batch = append(batch, more)
				default:
					break drain
				}
			}
			if len(batch) >= b.size || len(b.ops) == 0 {
				stopTimer()
				flush()
			}
		case <-timer.C:
			flush()
		case <-b.quit:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case op := <-b.ops:
					batch = append(batch, op)
				default:
					flush()
					return
				}
			}
		}
	}
}
