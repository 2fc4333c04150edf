package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/replenishly/stocksync/pkg/retry"
	"github.com/replenishly/stocksync/pkg/types"
)

// BatchError is one isolated batch failure. It never aborts the run; it is
// aggregated into the run's error list instead.
type BatchError struct {
	Batch int
	Size  int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (%d records): %v", e.Batch, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// writeRetryable retries store contention; anything else fails the batch.
func writeRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// batchWriter commits changed records in fixed-size batches with bounded
// parallelism. Batches are disjoint by construction (each sku appears once
// per run), so concurrent commits never contend on a key. A failure in one
// batch is recorded and the remaining batches are still attempted.
type batchWriter struct {
	upsert    func(ctx context.Context, recs []*types.InventoryRecord) error
	retryer   *retry.Retryer
	batchSize int

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	pending  []*types.InventoryRecord
	batchSeq int

	updated atomic.Int64

	mu   sync.Mutex
	errs []*BatchError
}

func newBatchWriter(upsert func(ctx context.Context, recs []*types.InventoryRecord) error, batchSize int, concurrency int) *batchWriter {
	return &batchWriter{
		upsert: upsert,
		retryer: retry.NewRetryer(retry.RetryConfig{
			MaxAttempts: 3,
			Retryable:   writeRetryable,
		}),
		batchSize: batchSize,
		sem:       semaphore.NewWeighted(int64(concurrency)),
	}
}

// add queues records and dispatches every full batch. Dispatch stops once
// ctx is cancelled; batches already committing run to completion.
func (w *batchWriter) add(ctx context.Context, recs ...*types.InventoryRecord) error {
	w.pending = append(w.pending, recs...)
	for len(w.pending) >= w.batchSize {
		batch := w.pending[:w.batchSize]
		w.pending = w.pending[w.batchSize:]
		if err := w.dispatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// flush dispatches the final short batch and waits for all in-flight
// commits.
func (w *batchWriter) flush(ctx context.Context) error {
	var err error
	if len(w.pending) > 0 {
		err = w.dispatch(ctx, w.pending)
		w.pending = nil
	}
	w.wg.Wait()
	return err
}

func (w *batchWriter) dispatch(ctx context.Context, batch []*types.InventoryRecord) error {
	// Refuse new batches once the run is cancelled; in-flight commits are
	// left to finish so no batch is half-written.
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	seq := w.batchSeq
	w.batchSeq++

	owned := make([]*types.InventoryRecord, len(batch))
	copy(owned, batch)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		w.commit(ctx, seq, owned)
	}()

	return nil
}

func (w *batchWriter) commit(ctx context.Context, seq int, batch []*types.InventoryRecord) {
	l := ctxzap.Extract(ctx)

	// A batch that started committing is allowed to finish even if the run
	// is aborted mid-flight.
	commitCtx := context.WithoutCancel(ctx)

	err := w.retryer.Do(commitCtx, func(ctx context.Context) error {
		return w.upsert(ctx, batch)
	})
	if err != nil {
		batchErr := &BatchError{Batch: seq, Size: len(batch), Err: err}
		l.Error("batch commit failed, continuing with remaining batches",
			zap.Int("batch", seq),
			zap.Int("size", len(batch)),
			zap.Error(err),
		)
		w.mu.Lock()
		w.errs = append(w.errs, batchErr)
		w.mu.Unlock()
		return
	}

	w.updated.Add(int64(len(batch)))
	l.Debug("batch committed", zap.Int("batch", seq), zap.Int("size", len(batch)))
}

func (w *batchWriter) errorStrings() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.errs))
	for _, e := range w.errs {
		out = append(out, e.Error())
	}
	return out
}

func (w *batchWriter) updatedCount() int {
	return int(w.updated.Load())
}

func (w *batchWriter) failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.errs) > 0
}
