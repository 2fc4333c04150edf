package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replenishly/stocksync/pkg/remote"
	"github.com/replenishly/stocksync/pkg/store"
	"github.com/replenishly/stocksync/pkg/types"
)

type fakeFetcher struct {
	pages [][]map[string]interface{}
	err   error
}

func (f *fakeFetcher) FetchPages(ctx context.Context, req remote.FetchRequest, fn remote.PageFunc) (int, error) {
	total := 0
	for _, page := range f.pages {
		if err := fn(ctx, page); err != nil {
			return total, err
		}
		total += len(page)
	}
	return total, f.err
}

// flakyStore fails any batch containing failSKU, and counts writes.
type flakyStore struct {
	*store.Store
	failSKU string
	upserts int32
}

func (s *flakyStore) check(recs []*types.InventoryRecord) error {
	atomic.AddInt32(&s.upserts, 1)
	for _, r := range recs {
		if s.failSKU != "" && r.SKU == s.failSKU {
			return errors.New("store exploded")
		}
	}
	return nil
}

func (s *flakyStore) UpsertBatch(ctx context.Context, recs []*types.InventoryRecord) error {
	if err := s.check(recs); err != nil {
		return err
	}
	return s.Store.UpsertBatch(ctx, recs)
}

func (s *flakyStore) UpsertStockBatch(ctx context.Context, recs []*types.InventoryRecord) error {
	if err := s.check(recs); err != nil {
		return err
	}
	return s.Store.UpsertStockBatch(ctx, recs)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(context.Background(), filepath.Join(t.TempDir(), "stocksync.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func sourcePage(start, n int) []map[string]interface{} {
	page := make([]map[string]interface{}, 0, n)
	for i := start; i < start+n; i++ {
		page = append(page, map[string]interface{}{
			"Item Number":   fmt.Sprintf("SKU-%03d", i),
			"Description":   fmt.Sprintf("item %d", i),
			"Qty On Hand":   float64(i % 20),
			"unit_cost":     1.5,
			"Supplier Name": "acme",
			"reorderPoint":  float64(5),
		})
	}
	return page
}

func TestRunPartialBatchFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	flaky := &flakyStore{Store: s, failSKU: "SKU-075"}

	fetcher := &fakeFetcher{pages: [][]map[string]interface{}{
		sourcePage(1, 75),
		sourcePage(76, 75),
	}}

	e := New(flaky, fetcher, Config{SyncEnabled: true})
	summary, err := e.Run(ctx, RunOptions{ForceType: types.SyncTypeCritical})
	require.NoError(t, err, "an isolated batch failure must not abort the run")

	require.Equal(t, types.RunStatusPartial, summary.Status)
	require.Equal(t, 150, summary.ItemsProcessed, "all attempted batches count as processed")
	require.Equal(t, 100, summary.ItemsUpdated, "the two healthy batches of 50 still commit")
	require.Len(t, summary.Errors, 1)
	require.Contains(t, summary.Errors[0], "store exploded")

	run, err := s.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	require.Equal(t, types.RunStatusPartial, run.Status)
	require.Equal(t, 150, run.ItemsProcessed)
	require.Equal(t, 100, run.ItemsUpdated)
	require.Len(t, run.Errors, 1)
}

func TestRunNoOpSkip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fetcher := &fakeFetcher{pages: [][]map[string]interface{}{sourcePage(1, 60)}}

	first := New(&flakyStore{Store: s}, fetcher, Config{SyncEnabled: true})
	summary, err := first.Run(ctx, RunOptions{ForceType: types.SyncTypeCritical})
	require.NoError(t, err)
	require.Equal(t, types.RunStatusSuccess, summary.Status)
	require.Equal(t, 60, summary.ItemsUpdated)

	// Same snapshot again: every fingerprint matches, nothing is written.
	counting := &flakyStore{Store: s}
	second := New(counting, fetcher, Config{SyncEnabled: true})
	summary, err = second.Run(ctx, RunOptions{ForceType: types.SyncTypeCritical})
	require.NoError(t, err)
	require.Equal(t, types.RunStatusSuccess, summary.Status)
	require.Equal(t, 60, summary.ItemsProcessed)
	require.Zero(t, summary.ItemsUpdated)
	require.Equal(t, 60, summary.ItemsUnchanged)
	require.Zero(t, atomic.LoadInt32(&counting.upserts), "unchanged records must not reach the batch writer")

	// Bookkeeping still advanced on the unchanged path.
	rec, err := s.GetRecord(ctx, "SKU-001")
	require.NoError(t, err)
	require.Equal(t, types.SyncStatusUnchanged, rec.SyncStatus)
}

func TestRunRecomputesPriorityOnWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	page := []map[string]interface{}{{
		"sku":           "PRI-1",
		"stock":         float64(5),
		"reorder_point": float64(10),
	}}
	e := New(&flakyStore{Store: s}, &fakeFetcher{pages: [][]map[string]interface{}{page}}, Config{SyncEnabled: true})

	_, err := e.Run(ctx, RunOptions{ForceType: types.SyncTypeCritical})
	require.NoError(t, err)

	rec, err := s.GetRecord(ctx, "PRI-1")
	require.NoError(t, err)
	require.Equal(t, 10, rec.SyncPriority, "never-synced record below reorder point gets 9 plus full staleness boost, capped")

	// Stock goes to zero: the rewrite must surface priority 10 regardless of
	// the stored value.
	page[0]["stock"] = float64(0)
	_, err = e.Run(ctx, RunOptions{ForceType: types.SyncTypeCritical})
	require.NoError(t, err)

	rec, err = s.GetRecord(ctx, "PRI-1")
	require.NoError(t, err)
	require.Equal(t, 0, rec.Stock)
	require.Equal(t, 10, rec.SyncPriority)
}

func TestRunAuthErrorIsFatal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	fetcher := &fakeFetcher{
		pages: [][]map[string]interface{}{sourcePage(1, 10)},
		err:   &remote.AuthError{StatusCode: 401, Err: errors.New("unauthorized")},
	}

	e := New(&flakyStore{Store: s}, fetcher, Config{SyncEnabled: true})
	summary, err := e.Run(ctx, RunOptions{ForceType: types.SyncTypeInventory})
	require.Error(t, err)
	require.True(t, remote.IsAuthError(err))
	require.Equal(t, types.RunStatusError, summary.Status)

	run, err := s.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	require.Equal(t, types.RunStatusError, run.Status)
	require.NotEmpty(t, run.Errors)
	require.True(t, run.Finalized(), "fatal errors must still finalize the run row")
}

func TestRunSingleFlight(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.ClaimRun(ctx, types.SyncTypeFull)
	require.NoError(t, err)

	e := New(&flakyStore{Store: s}, &fakeFetcher{}, Config{SyncEnabled: true})
	_, err = e.Run(ctx, RunOptions{ForceType: types.SyncTypeCritical})
	require.Error(t, err)
	require.True(t, errors.Is(err, store.ErrSyncAlreadyRunning))
}

func TestRunDisabled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := New(&flakyStore{Store: s}, &fakeFetcher{}, Config{SyncEnabled: false})
	_, err := e.Run(ctx, RunOptions{})
	require.True(t, errors.Is(err, ErrSyncDisabled))
}

func TestRunFullStagedSwap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// A discontinued sku from an earlier sync.
	require.NoError(t, s.UpsertBatch(ctx, []*types.InventoryRecord{{
		SKU: "GONE-1", Name: "discontinued", Stock: 3, SyncStatus: types.SyncStatusCompleted,
	}}))

	fetcher := &fakeFetcher{pages: [][]map[string]interface{}{sourcePage(1, 20)}}
	e := New(&flakyStore{Store: s}, fetcher, Config{SyncEnabled: true})

	summary, err := e.Run(ctx, RunOptions{ForceType: types.SyncTypeFull})
	require.NoError(t, err)
	require.Equal(t, types.RunStatusSuccess, summary.Status)
	require.Equal(t, 20, summary.ItemsUpdated)

	count, err := s.CountItems(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(20), count, "the rebuilt catalog replaces the old one wholesale")

	gone, err := s.GetRecord(ctx, "GONE-1")
	require.NoError(t, err)
	require.Nil(t, gone, "skus absent from the snapshot drop out after the swap")
}

func TestRunFullFailedRebuildDoesNotSwap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertBatch(ctx, []*types.InventoryRecord{{
		SKU: "KEEP-1", Name: "survivor", Stock: 3, SyncStatus: types.SyncStatusCompleted,
	}}))

	flaky := &stagingFlakyStore{Store: s}
	fetcher := &fakeFetcher{pages: [][]map[string]interface{}{sourcePage(1, 20)}}
	e := New(flaky, fetcher, Config{SyncEnabled: true})

	summary, err := e.Run(ctx, RunOptions{ForceType: types.SyncTypeFull})
	require.NoError(t, err)
	require.Equal(t, types.RunStatusPartial, summary.Status)

	kept, err := s.GetRecord(ctx, "KEEP-1")
	require.NoError(t, err)
	require.NotNil(t, kept, "a partial rebuild must leave the live catalog untouched")
}

type stagingFlakyStore struct {
	*store.Store
}

func (s *stagingFlakyStore) UpsertStagingBatch(ctx context.Context, recs []*types.InventoryRecord) error {
	return errors.New("staging write failed")
}

func TestRunSelectsFullWhenNeverSynced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := New(&flakyStore{Store: s}, &fakeFetcher{pages: [][]map[string]interface{}{sourcePage(1, 5)}}, Config{SyncEnabled: true})
	summary, err := e.Run(ctx, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, types.SyncTypeFull, summary.Type)

	run, err := s.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	require.Equal(t, types.SyncTypeFull, run.Type)
}

func TestRunDeduplicatesSnapshotSKUs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dup := map[string]interface{}{"sku": "DUP-1", "stock": float64(7), "reorder_point": float64(2)}
	later := map[string]interface{}{"sku": "DUP-1", "stock": float64(1), "reorder_point": float64(2)}

	fetcher := &fakeFetcher{pages: [][]map[string]interface{}{{dup}, {later}}}
	e := New(&flakyStore{Store: s}, fetcher, Config{SyncEnabled: true})

	summary, err := e.Run(ctx, RunOptions{ForceType: types.SyncTypeCritical})
	require.NoError(t, err)
	require.Equal(t, 1, summary.ItemsProcessed)

	rec, err := s.GetRecord(ctx, "DUP-1")
	require.NoError(t, err)
	require.Equal(t, 7, rec.Stock, "first occurrence wins within a snapshot")
}

func TestShouldSync(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := New(&flakyStore{Store: s}, &fakeFetcher{}, Config{SyncEnabled: false})
	due, err := e.ShouldSync(ctx)
	require.NoError(t, err)
	require.False(t, due)

	e = New(&flakyStore{Store: s}, &fakeFetcher{}, Config{SyncEnabled: true, SyncFrequency: time.Hour})
	due, err = e.ShouldSync(ctx)
	require.NoError(t, err)
	require.True(t, due, "a never-synced store is always due")

	runID, err := s.ClaimRun(ctx, types.SyncTypeCritical)
	require.NoError(t, err)
	require.NoError(t, s.FinalizeRun(ctx, runID, store.RunResult{Status: types.RunStatusSuccess}))

	due, err = e.ShouldSync(ctx)
	require.NoError(t, err)
	require.False(t, due, "a fresh success within the frequency window is not due")
}
