package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/replenishly/stocksync/pkg/fingerprint"
	"github.com/replenishly/stocksync/pkg/normalize"
	"github.com/replenishly/stocksync/pkg/priority"
	"github.com/replenishly/stocksync/pkg/remote"
	"github.com/replenishly/stocksync/pkg/store"
	"github.com/replenishly/stocksync/pkg/strategy"
	"github.com/replenishly/stocksync/pkg/types"
)

// neverSynced stands in for staleness when a sku has no recorded sync, so a
// brand-new record always gets the full staleness boost.
const neverSynced = 30 * 24 * time.Hour

type RunOptions struct {
	// ForceType overrides strategy selection. Empty means select from the
	// time since the last successful run.
	ForceType types.SyncType
}

// RunSummary is what a completed (or failed) run looked like.
type RunSummary struct {
	RunID          string
	Type           types.SyncType
	Status         types.RunStatus
	ItemsProcessed int
	ItemsUpdated   int
	ItemsUnchanged int
	Errors         []string
	Duration       time.Duration
}

// Run executes one synchronization run end to end. The run row is claimed
// before any fetch begins and finalized on every exit path; fetch-stage
// errors yield status error, isolated batch failures yield partial.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	ctx, span := tracer.Start(ctx, "Engine.Run")
	defer span.End()

	l := ctxzap.Extract(ctx)

	if !e.config.SyncEnabled {
		return nil, ErrSyncDisabled
	}

	syncType := opts.ForceType
	if syncType == "" {
		var err error
		syncType, err = e.selectType(ctx)
		if err != nil {
			return nil, err
		}
	}

	runID, err := e.store.ClaimRun(ctx, syncType)
	if err != nil {
		return nil, err
	}
	started := time.Now()

	// Each run works from a fresh view of stored state; within the run the
	// cache keeps per-page state lookups from re-querying the store.
	e.states.DeleteAll()

	profile := strategy.ProfileFor(syncType)
	l.Info("sync run starting",
		zap.String("run_id", runID),
		zap.String("sync_type", string(syncType)),
		zap.Duration("timeout", profile.RunTimeout),
	)

	runCtx, cancel := context.WithTimeout(ctx, profile.RunTimeout)
	defer cancel()

	upsert := e.store.UpsertBatch
	switch {
	case profile.StagedSwap:
		upsert = e.store.UpsertStagingBatch
	case profile.StockOnly:
		upsert = e.store.UpsertStockBatch
	}

	st := &runState{
		writer: newBatchWriter(upsert, profile.BatchSize, e.config.BatchConcurrency),
		seen:   mapset.NewSet[string](),
	}

	// Scoped cleanup: the run row reaches a terminal status on every exit
	// path, including panics. The normal path finalizes with the real
	// status first, making the deferred call a no-op.
	finalized := false
	finalizeOnce := func(status types.RunStatus) {
		if finalized {
			return
		}
		finalized = true
		if err := e.finalize(ctx, runID, status, st); err != nil {
			l.Error("failed to finalize run", zap.String("run_id", runID), zap.Error(err))
		}
	}
	defer finalizeOnce(types.RunStatusError)

	if profile.StagedSwap {
		if err := e.store.ResetStaging(runCtx); err != nil {
			st.errs = append(st.errs, err.Error())
			return nil, err
		}
	}

	fetched, fetchErr := e.fetcher.FetchPages(runCtx, remote.FetchRequest{
		Filter:     profile.Filter,
		Fields:     profile.Fields,
		PageSize:   profile.PageSize,
		MaxRecords: profile.MaxRecords,
	}, func(ctx context.Context, records []map[string]interface{}) error {
		return e.handlePage(ctx, profile, st, records)
	})

	if flushErr := st.writer.flush(runCtx); flushErr != nil && fetchErr == nil {
		fetchErr = flushErr
	}

	e.markUnchanged(runCtx, st)

	status := types.RunStatusSuccess
	switch {
	case fetchErr != nil:
		status = types.RunStatusError
		st.errs = append(st.errs, fetchErr.Error())
	case st.writer.failed():
		status = types.RunStatusPartial
		st.errs = append(st.errs, st.writer.errorStrings()...)
	}

	// A full resync only swaps in a completely built staging set; a partial
	// or failed rebuild leaves the live catalog as it was.
	if profile.StagedSwap && status == types.RunStatusSuccess {
		if err := e.store.SwapStaging(runCtx); err != nil {
			status = types.RunStatusError
			st.errs = append(st.errs, fmt.Sprintf("swapping staged catalog: %v", err))
		}
	}

	finalizeOnce(status)

	summary := &RunSummary{
		RunID:          runID,
		Type:           syncType,
		Status:         status,
		ItemsProcessed: st.processed,
		ItemsUpdated:   st.writer.updatedCount(),
		ItemsUnchanged: st.unchanged(),
		Errors:         st.errs,
		Duration:       time.Since(started),
	}

	l.Info("sync run finished",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
		zap.Int("fetched", fetched),
		zap.Int("processed", summary.ItemsProcessed),
		zap.Int("updated", summary.ItemsUpdated),
		zap.Int("unchanged", summary.ItemsUnchanged),
		zap.Duration("duration", summary.Duration),
	)

	if fetchErr != nil {
		return summary, fetchErr
	}
	return summary, nil
}

// runState accumulates per-run counters. Page handling is sequential, so
// plain fields are fine; only the writer runs concurrently.
type runState struct {
	writer       *batchWriter
	seen         mapset.Set[string]
	processed    int
	malformed    int
	pages        int
	errs         []string
	unchangedBuf []*types.InventoryRecord
	unchangedN   int
}

func (st *runState) unchanged() int {
	return st.unchangedN
}

func (e *Engine) selectType(ctx context.Context) (types.SyncType, error) {
	last, err := e.store.LastSuccessfulRun(ctx)
	if err != nil {
		return "", err
	}
	if last == nil || last.FinalizedAt == nil {
		return strategy.Select(0, false), nil
	}
	return strategy.Select(time.Since(*last.FinalizedAt), true), nil
}

// handlePage runs one page through normalize -> change detect -> prioritize
// and hands survivors to the batch writer. Per-record work is pure and fans
// out across a bounded worker pool.
func (e *Engine) handlePage(ctx context.Context, profile strategy.Profile, st *runState, records []map[string]interface{}) error {
	ctx, span := tracer.Start(ctx, "Engine.handlePage")
	defer span.End()

	l := ctxzap.Extract(ctx)
	st.pages++

	normalized := make([]*types.InventoryRecord, len(records))

	var malformedCount int
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(profile.Workers)
	for i, raw := range records {
		g.Go(func() error {
			rec, err := normalize.Record(raw)
			if err != nil {
				ctxzap.Extract(gctx).Warn("skipping malformed source record", zap.Error(err))
				mu.Lock()
				malformedCount++
				mu.Unlock()
				return nil
			}
			normalized[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Dedupe within the run snapshot: first occurrence of a sku wins.
	unique := normalized[:0]
	var skus []string
	for _, rec := range normalized {
		if rec == nil {
			continue
		}
		if !st.seen.Add(rec.SKU) {
			l.Debug("duplicate sku in snapshot, keeping first occurrence", zap.String("sku", rec.SKU))
			continue
		}
		unique = append(unique, rec)
		skus = append(skus, rec.SKU)
	}

	states, err := e.syncStates(ctx, skus)
	if err != nil {
		return err
	}

	changed := make([]bool, len(unique))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(profile.Workers)
	for i, rec := range unique {
		g.Go(func() error {
			state := states[rec.SKU]

			hash, didChange := fingerprint.Changed(gctx, rec, state.ContentHash)
			rec.ContentHash = hash

			sinceSync := neverSynced
			if state.LastSyncedAt != nil {
				sinceSync = time.Since(*state.LastSyncedAt)
			}
			rec.SyncPriority = priority.Compute(rec.Stock, rec.ReorderPoint, sinceSync)

			changed[i] = didChange
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st.processed += len(unique) + malformedCount
	st.malformed += malformedCount

	for i, rec := range unique {
		// Staged rebuilds write every record: the staging table starts
		// empty, so there is nothing to skip against.
		if !profile.StagedSwap && !changed[i] {
			st.unchangedBuf = append(st.unchangedBuf, rec)
			st.unchangedN++
			continue
		}
		rec.SyncStatus = types.SyncStatusCompleted
		if err := st.writer.add(ctx, rec); err != nil {
			return err
		}
	}

	return nil
}

// markUnchanged refreshes bookkeeping (status, recomputed priority,
// last_synced_at) for records whose monitored fields did not move. Failures
// here are logged, not fatal: the data rows themselves are already correct.
func (e *Engine) markUnchanged(ctx context.Context, st *runState) {
	if len(st.unchangedBuf) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	if err := e.store.MarkUnchanged(ctx, st.unchangedBuf); err != nil {
		ctxzap.Extract(ctx).Warn("failed to refresh unchanged records", zap.Error(err))
	}
	st.unchangedBuf = nil
}

func (e *Engine) finalize(ctx context.Context, runID string, status types.RunStatus, st *runState) error {
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "Engine.finalize")
	defer span.End()

	return e.store.FinalizeRun(ctx, runID, store.RunResult{
		Status:         status,
		ItemsProcessed: st.processed,
		ItemsUpdated:   st.writer.updatedCount(),
		Errors:         st.errs,
		Metadata: map[string]string{
			"pages":     strconv.Itoa(st.pages),
			"unchanged": strconv.Itoa(st.unchanged()),
			"malformed": strconv.Itoa(st.malformed),
		},
	})
}
