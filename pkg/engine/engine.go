package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"

	"github.com/replenishly/stocksync/pkg/remote"
	"github.com/replenishly/stocksync/pkg/store"
	"github.com/replenishly/stocksync/pkg/types"
)

var tracer = otel.Tracer("stocksync/engine")

// ErrSyncDisabled is returned when a run is requested while synchronization
// is switched off in the injected settings.
var ErrSyncDisabled = errors.New("synchronization is disabled")

const syncStateCacheTTL = 5 * time.Minute

// Store is the slice of the local store the engine drives.
type Store interface {
	ClaimRun(ctx context.Context, syncType types.SyncType) (string, error)
	FinalizeRun(ctx context.Context, runID string, result store.RunResult) error
	LastSuccessfulRun(ctx context.Context) (*types.SyncRun, error)
	SyncStates(ctx context.Context, skus []string) (map[string]store.SyncState, error)
	UpsertBatch(ctx context.Context, recs []*types.InventoryRecord) error
	UpsertStockBatch(ctx context.Context, recs []*types.InventoryRecord) error
	UpsertStagingBatch(ctx context.Context, recs []*types.InventoryRecord) error
	MarkUnchanged(ctx context.Context, recs []*types.InventoryRecord) error
	ResetStaging(ctx context.Context) error
	SwapStaging(ctx context.Context) error
}

var _ Store = (*store.Store)(nil)

// Fetcher streams pages of raw records from the source of record.
type Fetcher interface {
	FetchPages(ctx context.Context, req remote.FetchRequest, fn remote.PageFunc) (int, error)
}

var _ Fetcher = (*remote.Fetcher)(nil)

// Config carries the injected settings the engine reads but does not own.
type Config struct {
	SyncEnabled   bool
	SyncFrequency time.Duration // Minimum gap between runs; 0 disables the gate.

	// Bounded concurrency for committing disjoint batches. Default is 2.
	BatchConcurrency int
}

// Engine runs the synchronization pipeline: strategy selection, rate-limited
// paginated fetch, normalization, change detection, prioritization, and
// batched idempotent writes, with run bookkeeping around the whole thing.
type Engine struct {
	store   Store
	fetcher Fetcher
	config  Config

	// Stored sync state is cached per sku so repeated appearances within a
	// run do not re-query the store.
	states *ttlcache.Cache[string, store.SyncState]
}

func New(s Store, f Fetcher, config Config) *Engine {
	if config.BatchConcurrency <= 0 {
		config.BatchConcurrency = 2
	}
	return &Engine{
		store:   s,
		fetcher: f,
		config:  config,
		states: ttlcache.New[string, store.SyncState](
			ttlcache.WithTTL[string, store.SyncState](syncStateCacheTTL),
		),
	}
}

// ShouldSync reports whether a scheduled run is due, honoring the
// sync-enabled switch and the configured frequency.
func (e *Engine) ShouldSync(ctx context.Context) (bool, error) {
	if !e.config.SyncEnabled {
		return false, nil
	}
	if e.config.SyncFrequency <= 0 {
		return true, nil
	}

	last, err := e.store.LastSuccessfulRun(ctx)
	if err != nil {
		return false, err
	}
	if last == nil || last.FinalizedAt == nil {
		return true, nil
	}
	return time.Since(*last.FinalizedAt) >= e.config.SyncFrequency, nil
}

// syncStates resolves stored state for the given skus, store-backed with the
// run-scoped cache in front.
func (e *Engine) syncStates(ctx context.Context, skus []string) (map[string]store.SyncState, error) {
	ret := make(map[string]store.SyncState, len(skus))
	var missing []string
	for _, sku := range skus {
		if item := e.states.Get(sku); item != nil {
			ret[sku] = item.Value()
			continue
		}
		missing = append(missing, sku)
	}

	if len(missing) == 0 {
		return ret, nil
	}

	fetched, err := e.store.SyncStates(ctx, missing)
	if err != nil {
		return nil, err
	}
	for sku, state := range fetched {
		e.states.Set(sku, state, ttlcache.DefaultTTL)
		ret[sku] = state
	}
	return ret, nil
}
