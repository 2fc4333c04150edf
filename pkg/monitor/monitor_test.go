package monitor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/replenishly/stocksync/pkg/store"
	"github.com/replenishly/stocksync/pkg/types"
)

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	s, err := store.New(ctx, filepath.Join(t.TempDir(), "stocksync.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	mk := func(sku string, stock, reorder, prio int) *types.InventoryRecord {
		return &types.InventoryRecord{
			SKU:          sku,
			Name:         "item " + sku,
			Stock:        stock,
			ReorderPoint: reorder,
			SyncPriority: prio,
			SyncStatus:   types.SyncStatusCompleted,
		}
	}
	require.NoError(t, s.UpsertBatch(ctx, []*types.InventoryRecord{
		mk("HEALTHY-1", 50, 5, 5),
		mk("HEALTHY-2", 12, 5, 5),
		mk("OUT-1", 0, 5, 10),
		mk("LOW-1", 2, 5, 9),
		mk("LOW-2", 5, 5, 9),
	}))
	return s
}

func TestCriticalItems(t *testing.T) {
	ctx := context.Background()
	m := New(seededStore(t))

	items, err := m.CriticalItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "OUT-1", items[0].SKU, "out-of-stock items lead the list")
}

func TestReport(t *testing.T) {
	ctx := context.Background()
	m := New(seededStore(t))

	r, err := m.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), r.TotalItems)
	require.Equal(t, 3, r.Critical)
	require.Equal(t, 1, r.OutOfStock)
	require.Equal(t, 2, r.BelowReorder)
	require.Equal(t, r.Critical, r.OutOfStock+r.BelowReorder)
}

func TestReportEmptyStore(t *testing.T) {
	ctx := context.Background()

	s, err := store.New(ctx, filepath.Join(t.TempDir(), "stocksync.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	r, err := New(s).Report(ctx)
	require.NoError(t, err)
	require.Zero(t, r.TotalItems)
	require.Zero(t, r.Critical)
}
