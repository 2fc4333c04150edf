package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replenishly/stocksync/pkg/types"
)

func TestSelect(t *testing.T) {
	require.Equal(t, types.SyncTypeCritical, Select(30*time.Minute, true))
	require.Equal(t, types.SyncTypeInventory, Select(2*time.Hour, true))
	require.Equal(t, types.SyncTypeActive, Select(3*24*time.Hour, true))
	require.Equal(t, types.SyncTypeFull, Select(8*24*time.Hour, true))
	require.Equal(t, types.SyncTypeFull, Select(0, false), "never synced means full rebuild")
}

func TestSelectBoundaries(t *testing.T) {
	require.Equal(t, types.SyncTypeCritical, Select(59*time.Minute, true))
	require.Equal(t, types.SyncTypeInventory, Select(time.Hour, true))
	require.Equal(t, types.SyncTypeInventory, Select(23*time.Hour, true))
	require.Equal(t, types.SyncTypeActive, Select(24*time.Hour, true))
	require.Equal(t, types.SyncTypeFull, Select(7*24*time.Hour, true))
}

func TestProfiles(t *testing.T) {
	for _, st := range []types.SyncType{types.SyncTypeCritical, types.SyncTypeInventory, types.SyncTypeActive, types.SyncTypeFull} {
		p := ProfileFor(st)
		require.Equal(t, st, p.Type)
		require.NotEmpty(t, p.Fields)
		require.Positive(t, p.PageSize)
		require.GreaterOrEqual(t, p.BatchSize, 50)
		require.LessOrEqual(t, p.BatchSize, 100)
		require.Positive(t, p.Workers)
		require.Positive(t, p.RunTimeout)
	}

	require.True(t, ProfileFor(types.SyncTypeFull).StagedSwap)
	require.False(t, ProfileFor(types.SyncTypeCritical).StagedSwap)

	// Subset selection: urgent and active strategies scope the fetch
	// server-side; stock-wide and full rebuilds fetch everything.
	require.Equal(t, FilterCritical, ProfileFor(types.SyncTypeCritical).Filter)
	require.Equal(t, FilterActive, ProfileFor(types.SyncTypeActive).Filter)
	require.Empty(t, ProfileFor(types.SyncTypeInventory).Filter)
	require.Empty(t, ProfileFor(types.SyncTypeFull).Filter)
	require.True(t, ProfileFor(types.SyncTypeInventory).StockOnly)
	require.False(t, ProfileFor(types.SyncTypeActive).StockOnly)
	require.Contains(t, ProfileFor(types.SyncTypeCritical).Fields, "reorder_point")
	require.NotContains(t, ProfileFor(types.SyncTypeInventory).Fields, "sales_90d")

	// Every change-monitored field is fetched by every profile, so a stock
	// sync's fingerprints agree with a full sync's.
	for _, st := range []types.SyncType{types.SyncTypeCritical, types.SyncTypeInventory, types.SyncTypeActive, types.SyncTypeFull} {
		for _, f := range []string{"stock", "cost", "vendor", "location", "reorder_point"} {
			require.Contains(t, ProfileFor(st).Fields, f)
		}
	}
}

func TestProfileForUnknownType(t *testing.T) {
	p := ProfileFor(types.SyncType("bogus"))
	require.Equal(t, types.SyncTypeFull, p.Type)
}
