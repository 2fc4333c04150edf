package strategy

import (
	"time"

	"github.com/replenishly/stocksync/pkg/types"
)

// Server-side record filters the source API understands. A filter scopes the
// fetch to a subset of the catalog; an empty filter fetches everything.
const (
	FilterCritical = "critical" // out-of-stock or at/below reorder point
	FilterActive   = "active"   // non-discontinued catalog
)

// Profile bounds how a run behaves: which subset and fields the fetcher
// requests and the batching/timeout budget downstream stages work within.
type Profile struct {
	Type        types.SyncType
	Filter      string
	Fields      []string
	PageSize    int
	BatchSize   int
	MaxRecords  int
	Workers     int
	RunTimeout  time.Duration
	StagedSwap  bool // full resyncs rebuild through the staging table
	StockOnly   bool // writes touch only the stock-level columns
	Description string
}

// Stock-level profiles still request every change-monitored field so their
// fingerprints agree with the ones a full sync stored. What they skip is
// product detail: display name, reorder quantity, sales history.
var stockFields = []string{"sku", "stock", "cost", "vendor", "location", "reorder_point"}

var detailFields = []string{
	"sku", "name", "stock", "cost", "vendor", "location",
	"reorder_point", "reorder_qty", "sales_30d", "sales_90d",
}

var profiles = map[types.SyncType]Profile{
	types.SyncTypeCritical: {
		Type:        types.SyncTypeCritical,
		Filter:      FilterCritical,
		Fields:      stockFields,
		PageSize:    100,
		BatchSize:   50,
		MaxRecords:  2000,
		Workers:     2,
		RunTimeout:  5 * time.Minute,
		StockOnly:   true,
		Description: "out-of-stock and below-reorder items only",
	},
	types.SyncTypeInventory: {
		Type:        types.SyncTypeInventory,
		Fields:      stockFields,
		PageSize:    200,
		BatchSize:   100,
		MaxRecords:  20000,
		Workers:     4,
		RunTimeout:  15 * time.Minute,
		StockOnly:   true,
		Description: "stock levels only, skipping full product detail",
	},
	types.SyncTypeActive: {
		Type:        types.SyncTypeActive,
		Filter:      FilterActive,
		Fields:      detailFields,
		PageSize:    200,
		BatchSize:   100,
		MaxRecords:  50000,
		Workers:     4,
		RunTimeout:  30 * time.Minute,
		Description: "active catalog with full detail",
	},
	types.SyncTypeFull: {
		Type:        types.SyncTypeFull,
		Fields:      detailFields,
		PageSize:    200,
		BatchSize:   100,
		MaxRecords:  100000,
		Workers:     4,
		RunTimeout:  60 * time.Minute,
		StagedSwap:  true,
		Description: "entire catalog rebuilt through a staged swap",
	},
}

// Select chooses a sync profile from the time elapsed since the last
// successful run. A store that has never synced always gets a full rebuild.
func Select(sinceLastSuccess time.Duration, everSynced bool) types.SyncType {
	if !everSynced {
		return types.SyncTypeFull
	}

	switch {
	case sinceLastSuccess < time.Hour:
		return types.SyncTypeCritical
	case sinceLastSuccess < 24*time.Hour:
		return types.SyncTypeInventory
	case sinceLastSuccess < 7*24*time.Hour:
		return types.SyncTypeActive
	default:
		return types.SyncTypeFull
	}
}

// ProfileFor returns the budgets for a sync type. Unknown types get the full
// profile, the most conservative choice.
func ProfileFor(t types.SyncType) Profile {
	if p, ok := profiles[t]; ok {
		return p
	}
	return profiles[types.SyncTypeFull]
}
