package types

import "time"

// SyncStatus tracks where a record is in the sync lifecycle.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusUnchanged SyncStatus = "unchanged"
)

// InventoryRecord is the canonical shape for a single catalog item. The
// normalizer maps every source naming variant onto this struct; nothing
// downstream of it sees source field names.
type InventoryRecord struct {
	SKU          string  `mapstructure:"sku"`
	Name         string  `mapstructure:"name"`
	Stock        int     `mapstructure:"stock"`
	Cost         float64 `mapstructure:"cost"`
	Vendor       string  `mapstructure:"vendor"`
	Location     string  `mapstructure:"location"`
	ReorderPoint int     `mapstructure:"reorder_point"`
	ReorderQty   int     `mapstructure:"reorder_qty"`
	Sales30d     int     `mapstructure:"sales_30d"`
	Sales90d     int     `mapstructure:"sales_90d"`

	ContentHash  string
	SyncPriority int
	SyncStatus   SyncStatus
	LastSyncedAt *time.Time
}
