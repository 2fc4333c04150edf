package types

import "time"

// SyncType names the sync profile a run was started with.
type SyncType string

const (
	SyncTypeFull      SyncType = "full"
	SyncTypeCritical  SyncType = "critical"
	SyncTypeInventory SyncType = "inventory"
	SyncTypeActive    SyncType = "active"
)

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusError   RunStatus = "error"
)

// SyncRun is a single synchronization attempt. Rows are created in the
// running state before any fetch begins and are immutable once finalized.
type SyncRun struct {
	ID             string
	Type           SyncType
	Status         RunStatus
	ItemsProcessed int
	ItemsUpdated   int
	Errors         []string
	Metadata       map[string]string
	StartedAt      *time.Time
	FinalizedAt    *time.Time
	Duration       time.Duration
}

// Finalized reports whether the run has reached a terminal status.
func (r *SyncRun) Finalized() bool {
	return r.FinalizedAt != nil
}
