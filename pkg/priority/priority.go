package priority

import "time"

const Max = 10

// Compute assigns sync urgency 0..10 from stock position and staleness.
// It is a pure function and is recomputed on every write path so the stored
// value always reflects the latest inputs.
//
// Base urgency:
//
//	stock == 0                          -> 10
//	0 < stock <= reorderPoint           -> 9
//	reorderPoint < stock <= 2*reorder   -> 7
//	otherwise                           -> 5
//
// Staleness adds 2 beyond 24h, or 1 beyond 6h, capped at 10.
func Compute(stock int, reorderPoint int, sinceSync time.Duration) int {
	var base int
	switch {
	case stock <= 0:
		base = Max
	case stock <= reorderPoint:
		base = 9
	case stock <= 2*reorderPoint:
		base = 7
	default:
		base = 5
	}

	switch {
	case sinceSync > 24*time.Hour:
		base += 2
	case sinceSync > 6*time.Hour:
		base++
	}

	if base > Max {
		return Max
	}
	return base
}
