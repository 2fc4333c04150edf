package monitor

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/replenishly/stocksync/pkg/store"
	"github.com/replenishly/stocksync/pkg/types"
)

var tracer = otel.Tracer("stocksync/monitor")

// Store is the read-only slice of the local store the monitor consumes.
type Store interface {
	CriticalItems(ctx context.Context) ([]*types.InventoryRecord, error)
	CountItems(ctx context.Context) (int64, error)
}

var _ Store = (*store.Store)(nil)

// Monitor surfaces items needing attention: out of stock, or at/below their
// reorder point. It never writes; the sync engine owns all mutations.
type Monitor struct {
	store Store
}

func New(s Store) *Monitor {
	return &Monitor{store: s}
}

// CriticalItems returns the attention list, most urgent first: out-of-stock
// items lead, then by sync priority, then by remaining stock.
func (m *Monitor) CriticalItems(ctx context.Context) ([]*types.InventoryRecord, error) {
	ctx, span := tracer.Start(ctx, "Monitor.CriticalItems")
	defer span.End()

	return m.store.CriticalItems(ctx)
}

// Report is a point-in-time summary of catalog health.
type Report struct {
	TotalItems   int64
	Critical     int
	OutOfStock   int
	BelowReorder int
}

// Report counts the catalog's trouble spots. BelowReorder excludes items that
// are already out of stock, so the two buckets partition Critical.
func (m *Monitor) Report(ctx context.Context) (*Report, error) {
	ctx, span := tracer.Start(ctx, "Monitor.Report")
	defer span.End()

	total, err := m.store.CountItems(ctx)
	if err != nil {
		return nil, err
	}

	items, err := m.store.CriticalItems(ctx)
	if err != nil {
		return nil, err
	}

	r := &Report{
		TotalItems: total,
		Critical:   len(items),
	}
	for _, it := range items {
		if it.Stock <= 0 {
			r.OutOfStock++
		} else {
			r.BelowReorder++
		}
	}
	return r, nil
}
