package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/replenishly/stocksync/pkg/types"
)

const sqliteTimeFormat = "2006-01-02 15:04:05.999999999"

const inventoryTableVersion = "1"
const inventoryTableName = "inventory"
const inventoryStagingTableName = "inventory_staging"

const inventoryTableSchema = `
create table if not exists %s (
    id integer primary key,
    sku text not null,
    name text not null default '',
    stock integer not null default 0,
    cost real not null default 0,
    vendor text not null default '',
    location text not null default '',
    reorder_point integer not null default 0,
    reorder_qty integer not null default 0,
    sales_30d integer not null default 0,
    sales_90d integer not null default 0,
    content_hash text not null default '',
    sync_priority integer not null default 0 check (sync_priority between 0 and 10),
    sync_status text not null default 'pending' check (sync_status in ('pending', 'syncing', 'completed', 'unchanged')),
    last_synced_at datetime,
    updated_at datetime not null
);
create unique index if not exists %s on %s (sku);
create index if not exists %s on %s (sync_priority);
create index if not exists %s on %s (stock, reorder_point);`

var inventory = &inventoryTable{name: inventoryTableName}
var inventoryStaging = &inventoryTable{name: inventoryStagingTableName}

type inventoryTable struct {
	name string
}

func (r *inventoryTable) Name() string {
	return fmt.Sprintf("v%s_%s", r.Version(), r.name)
}

func (r *inventoryTable) Version() string {
	return inventoryTableVersion
}

func (r *inventoryTable) Schema() (string, []interface{}) {
	idx := r.indexNames()
	return inventoryTableSchema, []interface{}{
		r.Name(),
		idx[0], r.Name(),
		idx[1], r.Name(),
		idx[2], r.Name(),
	}
}

func (r *inventoryTable) indexNames() []string {
	return []string{
		fmt.Sprintf("idx_%s_sku_v%s", r.name, r.Version()),
		fmt.Sprintf("idx_%s_priority_v%s", r.name, r.Version()),
		fmt.Sprintf("idx_%s_stock_v%s", r.name, r.Version()),
	}
}

func (r *inventoryTable) Migrations(ctx context.Context, db *goqu.Database) error {
	return nil
}

func inventoryRow(rec *types.InventoryRecord, now time.Time) *goqu.Record {
	row := &goqu.Record{
		"sku":            rec.SKU,
		"name":           rec.Name,
		"stock":          rec.Stock,
		"cost":           rec.Cost,
		"vendor":         rec.Vendor,
		"location":       rec.Location,
		"reorder_point":  rec.ReorderPoint,
		"reorder_qty":    rec.ReorderQty,
		"sales_30d":      rec.Sales30d,
		"sales_90d":      rec.Sales90d,
		"content_hash":   rec.ContentHash,
		"sync_priority":  rec.SyncPriority,
		"sync_status":    string(rec.SyncStatus),
		"last_synced_at": now.Format(sqliteTimeFormat),
		"updated_at":     now.Format(sqliteTimeFormat),
	}
	return row
}

var inventoryUpsertUpdate = goqu.Record{
	"name":           goqu.I("EXCLUDED.name"),
	"stock":          goqu.I("EXCLUDED.stock"),
	"cost":           goqu.I("EXCLUDED.cost"),
	"vendor":         goqu.I("EXCLUDED.vendor"),
	"location":       goqu.I("EXCLUDED.location"),
	"reorder_point":  goqu.I("EXCLUDED.reorder_point"),
	"reorder_qty":    goqu.I("EXCLUDED.reorder_qty"),
	"sales_30d":      goqu.I("EXCLUDED.sales_30d"),
	"sales_90d":      goqu.I("EXCLUDED.sales_90d"),
	"content_hash":   goqu.I("EXCLUDED.content_hash"),
	"sync_priority":  goqu.I("EXCLUDED.sync_priority"),
	"sync_status":    goqu.I("EXCLUDED.sync_status"),
	"last_synced_at": goqu.I("EXCLUDED.last_synced_at"),
	"updated_at":     goqu.I("EXCLUDED.updated_at"),
}

// stockUpsertUpdate is the conflict clause for stock-level syncs: product
// detail (name, reorder_qty, sales history) keeps whatever a full sync last
// wrote.
var stockUpsertUpdate = goqu.Record{
	"stock":          goqu.I("EXCLUDED.stock"),
	"cost":           goqu.I("EXCLUDED.cost"),
	"vendor":         goqu.I("EXCLUDED.vendor"),
	"location":       goqu.I("EXCLUDED.location"),
	"reorder_point":  goqu.I("EXCLUDED.reorder_point"),
	"content_hash":   goqu.I("EXCLUDED.content_hash"),
	"sync_priority":  goqu.I("EXCLUDED.sync_priority"),
	"sync_status":    goqu.I("EXCLUDED.sync_status"),
	"last_synced_at": goqu.I("EXCLUDED.last_synced_at"),
	"updated_at":     goqu.I("EXCLUDED.updated_at"),
}

// UpsertBatch writes one batch of records keyed by sku, last writer wins.
// The statement is idempotent: replaying the same snapshot produces the same
// rows.
func (s *Store) UpsertBatch(ctx context.Context, recs []*types.InventoryRecord) error {
	return s.upsertBatch(ctx, inventory, inventoryUpsertUpdate, recs)
}

// UpsertStockBatch writes a batch from a stock-level sync: existing rows keep
// their product detail, only the monitored fields and sync bookkeeping move.
func (s *Store) UpsertStockBatch(ctx context.Context, recs []*types.InventoryRecord) error {
	return s.upsertBatch(ctx, inventory, stockUpsertUpdate, recs)
}

// UpsertStagingBatch writes a batch into the staging table used by full
// resyncs. The live table is untouched until SwapStaging commits.
func (s *Store) UpsertStagingBatch(ctx context.Context, recs []*types.InventoryRecord) error {
	return s.upsertBatch(ctx, inventoryStaging, inventoryUpsertUpdate, recs)
}

func (s *Store) upsertBatch(ctx context.Context, table *inventoryTable, update goqu.Record, recs []*types.InventoryRecord) error {
	ctx, span := tracer.Start(ctx, "Store.upsertBatch")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]*goqu.Record, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, inventoryRow(rec, now))
	}

	q := s.db.Insert(table.Name()).
		Prepared(true).
		Rows(rowsToInterface(rows)...).
		OnConflict(goqu.DoUpdate("sku", update))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: upserting %d records into %s: %w", len(recs), table.Name(), err)
	}

	return nil
}

func rowsToInterface(rows []*goqu.Record) []interface{} {
	out := make([]interface{}, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

// MarkUnchanged refreshes sync bookkeeping for records whose monitored
// fields did not move: status, recomputed priority, and last_synced_at. The
// record data itself is not rewritten.
func (s *Store) MarkUnchanged(ctx context.Context, recs []*types.InventoryRecord) error {
	ctx, span := tracer.Start(ctx, "Store.MarkUnchanged")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(sqliteTimeFormat)
	for _, rec := range recs {
		q := s.db.Update(inventory.Name()).
			Prepared(true).
			Set(goqu.Record{
				"sync_status":    string(types.SyncStatusUnchanged),
				"sync_priority":  rec.SyncPriority,
				"last_synced_at": now,
			}).
			Where(goqu.C("sku").Eq(rec.SKU))

		query, args, err := q.ToSQL()
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	return nil
}

// SwapStaging atomically repoints reads at the rebuilt catalog. The rename
// dance happens inside one transaction so there is never an observable empty
// inventory window.
func (s *Store) SwapStaging(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Store.SwapStaging")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	l := ctxzap.Extract(ctx)

	oldName := inventory.Name() + "_old"
	err = s.db.WithTx(func(tx *goqu.TxDatabase) error {
		if _, err := tx.Exec(fmt.Sprintf("drop table if exists %s", oldName)); err != nil {
			return err
		}
		if _, err := tx.Exec(fmt.Sprintf("alter table %s rename to %s", inventory.Name(), oldName)); err != nil {
			return err
		}
		if _, err := tx.Exec(fmt.Sprintf("alter table %s rename to %s", inventoryStaging.Name(), inventory.Name())); err != nil {
			return err
		}
		if _, err := tx.Exec(fmt.Sprintf("drop table %s", oldName)); err != nil {
			return err
		}

		// Indexes follow a renamed table, so the new live table now carries
		// the staging-named indexes. Drop them so both schemas can recreate
		// their indexes under the right names.
		for _, idx := range inventoryStaging.indexNames() {
			if _, err := tx.Exec(fmt.Sprintf("drop index if exists %s", idx)); err != nil {
				return err
			}
		}

		// Recreate an empty staging table and any index the renamed table is
		// missing under its new name.
		for _, t := range []*inventoryTable{inventoryStaging, inventory} {
			query, args := t.Schema()
			if _, err := tx.Exec(fmt.Sprintf(query, args...)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: swapping staging table: %w", err)
	}

	// The dropped tables leave free pages behind; reclaim them. The swap
	// itself is already committed, so a vacuum failure is not fatal.
	if err := s.Vacuum(ctx); err != nil {
		l.Warn("vacuum after staging swap failed", zap.Error(err))
	}

	l.Info("staged catalog swapped into place")
	return nil
}

// ResetStaging clears any leftovers from an interrupted full resync.
func (s *Store) ResetStaging(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Store.ResetStaging")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf("delete from %s", inventoryStaging.Name()))
	return err
}

const stateChunkSize = 500

// SyncState is the slice of a stored record the change detector and the
// priority scheduler need: what we last wrote and when.
type SyncState struct {
	ContentHash  string
	LastSyncedAt *time.Time
}

// SyncStates returns the stored sync state per sku. Unknown skus are simply
// absent from the result.
func (s *Store) SyncStates(ctx context.Context, skus []string) (map[string]SyncState, error) {
	ctx, span := tracer.Start(ctx, "Store.SyncStates")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, err
	}

	ret := make(map[string]SyncState, len(skus))
	for start := 0; start < len(skus); start += stateChunkSize {
		end := start + stateChunkSize
		if end > len(skus) {
			end = len(skus)
		}

		q := s.db.From(inventory.Name()).
			Prepared(true).
			Select("sku", "content_hash", "last_synced_at").
			Where(goqu.C("sku").In(skus[start:end]))

		query, args, err := q.ToSQL()
		if err != nil {
			return nil, err
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}

		for rows.Next() {
			var sku string
			state := SyncState{}
			if err := rows.Scan(&sku, &state.ContentHash, &state.LastSyncedAt); err != nil {
				rows.Close()
				return nil, err
			}
			ret[sku] = state
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return ret, nil
}

// GetRecord fetches one record by sku. Returns nil when the sku is unknown.
func (s *Store) GetRecord(ctx context.Context, sku string) (*types.InventoryRecord, error) {
	ctx, span := tracer.Start(ctx, "Store.GetRecord")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, err
	}

	q := s.db.From(inventory.Name()).
		Prepared(true).
		Select(inventorySelectColumns()...).
		Where(goqu.C("sku").Eq(sku))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	rec, err := scanInventoryRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// CriticalItems returns the out-of-stock and below-reorder view: stockouts
// first, then by sync priority descending, then lowest stock first.
func (s *Store) CriticalItems(ctx context.Context) ([]*types.InventoryRecord, error) {
	ctx, span := tracer.Start(ctx, "Store.CriticalItems")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, err
	}

	q := s.db.From(inventory.Name()).
		Select(inventorySelectColumns()...).
		Where(goqu.Or(
			goqu.C("stock").Lte(0),
			goqu.C("stock").Lte(goqu.C("reorder_point")),
		)).
		Order(
			goqu.L("(stock <= 0)").Desc(),
			goqu.C("sync_priority").Desc(),
			goqu.C("stock").Asc(),
		)

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []*types.InventoryRecord
	for rows.Next() {
		rec, err := scanInventoryRecord(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ret, nil
}

// CountItems returns the number of rows in the live inventory table.
func (s *Store) CountItems(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "Store.CountItems")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf("select count(*) from %s", inventory.Name())).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func inventorySelectColumns() []interface{} {
	return []interface{}{
		"sku", "name", "stock", "cost", "vendor", "location",
		"reorder_point", "reorder_qty", "sales_30d", "sales_90d",
		"content_hash", "sync_priority", "sync_status", "last_synced_at",
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInventoryRecord(row rowScanner) (*types.InventoryRecord, error) {
	rec := &types.InventoryRecord{}
	var status string
	var lastSynced *time.Time
	err := row.Scan(
		&rec.SKU, &rec.Name, &rec.Stock, &rec.Cost, &rec.Vendor, &rec.Location,
		&rec.ReorderPoint, &rec.ReorderQty, &rec.Sales30d, &rec.Sales90d,
		&rec.ContentHash, &rec.SyncPriority, &status, &lastSynced,
	)
	if err != nil {
		return nil, err
	}
	rec.SyncStatus = types.SyncStatus(status)
	rec.LastSyncedAt = lastSynced
	return rec, nil
}
