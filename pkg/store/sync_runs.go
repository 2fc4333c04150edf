package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/replenishly/stocksync/pkg/types"
)

// ErrSyncAlreadyRunning is returned when a claim is attempted while another
// run holds the running slot. Callers must fail fast, not queue.
var ErrSyncAlreadyRunning = errors.New("a sync run is already in progress")

// maxRunErrors bounds the error list persisted on a run; only the first
// handful is useful to an operator.
const maxRunErrors = 10

const syncRunsTableVersion = "1"
const syncRunsTableName = "sync_runs"

// The partial unique index on status is the single-flight claim: at most one
// row may hold status='running', enforced by the database rather than an
// in-memory flag.
const syncRunsTableSchema = `
create table if not exists %s (
    id integer primary key,
    run_id text not null,
    sync_type text not null default 'full',
    status text not null default 'running' check (status in ('running', 'success', 'partial', 'error')),
    items_processed integer not null default 0,
    items_updated integer not null default 0,
    errors text not null default '[]',
    metadata text not null default '{}',
    started_at datetime not null,
    finalized_at datetime,
    duration_ms integer not null default 0
);
create unique index if not exists %s on %s (run_id);
create unique index if not exists %s on %s (status) where status = 'running';`

var syncRuns = (*syncRunsTable)(nil)

type syncRunsTable struct{}

func (r *syncRunsTable) Name() string {
	return fmt.Sprintf("v%s_%s", r.Version(), syncRunsTableName)
}

func (r *syncRunsTable) Version() string {
	return syncRunsTableVersion
}

func (r *syncRunsTable) Schema() (string, []interface{}) {
	return syncRunsTableSchema, []interface{}{
		r.Name(),
		fmt.Sprintf("idx_sync_runs_run_id_v%s", r.Version()),
		r.Name(),
		fmt.Sprintf("idx_sync_runs_running_v%s", r.Version()),
		r.Name(),
	}
}

func (r *syncRunsTable) Migrations(ctx context.Context, db *goqu.Database) error {
	return nil
}

// RunResult is everything the recorder persists when finalizing a run.
type RunResult struct {
	Status         types.RunStatus
	ItemsProcessed int
	ItemsUpdated   int
	Errors         []string
	Metadata       map[string]string
}

// ClaimRun atomically claims the single running slot and creates the run row
// before any fetch begins. A concurrent claim fails with
// ErrSyncAlreadyRunning via the partial unique index.
func (s *Store) ClaimRun(ctx context.Context, syncType types.SyncType) (string, error) {
	ctx, span := tracer.Start(ctx, "Store.ClaimRun")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return "", err
	}

	runID := ksuid.New().String()

	q := s.db.Insert(syncRuns.Name()).
		Prepared(true).
		Rows(goqu.Record{
			"run_id":     runID,
			"sync_type":  string(syncType),
			"status":     string(types.RunStatusRunning),
			"started_at": time.Now().UTC().Format(sqliteTimeFormat),
		})

	query, args, err := q.ToSQL()
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", ErrSyncAlreadyRunning
		}
		return "", err
	}

	ctxzap.Extract(ctx).Debug("claimed sync run",
		zap.String("run_id", runID),
		zap.String("sync_type", string(syncType)),
	)
	return runID, nil
}

// FinalizeRun moves a running row to a terminal status. Finalized rows are
// immutable: a second finalize of the same run is an error.
func (s *Store) FinalizeRun(ctx context.Context, runID string, result RunResult) error {
	ctx, span := tracer.Start(ctx, "Store.FinalizeRun")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	if result.Status == types.RunStatusRunning {
		return fmt.Errorf("store: cannot finalize run %s to a non-terminal status", runID)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("store: finalize: run %s not found", runID)
	}

	errs := result.Errors
	if len(errs) > maxRunErrors {
		errs = errs[:maxRunErrors]
	}
	if errs == nil {
		errs = []string{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return err
	}

	meta := result.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var duration time.Duration
	if run.StartedAt != nil {
		duration = now.Sub(*run.StartedAt)
	}

	q := s.db.Update(syncRuns.Name()).
		Prepared(true).
		Set(goqu.Record{
			"status":          string(result.Status),
			"items_processed": result.ItemsProcessed,
			"items_updated":   result.ItemsUpdated,
			"errors":          string(errsJSON),
			"metadata":        string(metaJSON),
			"finalized_at":    now.Format(sqliteTimeFormat),
			"duration_ms":     duration.Milliseconds(),
		}).
		Where(goqu.C("run_id").Eq(runID)).
		Where(goqu.C("status").Eq(string(types.RunStatusRunning)))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("store: run %s is already finalized", runID)
	}

	return nil
}

func syncRunSelectColumns() []interface{} {
	return []interface{}{
		"run_id", "sync_type", "status", "items_processed", "items_updated",
		"errors", "metadata", "started_at", "finalized_at", "duration_ms",
	}
}

func scanSyncRun(row rowScanner) (*types.SyncRun, error) {
	run := &types.SyncRun{}
	var syncType, status, errsJSON, metaJSON string
	var durationMs int64
	err := row.Scan(
		&run.ID, &syncType, &status, &run.ItemsProcessed, &run.ItemsUpdated,
		&errsJSON, &metaJSON, &run.StartedAt, &run.FinalizedAt, &durationMs,
	)
	if err != nil {
		return nil, err
	}

	run.Type = types.SyncType(syncType)
	run.Status = types.RunStatus(status)
	run.Duration = time.Duration(durationMs) * time.Millisecond
	if err := json.Unmarshal([]byte(errsJSON), &run.Errors); err != nil {
		return nil, fmt.Errorf("store: decoding run errors: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &run.Metadata); err != nil {
		return nil, fmt.Errorf("store: decoding run metadata: %w", err)
	}
	return run, nil
}

// GetRun fetches one run by its id. Returns nil when not found.
func (s *Store) GetRun(ctx context.Context, runID string) (*types.SyncRun, error) {
	ctx, span := tracer.Start(ctx, "Store.GetRun")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, err
	}

	q := s.db.From(syncRuns.Name()).
		Prepared(true).
		Select(syncRunSelectColumns()...).
		Where(goqu.C("run_id").Eq(runID))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	run, err := scanSyncRun(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// LastSuccessfulRun returns the most recently finalized successful run, or
// nil if the store has never synced cleanly. The strategy selector keys off
// this.
func (s *Store) LastSuccessfulRun(ctx context.Context) (*types.SyncRun, error) {
	ctx, span := tracer.Start(ctx, "Store.LastSuccessfulRun")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, err
	}

	q := s.db.From(syncRuns.Name()).
		Select(syncRunSelectColumns()...).
		Where(goqu.C("status").Eq(string(types.RunStatusSuccess))).
		Order(goqu.C("finalized_at").Desc()).
		Limit(1)

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	run, err := scanSyncRun(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

const maxPageSize = 100

// ListRuns pages through run history, newest rows last, using keyset
// pagination on the rowid.
func (s *Store) ListRuns(ctx context.Context, pageToken string, pageSize uint32) ([]*types.SyncRun, string, error) {
	ctx, span := tracer.Start(ctx, "Store.ListRuns")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, "", err
	}

	q := s.db.From(syncRuns.Name()).Prepared(true)
	q = q.Select(append([]interface{}{"id"}, syncRunSelectColumns()...)...)

	if pageToken != "" {
		q = q.Where(goqu.C("id").Gte(pageToken))
	}

	if pageSize > maxPageSize || pageSize <= 0 {
		pageSize = maxPageSize
	}

	q = q.Order(goqu.C("id").Asc())
	q = q.Limit(uint(pageSize + 1))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, "", err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var ret []*types.SyncRun
	var count uint32 = 0
	lastRow := 0
	for rows.Next() {
		count++
		if count > pageSize {
			break
		}
		rowID := 0
		run := &types.SyncRun{}
		var syncType, status, errsJSON, metaJSON string
		var durationMs int64
		err := rows.Scan(
			&rowID, &run.ID, &syncType, &status, &run.ItemsProcessed, &run.ItemsUpdated,
			&errsJSON, &metaJSON, &run.StartedAt, &run.FinalizedAt, &durationMs,
		)
		if err != nil {
			return nil, "", err
		}
		run.Type = types.SyncType(syncType)
		run.Status = types.RunStatus(status)
		run.Duration = time.Duration(durationMs) * time.Millisecond
		if err := json.Unmarshal([]byte(errsJSON), &run.Errors); err != nil {
			return nil, "", err
		}
		if err := json.Unmarshal([]byte(metaJSON), &run.Metadata); err != nil {
			return nil, "", err
		}
		lastRow = rowID
		ret = append(ret, run)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	nextPageToken := ""
	if count > pageSize {
		nextPageToken = strconv.Itoa(lastRow + 1)
	}

	return ret, nextPageToken, nil
}

// StuckRuns flags running rows older than the timeout for operator
// attention. The sweep is read-only: it never moves a row to a terminal
// state on its own.
func (s *Store) StuckRuns(ctx context.Context, olderThan time.Duration) ([]*types.SyncRun, error) {
	ctx, span := tracer.Start(ctx, "Store.StuckRuns")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	q := s.db.From(syncRuns.Name()).
		Prepared(true).
		Select(syncRunSelectColumns()...).
		Where(goqu.C("status").Eq(string(types.RunStatusRunning))).
		Where(goqu.C("started_at").Lt(cutoff.Format(sqliteTimeFormat))).
		Order(goqu.C("started_at").Asc())

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []*types.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ret) > 0 {
		ctxzap.Extract(ctx).Warn("stuck sync runs detected",
			zap.Int("count", len(ret)),
			zap.Duration("older_than", olderThan),
		)
	}

	return ret, nil
}
