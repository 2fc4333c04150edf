package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/doug-martin/goqu/v9"
	"go.opentelemetry.io/otel"

	// NOTE: required to register the dialect for goqu.
	//
	// If you remove this import, goqu.Dialect("sqlite3") will
	// return a copy of the default dialect, which is not what we want,
	// and allocates a ton of memory.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/glebarez/go-sqlite"
)

var tracer = otel.Tracer("stocksync/store")

type pragma struct {
	name  string
	value string
}

type tableDescriptor interface {
	Name() string
	Version() string
	Schema() (string, []interface{})
	Migrations(ctx context.Context, db *goqu.Database) error
}

var allTableDescriptors = []tableDescriptor{
	inventory,
	inventoryStaging,
	syncRuns,
}

// Store is the local sqlite store driving reorder decisions. It owns the
// inventory table and the sync-run log; everything else reads through it.
type Store struct {
	rawDb      *sql.DB
	db         *goqu.Database
	dbFilePath string
	pragmas    []pragma
}

type Option func(*Store)

func WithPragma(name string, value string) Option {
	return func(o *Store) {
		o.pragmas = append(o.pragmas, pragma{name, value})
	}
}

func New(ctx context.Context, dbFilePath string, opts ...Option) (*Store, error) {
	ctx, span := tracer.Start(ctx, "store.New")
	defer span.End()

	err := os.MkdirAll(filepath.Dir(dbFilePath), 0755)
	if err != nil {
		return nil, fmt.Errorf("store: could not create db directory: %w", err)
	}

	rawDB, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return nil, err
	}

	db := goqu.New("sqlite3", rawDB)

	s := &Store{
		rawDb:      rawDB,
		db:         db,
		dbFilePath: dbFilePath,
		pragmas: []pragma{
			{"journal_mode", "WAL"},
			{"foreign_keys", "ON"},
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	err = s.init(ctx)
	if err != nil {
		_ = rawDB.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	var err error

	if s.rawDb != nil {
		err = s.rawDb.Close()
		if err != nil {
			return err
		}
	}
	s.rawDb = nil
	s.db = nil
	return nil
}

func (s *Store) validateDb(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store: database is not open")
	}
	return nil
}

// init ensures that the database has all of the required schema.
func (s *Store) init(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Store.init")
	defer span.End()

	for _, p := range s.pragmas {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %s", p.name, p.value))
		if err != nil {
			return err
		}
	}

	for _, t := range allTableDescriptors {
		query, args := t.Schema()
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(query, args...))
		if err != nil {
			return err
		}
		err = t.Migrations(ctx, s.db)
		if err != nil {
			return err
		}
	}

	return nil
}

// Vacuum runs a VACUUM on the database to reclaim space.
func (s *Store) Vacuum(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Store.Vacuum")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	_, err = s.rawDb.ExecContext(ctx, "VACUUM")
	return err
}
