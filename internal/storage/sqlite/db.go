// Package sqlite implements the storage interfaces using SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	gateway "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

var _ storage.Store = (*Store)(nil)

//go:embed migrations/*.sql
var migrations embed.FS

var memoryDBSeq atomic.Int64

// Store implements storage.Store using SQLite.
//
// The single-writer connection doubles as the serialization point RecordUsage
// relies on: two increments for the same key queue on it rather than racing.
type Store struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool

	mu     sync.RWMutex
	models map[modelKey]gateway.ModelDescriptor
}

type modelKey struct {
	provider gateway.Provider
	name     string
}

// New opens a SQLite database, runs migrations, loads the model set, and
// returns a Store. maxReadConns <= 0 sizes the read pool from the CPU count.
func New(dsn string, maxReadConns int) (*Store, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	// For :memory: databases, use a uniquely named shared-cache DB so the
	// read and write pools see the same data while separate Stores in one
	// process stay isolated.
	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = fmt.Sprintf("file:mem%d?mode=memory&cache=shared&", memoryDBSeq.Add(1)) + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	if maxReadConns <= 0 {
		maxReadConns = max(4, runtime.NumCPU())
	}
	read.SetMaxOpenConns(maxReadConns)

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	s := &Store{write: write, read: read, models: map[modelKey]gateway.ModelDescriptor{}}
	if err := s.loadModels(context.Background()); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("load models: %w", err)
	}
	return s, nil
}

// runMigrations applies embedded SQL migrations using goose.
// fs.Sub strips the "migrations/" prefix so goose sees files at the FS root.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping verifies database connectivity by pinging the read pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database connections.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
