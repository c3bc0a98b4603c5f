// Package store implements the single-writer embedded State Store (§4.1):
// durable, crash-safe persistence for lockers, events, the command queue,
// kiosk heartbeats, and VIP contracts, exposed through typed repository
// methods. All multi-row invariants from §3 are enforced inside
// transactions here.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lockerfleet/locker-control/internal/persistence/sqlite"
)

// Store wraps a single *sql.DB configured for WAL-mode, single-writer
// SQLite access and exposes the locker-domain repository methods.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path, applies
// pending migrations, and returns a ready Store. Pragmas (WAL,
// busy_timeout, foreign_keys) are applied via internal/persistence/sqlite,
// kept from the teacher unmodified since the concern is domain-agnostic.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	// Single-writer semantics: SQLite under WAL allows one writer at a
	// time; capping write concurrency at the connection-pool level
	// would serialize through database/sql's pool, but we rely on
	// SQLite's own locking plus short transactions instead of
	// artificially pinning MaxOpenConns to 1, matching the teacher's
	// config default (readers proceed concurrently via WAL snapshots).
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for integrity-check / backup tooling
// that operates outside the repository methods (e.g. VerifyIntegrity).
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, which it re-raises after
// rollback).
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
