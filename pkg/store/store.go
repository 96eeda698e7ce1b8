// Copyright 2024-2026 Aiku AI

// Package store persists linked accounts and their conversation bindings.
//
// Every read and write goes through [Store.Txn], which holds a single
// process-wide lock for the duration of one SQL transaction. Callers must not
// perform network I/O inside the callback.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned by Txn after Close.
var ErrClosed = errors.New("store is closed")

// Store is the sqlite-backed account store.
type Store struct {
	db     *dbutil.Database
	sealer *Sealer
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Tx is the handle passed to Txn callbacks. Its methods must only be called
// with the context the callback received.
type Tx struct {
	s *Store
}

// Open opens (creating if needed) the sqlite database at path and applies
// pending schema upgrades.
func Open(ctx context.Context, path string, sealer *Sealer, log zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path)
	raw, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The store lock serializes all access, one connection is enough and
	// keeps sqlite from returning SQLITE_BUSY on concurrent writers.
	raw.SetMaxOpenConns(1)
	s, err := New(ctx, raw, sealer, log)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database handle.
func New(ctx context.Context, raw *sql.DB, sealer *Sealer, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to wrap database: %w", err)
	}
	s := &Store{
		db:     db,
		sealer: sealer,
		log:    log.With().Str("component", "store").Logger(),
	}
	if err := s.upgrade(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the database. Pending Txn calls finish first.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Txn runs fn inside one transaction while holding the store lock. The
// transaction commits if fn returns nil and rolls back otherwise.
func (s *Store) Txn(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		return fn(ctx, &Tx{s: s})
	})
}

// View is Txn for callbacks that only read.
func View[T any](ctx context.Context, s *Store, fn func(ctx context.Context, tx *Tx) (T, error)) (T, error) {
	var out T
	err := s.Txn(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		out, err = fn(ctx, tx)
		return err
	})
	return out, err
}

func (tx *Tx) exec(ctx context.Context, query string, args ...any) error {
	_, err := tx.s.db.Exec(ctx, query, args...)
	return err
}
