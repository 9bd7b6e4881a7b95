// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package sqlstore implements a durable limiter.Storage on SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/renkei/limiter"

	_ "modernc.org/sqlite" // register the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS limiter_records (
	id           TEXT PRIMARY KEY,
	available    INTEGER NOT NULL,
	window_start INTEGER NOT NULL -- Unix milliseconds
)`

// Store is a [limiter.Storage] backed by a SQL database.
type Store struct {
	db *sql.DB
}

var _ limiter.Storage = (*Store)(nil)

// Open opens or creates a SQLite database at dsn and returns a Store using it.
// Use ":memory:" for a private in-memory database. The caller must Close the
// store when it is no longer in use.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Each connection to ":memory:" has its own database.
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New returns a Store using db, creating its table if necessary. The database
// must accept SQLite syntax. Closing the store closes db.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &Store{db: db}, nil
}

// Get implements a method of the [limiter.Storage] interface.
func (s *Store) Get(ctx context.Context, id string) (limiter.Record, bool, error) {
	var avail, start int64
	err := s.db.QueryRowContext(ctx,
		`SELECT available, window_start FROM limiter_records WHERE id = ?`, id,
	).Scan(&avail, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return limiter.Record{}, false, nil
	} else if err != nil {
		return limiter.Record{}, false, err
	}
	return limiter.Record{
		AvailableRequests: int(avail),
		WindowStart:       time.UnixMilli(start),
	}, true, nil
}

// Set implements a method of the [limiter.Storage] interface.
func (s *Store) Set(ctx context.Context, id string, rec limiter.Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO limiter_records (id, available, window_start) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET available = excluded.available, window_start = excluded.window_start`,
		id, rec.AvailableRequests, rec.WindowStart.UnixMilli(),
	)
	return err
}

// Delete removes the record for id, if any.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM limiter_records WHERE id = ?`, id)
	return err
}

// Prune removes records whose windows opened at or before cutoff, and reports
// the number removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM limiter_records WHERE window_start <= ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
