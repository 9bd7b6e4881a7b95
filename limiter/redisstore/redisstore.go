// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package redisstore implements a limiter.Storage on Redis, so that several
// servers can share one set of quotas.
//
// Each record is stored as a Redis hash with fields "available" and
// "window_start" (Unix milliseconds), under the key prefix + id.
//
// A [Store] implements [limiter.Updater]: each limiter decision reads and
// writes its record inside a WATCH transaction, which is retried if another
// client changes the record in between.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/creachadair/renkei/limiter"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is the default key prefix for records.
const DefaultPrefix = "renkei:limiter:"

// Store is a [limiter.Storage] backed by Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ limiter.Updater = (*Store)(nil)

// MaxUpdateAttempts bounds the number of times [Store.Update] runs its
// transaction before giving up with [ErrContention].
const MaxUpdateAttempts = 32

// ErrContention is reported by [Store.Update] when its transaction was
// interrupted by other writers on every attempt.
var ErrContention = errors.New("redisstore: too much contention on record")

// An Option configures a [Store].
type Option func(*Store)

// WithPrefix sets the prefix of the keys under which records are stored.
func WithPrefix(prefix string) Option { return func(s *Store) { s.prefix = prefix } }

// WithTTL sets an expiry on each record when it is written. Records that
// expire are treated as absent, so ttl should be at least the window
// duration of the limiter. If ttl <= 0, records do not expire.
func WithTTL(ttl time.Duration) Option { return func(s *Store) { s.ttl = ttl } }

// New returns a Store that uses client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements a method of the [limiter.Storage] interface.
func (s *Store) Get(ctx context.Context, id string) (limiter.Record, bool, error) {
	return s.read(ctx, s.client, s.key(id))
}

// Set implements a method of the [limiter.Storage] interface.
func (s *Store) Set(ctx context.Context, id string, rec limiter.Record) error {
	key := s.key(id)
	if _, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		s.write(ctx, p, key, rec)
		return nil
	}); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Update implements a method of the [limiter.Updater] interface.
func (s *Store) Update(ctx context.Context, id string, f func(limiter.Record, bool) (limiter.Record, bool)) error {
	key := s.key(id)
	txf := func(tx *redis.Tx) error {
		rec, ok, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		rec, write := f(rec, ok)
		if !write {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			s.write(ctx, p, key, rec)
			return nil
		})
		return err
	}
	for range MaxUpdateAttempts {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		} else if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("redis update: %w", err)
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
	return ErrContention
}

// hashReader is the part of a client or transaction used to read records.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *Store) read(ctx context.Context, c hashReader, key string) (limiter.Record, bool, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return limiter.Record{}, false, fmt.Errorf("redis get: %w", err)
	} else if len(vals) == 0 {
		return limiter.Record{}, false, nil
	}
	avail, err := strconv.Atoi(vals["available"])
	if err != nil {
		return limiter.Record{}, false, fmt.Errorf("parse available: %w", err)
	}
	start, err := strconv.ParseInt(vals["window_start"], 10, 64)
	if err != nil {
		return limiter.Record{}, false, fmt.Errorf("parse window start: %w", err)
	}
	return limiter.Record{AvailableRequests: avail, WindowStart: time.UnixMilli(start)}, true, nil
}

func (s *Store) write(ctx context.Context, p redis.Pipeliner, key string, rec limiter.Record) {
	p.HSet(ctx, key, "available", rec.AvailableRequests, "window_start", rec.WindowStart.UnixMilli())
	if s.ttl > 0 {
		p.PExpire(ctx, key, s.ttl)
	}
}

// Delete removes the record for id, if any.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

func (s *Store) key(id string) string { return s.prefix + id }
