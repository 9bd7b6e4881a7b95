// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package limiter implements a fixed-window request limiter keyed by client
// identity, with pluggable storage for the per-identity state.
//
// Each identity is granted a quota of requests per window. The window for an
// identity opens at its first request, and each permitted request consumes
// one unit of the quota. Once the quota is exhausted, further requests are
// refused until the window expires:
//
//	lim, err := limiter.New(limiter.Config{
//	   RequestsPerWindow: 10,
//	   WindowDuration:    time.Minute,
//	   Storage:           limiter.NewMemoryStorage(),
//	})
//	...
//	switch r := lim.Limit(ctx, clientAddr).(type) {
//	case limiter.Available:
//	   // proceed; r.AvailableRequests remain in this window
//	case limiter.Limited:
//	   // refuse; retry at r.UnlockedAt
//	case limiter.Fault:
//	   // storage failure: r.Err
//	}
//
// Calls for the same identity are serialized, so concurrent requests cannot
// both consume the last unit of a quota. Calls for different identities
// proceed independently. The sqlstore and redisstore subpackages provide
// durable and shared storage implementations; a storage shared between
// processes implements [Updater] to keep its updates atomic.
package limiter

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"
	"time"
)

// A Record is the stored state of one identity.
type Record struct {
	AvailableRequests int       // requests remaining in the current window
	WindowStart       time.Time // when the current window opened
}

// Storage is the interface to the per-identity state of a [Limiter].
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the record for id. If no record exists, Get reports false
	// with a nil error.
	Get(ctx context.Context, id string) (Record, bool, error)

	// Set stores rec as the record for id, replacing any previous value.
	Set(ctx context.Context, id string, rec Record) error
}

// An Updater is a [Storage] that can apply a change to a record atomically
// with respect to other writers, including writers in other processes that
// share the same store. A [Limiter] whose storage implements Updater uses
// Update in place of separate calls to Get and Set.
type Updater interface {
	Storage

	// Update calls f with the current record for id, and whether it exists.
	// If f reports true, the record it returns is stored. If another writer
	// changes the record between the read and the write, Update discards the
	// write and calls f again with the new record, so f may be called more
	// than once.
	Update(ctx context.Context, id string, f func(rec Record, ok bool) (Record, bool)) error
}

// Config carries the settings for a [Limiter].
type Config struct {
	// RequestsPerWindow is the number of requests permitted per identity in
	// each window. It must be positive.
	RequestsPerWindow int

	// WindowDuration is the length of a window. It must be positive.
	WindowDuration time.Duration

	// Storage holds the per-identity records. It must not be nil.
	Storage Storage

	// Now, if set, is used as the clock. If nil, time.Now is used.
	Now func() time.Time
}

// A Result is the outcome of [Limiter.Limit]. Its concrete type is one of
// [Available], [Limited], or [Fault].
type Result interface{ isResult() }

// Available reports that a request is permitted.
type Available struct {
	AvailableRequests int // requests remaining in the window after this one
}

// Limited reports that a request is refused because the quota for the
// current window is exhausted.
type Limited struct {
	UnlockedAt time.Time // when the window expires
}

// Fault reports that the limiter could not reach a decision, because the
// storage failed or the context ended.
type Fault struct {
	Err error
}

func (Available) isResult() {}
func (Limited) isResult()   {}
func (Fault) isResult()     {}

// RetryAfter returns the duration from now until l.UnlockedAt, or 0 if that
// time has passed.
func (l Limited) RetryAfter(now time.Time) time.Duration { return max(l.UnlockedAt.Sub(now), 0) }

func (f Fault) Error() string { return "limiter fault: " + f.Err.Error() }
func (f Fault) Unwrap() error { return f.Err }

// A Limiter decides whether requests are permitted under a fixed-window
// quota. A Limiter is safe for concurrent use by multiple goroutines.
type Limiter struct {
	quota  int
	window time.Duration
	store  Storage
	now    func() time.Time

	locks keyedLock
	m     *limiterMetrics
}

// New constructs a Limiter from cfg. It reports an error if the quota or the
// window is not positive, or if no storage is given.
func New(cfg Config) (*Limiter, error) {
	if cfg.RequestsPerWindow <= 0 {
		return nil, fmt.Errorf("requests per window must be positive (got %d)", cfg.RequestsPerWindow)
	}
	if cfg.WindowDuration <= 0 {
		return nil, fmt.Errorf("window duration must be positive (got %v)", cfg.WindowDuration)
	}
	if cfg.Storage == nil {
		return nil, errors.New("no storage provided")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		quota:  cfg.RequestsPerWindow,
		window: cfg.WindowDuration,
		store:  cfg.Storage,
		now:    now,
		m:      newLimiterMetrics(),
	}, nil
}

// Limit records a request by id and reports whether it is permitted.
//
// If id has no record, or its window has expired, a new window opens at the
// current time and the request consumes its first unit. Otherwise, if units
// remain, the request consumes one. If none remain, the request is refused
// and the result reports when the window expires. Storage failures are
// reported as a [Fault], as is the end of ctx while waiting for another call
// with the same id.
//
// The count in an [Available] result is the number of requests remaining
// after this one. In particular, the first request of a window reports one
// less than the full quota, not the full quota, so that exactly
// RequestsPerWindow requests are permitted in each window.
//
// Calls on one Limiter with the same id are serialized. If the storage is
// shared by several processes, it must implement [Updater] for calls in
// different processes to be serialized as well.
func (l *Limiter) Limit(ctx context.Context, id string) Result {
	res := l.limit(ctx, id)
	switch res.(type) {
	case Available:
		l.m.allowed.Add(1)
	case Limited:
		l.m.limited.Add(1)
	case Fault:
		l.m.faults.Add(1)
	}
	return res
}

func (l *Limiter) limit(ctx context.Context, id string) Result {
	unlock, err := l.locks.lock(ctx, id)
	if err != nil {
		return Fault{Err: err}
	}
	defer unlock()

	now := l.now()
	if u, ok := l.store.(Updater); ok {
		var res Result
		if err := u.Update(ctx, id, func(rec Record, ok bool) (Record, bool) {
			var write bool
			rec, write, res = l.decide(rec, ok, now)
			return rec, write
		}); err != nil {
			return Fault{Err: fmt.Errorf("update %q: %w", id, err)}
		}
		return res
	}

	rec, ok, err := l.store.Get(ctx, id)
	if err != nil {
		return Fault{Err: fmt.Errorf("get %q: %w", id, err)}
	}
	rec, write, res := l.decide(rec, ok, now)
	if write {
		if err := l.store.Set(ctx, id, rec); err != nil {
			return Fault{Err: fmt.Errorf("set %q: %w", id, err)}
		}
	}
	return res
}

// decide computes the outcome of a request at time now against the stored
// record rec (if ok). It returns the new record and whether it must be
// written back.
func (l *Limiter) decide(rec Record, ok bool, now time.Time) (Record, bool, Result) {
	switch {
	case !ok || !now.Before(rec.WindowStart.Add(l.window)):
		rec = Record{AvailableRequests: l.quota - 1, WindowStart: now}
	case rec.AvailableRequests > 0:
		rec.AvailableRequests--
	default:
		write := rec.AvailableRequests != 0
		rec.AvailableRequests = 0
		return rec, write, Limited{UnlockedAt: rec.WindowStart.Add(l.window)}
	}
	return rec, true, Available{AvailableRequests: rec.AvailableRequests}
}

// Metrics returns a map of metrics for l:
//
//   - limiter_allowed: counter of requests permitted
//   - limiter_limited: counter of requests refused
//   - limiter_faults: counter of calls that reached no decision
func (l *Limiter) Metrics() *expvar.Map { return l.m.emap }

type limiterMetrics struct {
	allowed expvar.Int
	limited expvar.Int
	faults  expvar.Int

	emap *expvar.Map
}

func newLimiterMetrics() *limiterMetrics {
	lm := &limiterMetrics{emap: new(expvar.Map)}
	lm.emap.Set("limiter_allowed", &lm.allowed)
	lm.emap.Set("limiter_limited", &lm.limited)
	lm.emap.Set("limiter_faults", &lm.faults)
	return lm
}

// keyedLock is a collection of mutexes indexed by string keys. An entry
// exists only while some caller holds or waits for its key.
type keyedLock struct {
	μ    sync.Mutex
	keys map[string]*keyEntry
}

type keyEntry struct {
	sem  chan struct{} // holds a token while locked
	refs int           // holders and waiters
}

// lock acquires the lock for key, or reports an error if ctx ends first.
// On success, the caller must call the returned function to release the lock.
func (k *keyedLock) lock(ctx context.Context, key string) (func(), error) {
	k.μ.Lock()
	if k.keys == nil {
		k.keys = make(map[string]*keyEntry)
	}
	e := k.keys[key]
	if e == nil {
		e = &keyEntry{sem: make(chan struct{}, 1)}
		k.keys[key] = e
	}
	e.refs++
	k.μ.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem; k.release(key, e) }, nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}
}

func (k *keyedLock) release(key string, e *keyEntry) {
	k.μ.Lock()
	defer k.μ.Unlock()
	if e.refs--; e.refs == 0 {
		delete(k.keys, key)
	}
}
