// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package storagetest provides a conformance test for implementations of the
// limiter.Storage interface.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/creachadair/renkei/limiter"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

// Run checks the behaviour of s, which must be empty. Window start times are
// compared at millisecond precision.
func Run(t *testing.T, s limiter.Storage) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 15, 14, 30, 0, 0, time.UTC)

	t.Run("Missing", func(t *testing.T) {
		rec, ok, err := s.Get(ctx, "nonesuch")
		if err != nil || ok {
			t.Errorf("Get nonesuch: got (%+v, %v, %v), want (zero, false, nil)", rec, ok, err)
		}
	})

	t.Run("SetGet", func(t *testing.T) {
		want := limiter.Record{AvailableRequests: 5, WindowStart: base}
		mustSet(t, s, "alice", want)
		checkGet(t, s, "alice", want)

		// Replacing a record overwrites both fields.
		want = limiter.Record{AvailableRequests: 0, WindowStart: base.Add(time.Minute)}
		mustSet(t, s, "alice", want)
		checkGet(t, s, "alice", want)
	})

	t.Run("Independent", func(t *testing.T) {
		a := limiter.Record{AvailableRequests: 1, WindowStart: base}
		b := limiter.Record{AvailableRequests: 2, WindowStart: base.Add(time.Second)}
		mustSet(t, s, "a:1", a)
		mustSet(t, s, "b:2", b)
		checkGet(t, s, "a:1", a)
		checkGet(t, s, "b:2", b)
	})

	t.Run("Concurrent", func(t *testing.T) {
		g := taskgroup.New(nil)
		for i := range 16 {
			id := fmt.Sprintf("user-%d", i)
			g.Go(func() error {
				return s.Set(ctx, id, limiter.Record{AvailableRequests: i, WindowStart: base})
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("Set: unexpected error: %v", err)
		}
		for i := range 16 {
			checkGet(t, s, fmt.Sprintf("user-%d", i), limiter.Record{AvailableRequests: i, WindowStart: base})
		}
	})
}

func mustSet(t *testing.T, s limiter.Storage, id string, rec limiter.Record) {
	t.Helper()
	if err := s.Set(context.Background(), id, rec); err != nil {
		t.Fatalf("Set %q: unexpected error: %v", id, err)
	}
}

func checkGet(t *testing.T, s limiter.Storage, id string, want limiter.Record) {
	t.Helper()
	got, ok, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %q: unexpected error: %v", id, err)
	} else if !ok {
		t.Fatalf("Get %q: record not found", id)
	}
	if diff := cmp.Diff(got, want, cmp.Comparer(sameMillisecond)); diff != "" {
		t.Errorf("Get %q (-got, +want):\n%s", id, diff)
	}
}

func sameMillisecond(a, b time.Time) bool {
	return a.Truncate(time.Millisecond).Equal(b.Truncate(time.Millisecond))
}
