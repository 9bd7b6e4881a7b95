// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/creachadair/renkei/limiter"
	"github.com/creachadair/renkei/limiter/sqlstore"
	"github.com/creachadair/renkei/limiter/storagetest"
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storagetest.Run(t, newTestStore(t))
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	s.Set(ctx, "old", limiter.Record{AvailableRequests: 1, WindowStart: base})
	s.Set(ctx, "new", limiter.Record{AvailableRequests: 1, WindowStart: base.Add(time.Hour)})
	n, err := s.Prune(ctx, base)
	if err != nil {
		t.Fatalf("Prune: unexpected error: %v", err)
	} else if n != 1 {
		t.Errorf("Prune: got %d, want 1", n)
	}
	if _, ok, _ := s.Get(ctx, "old"); ok {
		t.Error("Record old was not pruned")
	}
	if err := s.Delete(ctx, "new"); err != nil {
		t.Fatalf("Delete: unexpected error: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "new"); ok {
		t.Error("Record new was not deleted")
	}
}

func TestLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	l, err := limiter.New(limiter.Config{
		RequestsPerWindow: 2,
		WindowDuration:    time.Minute,
		Storage:           newTestStore(t),
		Now:               func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, want := range []limiter.Result{
		limiter.Available{AvailableRequests: 1},
		limiter.Available{AvailableRequests: 0},
	} {
		if got := l.Limit(ctx, "db-user"); got != want {
			t.Errorf("Limit: got %#v, want %#v", got, want)
		}
	}
	res, ok := l.Limit(ctx, "db-user").(limiter.Limited)
	if !ok {
		t.Fatalf("Limit: got %#v, want Limited", res)
	}
	if want := now.Add(time.Minute); !res.UnlockedAt.Equal(want) {
		t.Errorf("UnlockedAt: got %v, want %v", res.UnlockedAt, want)
	}
}
