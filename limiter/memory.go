// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package limiter

import (
	"context"
	"sync"
	"time"
)

// MemoryStorage is an in-process [Storage]. Its records do not survive the
// process and are not shared between processes.
type MemoryStorage struct {
	μ    sync.Mutex
	recs map[string]Record
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage constructs a new empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{recs: make(map[string]Record)}
}

// Get implements a method of the [Storage] interface.
func (m *MemoryStorage) Get(_ context.Context, id string) (Record, bool, error) {
	m.μ.Lock()
	defer m.μ.Unlock()
	rec, ok := m.recs[id]
	return rec, ok, nil
}

// Set implements a method of the [Storage] interface.
func (m *MemoryStorage) Set(_ context.Context, id string, rec Record) error {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.recs[id] = rec
	return nil
}

// Len reports the number of records stored.
func (m *MemoryStorage) Len() int {
	m.μ.Lock()
	defer m.μ.Unlock()
	return len(m.recs)
}

// Prune discards records whose windows opened at or before cutoff, and
// reports the number discarded. Records are otherwise retained indefinitely.
func (m *MemoryStorage) Prune(cutoff time.Time) int {
	m.μ.Lock()
	defer m.μ.Unlock()
	var n int
	for id, rec := range m.recs {
		if !rec.WindowStart.After(cutoff) {
			delete(m.recs, id)
			n++
		}
	}
	return n
}
