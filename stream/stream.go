// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package stream provides a broadcast hub for feeding event routes.
//
// A [Hub] delivers each published value to every subscriber registered at the
// time of publication. Each subscriber has its own queue, so a slow consumer
// does not block publishers or other subscribers:
//
//	hub := stream.NewHub[User](0)
//	impl := renkei.ImplementEvent(UserCreated, func(ctx context.Context, send func(User) error) error {
//	   return hub.Pump(ctx, send)
//	})
//	...
//	hub.Publish(u)
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/renkei"
)

// ErrClosed is reported by [Subscriber.Next] after the subscriber or its hub
// has been closed and all buffered values have been consumed.
var ErrClosed = errors.New("subscription closed")

// A Hub broadcasts values to a dynamic set of subscribers.
// A Hub is safe for concurrent use by multiple goroutines.
type Hub[T any] struct {
	limit int

	μ      sync.Mutex
	subs   map[*Subscriber[T]]struct{}
	closed bool
}

// NewHub constructs a new empty hub. If limit > 0, each subscriber buffers at
// most limit values, and when its buffer is full the oldest value is
// discarded to make room for a new one. Otherwise buffering is unbounded.
func NewHub[T any](limit int) *Hub[T] {
	return &Hub[T]{limit: max(limit, 0), subs: make(map[*Subscriber[T]]struct{})}
}

// Publish delivers v to all current subscribers. It does not block.
// Publishing to a closed hub has no effect.
func (h *Hub[T]) Publish(v T) {
	h.μ.Lock()
	defer h.μ.Unlock()
	for s := range h.subs {
		s.push(v)
	}
}

// Len reports the number of active subscribers.
func (h *Hub[T]) Len() int {
	h.μ.Lock()
	defer h.μ.Unlock()
	return len(h.subs)
}

// Subscribe registers a new subscriber. The subscriber receives values
// published after Subscribe returns. If h is closed, the subscriber is
// already closed.
func (h *Hub[T]) Subscribe() *Subscriber[T] {
	s := &Subscriber[T]{
		hub:   h,
		limit: h.limit,
		q:     queue.New[T](),
		ready: make(chan struct{}, 1),
	}
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.closed {
		s.closed = true
	} else {
		h.subs[s] = struct{}{}
	}
	return s
}

// Close closes h and all its subscribers. Subscribers may still consume
// values buffered before the close.
func (h *Hub[T]) Close() {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.closed = true
	for s := range h.subs {
		s.markClosed()
		delete(h.subs, s)
	}
}

// Pump subscribes to h and forwards each value to send until ctx ends, the
// hub closes, or the stream behind send closes. Pump returns nil when the hub
// closes; otherwise it returns the error that stopped it.
//
// A value that send rejects for any other reason, such as a value that fails
// output validation, is dropped and the stream continues with the next one.
//
// Pump is suitable as the body of an event implementation.
func (h *Hub[T]) Pump(ctx context.Context, send func(T) error) error {
	s := h.Subscribe()
	defer s.Close()
	for {
		v, err := s.Next(ctx)
		if errors.Is(err, ErrClosed) {
			return nil
		} else if err != nil {
			return err
		}
		if err := send(v); errors.Is(err, renkei.ErrStreamClosed) {
			return err
		}
	}
}

func (h *Hub[T]) remove(s *Subscriber[T]) {
	h.μ.Lock()
	defer h.μ.Unlock()
	delete(h.subs, s)
}

// A Subscriber receives values from a [Hub].
type Subscriber[T any] struct {
	hub   *Hub[T]
	limit int
	ready chan struct{} // signaled when a value arrives or on close

	μ       sync.Mutex
	q       *queue.Queue[T]
	dropped int
	closed  bool
}

// Next blocks until a value is available, s is closed, or ctx ends.
// It returns [ErrClosed] once s is closed and its buffer is empty.
func (s *Subscriber[T]) Next(ctx context.Context) (T, error) {
	for {
		s.μ.Lock()
		v, ok := s.q.Pop()
		closed := s.closed
		s.μ.Unlock()
		if ok {
			return v, nil
		} else if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-s.ready:
		}
	}
}

// Dropped reports the number of values discarded because the buffer of s was
// full.
func (s *Subscriber[T]) Dropped() int {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.dropped
}

// Close unregisters s from its hub. Values already buffered remain available
// to Next. Close is idempotent.
func (s *Subscriber[T]) Close() {
	s.hub.remove(s)
	s.markClosed()
}

func (s *Subscriber[T]) push(v T) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.closed {
		return
	}
	if s.limit > 0 && s.q.Len() >= s.limit {
		s.q.Pop()
		s.dropped++
	}
	s.q.Add(v)
	s.signal()
}

func (s *Subscriber[T]) markClosed() {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.closed = true
	s.signal()
}

// signal wakes a pending Next, if any. The caller must hold s.μ.
func (s *Subscriber[T]) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
