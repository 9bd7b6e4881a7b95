// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the renkei.HTTPFunc and
// renkei.EventFunc types for functions with other signatures.
//
// Routes whose input is validated by [renkei.Null] have input type
// [renkei.None], which also serves as the output type of routes that return
// nothing.
package handler

import (
	"context"
	"iter"

	"github.com/creachadair/renkei"
)

// ParamResult adapts a function f that accepts an input of type P and returns
// a result of type R without error.
func ParamResult[P, R any](f func(context.Context, P) R) renkei.HTTPFunc[P, R] {
	return func(ctx context.Context, p P) (R, error) { return f(ctx, p), nil }
}

// ParamError adapts a function f that accepts an input of type P and returns
// an error with no result.
func ParamError[P any](f func(context.Context, P) error) renkei.HTTPFunc[P, renkei.None] {
	return func(ctx context.Context, p P) (renkei.None, error) { return renkei.None{}, f(ctx, p) }
}

// ResultError adapts a function f that accepts no input and returns a result
// of type R and an error.
func ResultError[R any](f func(context.Context) (R, error)) renkei.HTTPFunc[renkei.None, R] {
	return func(ctx context.Context, _ renkei.None) (R, error) { return f(ctx) }
}

// Result adapts a function f that accepts no input and returns a result of
// type R without error.
func Result[R any](f func(context.Context) R) renkei.HTTPFunc[renkei.None, R] {
	return func(ctx context.Context, _ renkei.None) (R, error) { return f(ctx), nil }
}

// Seq adapts a function returning an iterator to an event implementation.
// Each value yielded by the iterator is sent as an event. The iterator is
// expected to yield a non-nil error only as its final element, following zero
// or more error-free pairs.
//
// The event stream remains open after the iterator ends without error. The
// stream is abandoned if the iterator yields an error, ctx ends, or a send
// fails.
func Seq[T any](f func(context.Context) iter.Seq2[T, error]) renkei.EventFunc[T] {
	return func(ctx context.Context, send func(T) error) error {
		for v, err := range f(ctx) {
			if err != nil {
				return err
			}
			// The iterator may not respect cancellation.
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := send(v); err != nil {
				return err
			}
		}
		return ctx.Err()
	}
}

// Chan adapts a function returning a channel to an event implementation. Each
// value received from the channel is sent as an event until the channel is
// closed or ctx ends.
func Chan[T any](f func(context.Context) <-chan T) renkei.EventFunc[T] {
	return func(ctx context.Context, send func(T) error) error {
		ch := f(ctx)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case v, ok := <-ch:
				if !ok {
					return nil
				}
				if err := send(v); err != nil {
					return err
				}
			}
		}
	}
}

// RemoteAddr returns the network address of the client that issued the
// request associated with ctx, or "" if ctx has no request.
func RemoteAddr(ctx context.Context) string {
	if req := renkei.ContextRequest(ctx); req != nil {
		return req.RemoteAddr
	}
	return ""
}
