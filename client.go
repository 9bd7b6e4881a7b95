// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package renkei

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"strings"
	"sync"
)

// An Adapter performs the I/O for a [Client]. The transport package provides
// an implementation over net/http.
type Adapter interface {
	// Request sends a request and returns the complete response. If ctx ends
	// before the response is available, Request must report an error for
	// which errors.Is(err, context.Canceled) is true (or ctx.Err() itself).
	Request(ctx context.Context, req *Request) (*Response, error)

	// Subscribe opens an event stream at the given URL. The subscription ends
	// when it is closed or ctx ends.
	Subscribe(ctx context.Context, url string) (Subscription, error)
}

// A Request is a transport-agnostic outbound request.
type Request struct {
	URL  string
	Body []byte // JSON-encoded validated input
}

// A Response is a transport-agnostic inbound response.
type Response struct {
	Status int
	Body   []byte
}

// A Subscription delivers the data of events from an event stream.
//
// The methods of an implementation must be safe for concurrent use by one
// receiver and one closer.
type Subscription interface {
	// Recv blocks until the next event is available and returns its data.
	// After the stream ends, Recv reports an error.
	Recv() (string, error)

	// Close ends the subscription. Any pending Recv terminates.
	Close() error
}

// ClientOptions are settings for a [Client].
type ClientOptions struct {
	// Server is the base URL of the server, without a trailing slash,
	// for example "http://localhost:8000". Required.
	Server string

	// Adapter performs the I/O for calls. Required.
	Adapter Adapter

	// If not nil, OnEventError is called with the name of an event route and
	// the error for each inbound event that fails validation. Such events are
	// not delivered.
	OnEventError func(route string, err error)
}

// A Client issues calls to the routes of an [Application]. A Client is safe
// for concurrent use by multiple goroutines.
type Client struct {
	app  *Application
	opts ClientOptions
}

// NewClient constructs a client for the routes of a.
func (a *Application) NewClient(opts ClientOptions) *Client {
	if opts.Adapter == nil {
		panic("renkei: client adapter is nil")
	}
	opts.Server = strings.TrimSuffix(opts.Server, "/")
	return &Client{app: a, opts: opts}
}

// Metrics returns the metrics map for clients and servers.
func (c *Client) Metrics() *expvar.Map { return rootMetrics.emap }

func (c *Client) url(name string) string { return c.opts.Server + "/" + name }

// An HTTPCall issues a call to a request/response route. Each call is
// governed by its own context, which acts as the cancellation token for the
// call. On failure, the error has concrete type *InformationalError,
// *RedirectError, *ClientError, *ServerError, *UnexpectedError, or
// *CancelError.
type HTTPCall[In, Out any] func(ctx context.Context, input In) (Out, error)

// HTTPClient returns a function that calls route r through c.
// It panics if r is not registered with the application of c.
func HTTPClient[In, Out any](c *Client, r *HTTPRoute[In, Out]) HTTPCall[In, Out] {
	name := c.app.nameOf(r)
	return func(ctx context.Context, input In) (_ Out, err error) {
		rootMetrics.callsOut.Add(1)
		defer func() {
			if err != nil {
				rootMetrics.callsOutErr.Add(1)
			}
		}()

		var zero Out
		body, err := encodeInput(r, input)
		if err != nil {
			return zero, &UnexpectedError{Err: err}
		}

		rootMetrics.callsPending.Add(1)
		rsp, err := c.opts.Adapter.Request(ctx, &Request{URL: c.url(name), Body: body})
		rootMetrics.callsPending.Add(-1)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				rootMetrics.callsCanceled.Add(1)
				return zero, &CancelError{Err: err}
			}
			return zero, &UnexpectedError{Err: err}
		}

		// Responses outside the success range are reported with their text and
		// no attempt is made to validate their contents.
		if cerr := statusError(rsp.Status, string(rsp.Body)); cerr != nil {
			return zero, cerr
		}

		var raw any
		if err := json.Unmarshal(rsp.Body, &raw); err != nil {
			return zero, &UnexpectedError{Err: fmt.Errorf("decode response: %w", err)}
		}
		out, err := r.Output(raw)
		if err != nil {
			return zero, &UnexpectedError{Err: err}
		}
		return out, nil
	}
}

// encodeInput validates input against the input validator of r and returns
// the JSON encoding of the accepted value.
func encodeInput[In, Out any](r *HTTPRoute[In, Out], input In) ([]byte, error) {
	raw, err := roundTrip(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	valid, err := r.Input(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valid)
}

// An EventCall subscribes to an event route. Each event is decoded, validated,
// and passed to onEvent in the order received. The subscription continues
// until ctx ends or the returned cancel function is called. The cancel
// function is safe to call more than once, and after the stream has ended.
type EventCall[Out any] func(ctx context.Context, onEvent func(Out)) (cancel func(), err error)

// EventClient returns a function that subscribes to route r through c.
// It panics if r is not registered with the application of c.
func EventClient[Out any](c *Client, r *EventRoute[Out]) EventCall[Out] {
	name := c.app.nameOf(r)
	return func(ctx context.Context, onEvent func(Out)) (func(), error) {
		sctx, cancel := context.WithCancel(ctx)
		sub, err := c.opts.Adapter.Subscribe(sctx, c.url(name))
		if err != nil {
			cancel()
			if errors.Is(err, context.Canceled) {
				return nil, &CancelError{Err: err}
			}
			return nil, &UnexpectedError{Err: err}
		}

		var once sync.Once
		stop := func() {
			once.Do(func() {
				cancel()
				sub.Close()
			})
		}
		go func() {
			defer stop()
			for {
				data, err := sub.Recv()
				if err != nil {
					return
				}
				out, err := r.Output(jsonParseOr(nil, []byte(data)))
				if err != nil {
					rootMetrics.eventsDropped.Add(1)
					if c.opts.OnEventError != nil {
						c.opts.OnEventError(name, err)
					}
					continue
				}
				if sctx.Err() != nil {
					return // do not deliver after cancellation
				}
				onEvent(out)
			}
		}()
		return stop, nil
	}
}
