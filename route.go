// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package renkei

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// Kind identifies the variant of a [Route].
type Kind int

const (
	KindHTTP  Kind = iota + 1 // request/response over POST
	KindEvent                 // one-way server-sent events
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// A Route is a named contract between a client and a server. The concrete
// type of a Route is either *[HTTPRoute] or *[EventRoute]; no other
// implementations are possible.
type Route interface {
	Kind() Kind

	// validateOutput checks a raw JSON value against the output validator of
	// the route and returns the accepted value.
	validateOutput(raw any) (any, error)
}

// An HTTPRoute is a request/response route. Input values are validated before
// they are sent by a client and after they are received by a server. Output
// values are validated by the client on receipt.
type HTTPRoute[In, Out any] struct {
	Input  Validator[In]
	Output Validator[Out]
}

// NewHTTPRoute constructs a request/response route with the given validators.
func NewHTTPRoute[In, Out any](input Validator[In], output Validator[Out]) *HTTPRoute[In, Out] {
	if input == nil || output == nil {
		panic("renkei: route validators must be non-nil")
	}
	return &HTTPRoute[In, Out]{Input: input, Output: output}
}

// Kind implements part of the [Route] interface.
func (*HTTPRoute[In, Out]) Kind() Kind { return KindHTTP }

func (r *HTTPRoute[In, Out]) validateOutput(raw any) (any, error) { return r.Output(raw) }

// An EventRoute is a one-way stream of values pushed from the server to the
// client. Each value is validated by the server before it is written and by
// the client after it is read.
type EventRoute[Out any] struct {
	Output Validator[Out]
}

// NewEventRoute constructs an event route with the given output validator.
func NewEventRoute[Out any](output Validator[Out]) *EventRoute[Out] {
	if output == nil {
		panic("renkei: route validators must be non-nil")
	}
	return &EventRoute[Out]{Output: output}
}

// Kind implements part of the [Route] interface.
func (*EventRoute[Out]) Kind() Kind { return KindEvent }

func (r *EventRoute[Out]) validateOutput(raw any) (any, error) { return r.Output(raw) }

// Routes maps route names to their definitions. A route name is used verbatim
// as the URL path segment for the route ("/" + name), so names must not
// contain characters that alter path matching.
type Routes map[string]Route

// An Application owns the route registry shared by the clients and servers
// constructed from it. An Application is read-only once constructed and is
// safe for concurrent use.
type Application struct {
	routes Routes
	names  map[Route]string // route → name, for typed accessors
}

// NewApplication constructs an application serving the given routes.
// It panics if a route is nil, or if the same route value is registered under
// more than one name, since the typed accessors could not tell them apart.
func NewApplication(routes Routes) *Application {
	app := &Application{routes: routes, names: make(map[Route]string, len(routes))}
	for name, r := range routes {
		if r == nil {
			panic(fmt.Sprintf("renkei: route %q is nil", name))
		} else if strings.ContainsAny(name, "/?#") {
			panic(fmt.Sprintf("renkei: invalid route name %q", name))
		}
		if old, ok := app.names[r]; ok {
			panic(fmt.Sprintf("renkei: route %q is also registered as %q", name, old))
		}
		app.names[r] = name
	}
	return app
}

// Lookup returns the route registered under name, if any.
func (a *Application) Lookup(name string) (Route, bool) {
	r, ok := a.routes[name]
	return r, ok
}

// Names returns the registered route names in lexicographic order.
func (a *Application) Names() []string {
	names := make([]string, 0, len(a.routes))
	for name := range a.routes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// nameOf returns the registered name of r, or panics if r is not registered.
func (a *Application) nameOf(r Route) string {
	name, ok := a.names[r]
	if !ok {
		panic(fmt.Sprintf("renkei: %v route is not registered", r.Kind()))
	}
	return name
}

// An HTTPFunc implements an [HTTPRoute]. It receives a validated input and
// returns the output to encode for the caller.
type HTTPFunc[In, Out any] func(context.Context, In) (Out, error)

// An EventFunc implements an [EventRoute]. It pushes values to the client by
// calling send, which reports an error once the stream has closed. The stream
// remains open after the function returns nil, until the client disconnects.
type EventFunc[Out any] func(ctx context.Context, send func(Out) error) error

// An Implementation binds a concrete function to a route. Use [ImplementHTTP]
// and [ImplementEvent] to construct values of this type.
type Implementation interface {
	route() Route
}

// Implementations maps route names to their implementations.
type Implementations map[string]Implementation

type httpImpl struct {
	r   Route
	run func(ctx context.Context, raw any) (any, error)
}

func (h httpImpl) route() Route { return h.r }

type eventImpl struct {
	r   Route
	run func(ctx context.Context, send func(any) error) error
}

func (e eventImpl) route() Route { return e.r }

// ImplementHTTP binds f as the implementation of r. The raw input decoded
// from the request is validated with r.Input before f is called.
func ImplementHTTP[In, Out any](r *HTTPRoute[In, Out], f HTTPFunc[In, Out]) Implementation {
	return httpImpl{r: r, run: func(ctx context.Context, raw any) (any, error) {
		in, err := r.Input(raw)
		if err != nil {
			return nil, err
		}
		return f(ctx, in)
	}}
}

// ImplementEvent binds f as the implementation of r.
func ImplementEvent[Out any](r *EventRoute[Out], f EventFunc[Out]) Implementation {
	return eventImpl{r: r, run: func(ctx context.Context, send func(any) error) error {
		return f(ctx, func(v Out) error { return send(v) })
	}}
}
