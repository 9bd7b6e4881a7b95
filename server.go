// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package renkei

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/value"
	"github.com/creachadair/renkei/sse"
)

// ServerOptions are settings for a [Server].
type ServerOptions struct {
	// AllowedOrigins lists the origins whose cross-origin requests are
	// permitted. The Origin header of a request must match an entry exactly.
	AllowedOrigins []string

	// Implementations maps route names to their implementations. A route
	// without an implementation reports 404 when requested.
	Implementations Implementations

	// MaxBodyBytes, if positive, limits the size of request bodies.
	MaxBodyBytes int64

	// Middleware wraps the invocation of implementations. Each function is
	// applied to the handler that runs the implementation for a request, with
	// the first element outermost. Middleware runs only for requests that
	// resolve to an implementation, after the CORS headers are set, so any
	// response it writes carries them.
	Middleware []func(http.Handler) http.Handler
}

// noOrigin is the value of Access-Control-Allow-Origin for requests whose
// origin is not in the allow list. It never matches a real origin.
const noOrigin = "null"

var allowedMethods = mapset.New(http.MethodGet, http.MethodPost)

// A Server dispatches inbound HTTP requests to the implementations of the
// routes of an [Application]. A *Server implements [http.Handler].
//
// For each request the server attaches CORS headers, answers preflight
// (OPTIONS) requests directly, resolves the path to a route and then to an
// implementation, and either encodes the result of an HTTP implementation as
// JSON or streams the values sent by an event implementation.
//
// Any failure during dispatch, including a validation failure on the input,
// an error or panic from the implementation, or an encoding failure, results
// in a 500 response with a JSON body:
//
//	{"error": "Internal Server Error", "details": "<message>"}
type Server struct {
	app     *Application
	origins mapset.Set[string]
	impls   Implementations
	maxBody int64
	invoke  http.Handler // runs implementations, wrapped by middleware

	μ    sync.Mutex
	rlog RequestLogger
}

// NewServer constructs a server for the routes of a. It reports an error if
// an implementation is bound to a name that is not registered, or to a route
// other than the one registered under its name.
func (a *Application) NewServer(opts ServerOptions) (*Server, error) {
	for name, impl := range opts.Implementations {
		r, ok := a.routes[name]
		if !ok {
			return nil, fmt.Errorf("implementation for unknown route %q", name)
		} else if impl == nil {
			return nil, fmt.Errorf("implementation for route %q is nil", name)
		} else if impl.route() != r {
			return nil, fmt.Errorf("implementation for route %q is bound to a different %v route", name, impl.route().Kind())
		}
	}
	s := &Server{
		app:     a,
		origins: mapset.New(opts.AllowedOrigins...),
		impls:   opts.Implementations,
		maxBody: opts.MaxBodyBytes,
	}
	s.invoke = http.HandlerFunc(s.serveRoute)
	for i := len(opts.Middleware) - 1; i >= 0; i-- {
		s.invoke = opts.Middleware[i](s.invoke)
	}
	return s, nil
}

// A RequestLogger logs a request handled by a server.
type RequestLogger func(RequestInfo)

// RequestInfo describes the handling of a single inbound request.
type RequestInfo struct {
	Method  string
	Path    string
	Route   string        // the route name, if the path matched a route
	Status  int           // the response status
	Err     error         // the dispatch error, if any
	Elapsed time.Duration // time spent in the handler
}

func (r RequestInfo) String() string {
	s := fmt.Sprintf("%s %s %d %v", r.Method, r.Path, r.Status, r.Elapsed.Round(time.Microsecond))
	if r.Err != nil {
		s += ": " + r.Err.Error()
	}
	return s
}

// LogRequests registers a callback that will be invoked after each request
// handled by s. Passing nil disables request logging.
func (s *Server) LogRequests(log RequestLogger) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.rlog = log
	return s
}

// Metrics returns the metrics map for clients and servers.
func (s *Server) Metrics() *expvar.Map { return rootMetrics.emap }

type requestContextKey struct{}

// ContextRequest returns the inbound HTTP request associated with ctx, or nil
// if none is defined. The context passed to an implementation has this value.
func ContextRequest(ctx context.Context) *http.Request {
	if v := ctx.Value(requestContextKey{}); v != nil {
		return v.(*http.Request)
	}
	return nil
}

// ErrStreamClosed is reported by the send function of an event stream after
// the stream has closed.
var ErrStreamClosed = errors.New("event stream is closed")

// ServeHTTP implements the [http.Handler] interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rootMetrics.requests.Add(1)

	sw := &statusWriter{ResponseWriter: w}
	info := RequestInfo{Method: r.Method, Path: r.URL.Path}
	defer func() {
		info.Status = sw.status
		info.Elapsed = time.Since(start)
		if sw.status >= 400 {
			rootMetrics.requestsErr.Add(1)
		}
		s.μ.Lock()
		log := s.rlog
		s.μ.Unlock()
		if log != nil {
			log(info)
		}
	}()

	s.setCORS(sw.Header(), r)

	// Answer preflight requests regardless of the path.
	if r.Method == http.MethodOptions {
		sw.WriteHeader(http.StatusOK)
		return
	}
	if !allowedMethods.Has(r.Method) {
		writeJSON(sw, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	route, ok := s.app.Lookup(name)
	if !ok {
		writeJSON(sw, http.StatusNotFound, errorBody{Error: "route not found"})
		return
	}
	info.Route = name
	impl, ok := s.impls[name]
	if !ok {
		writeJSON(sw, http.StatusNotFound, errorBody{Error: "implementation not found"})
		return
	}

	call := &routeCall{route: route, impl: impl}
	s.invoke.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), routeCallKey{}, call)))
	info.Err = call.err
}

// routeCallKey is the context key for the routeCall of a request on its way
// through the middleware to serveRoute.
type routeCallKey struct{}

type routeCall struct {
	route Route
	impl  Implementation
	err   error // the dispatch error, set by serveRoute
}

// serveRoute runs the implementation of the route resolved for r.
func (s *Server) serveRoute(w http.ResponseWriter, r *http.Request) {
	call := r.Context().Value(routeCallKey{}).(*routeCall)
	sw, ok := w.(*statusWriter)
	if !ok {
		sw = &statusWriter{ResponseWriter: w}
	}

	ctx := context.WithValue(r.Context(), requestContextKey{}, r)
	err := func() (err error) {
		// Ensure a panic out of an implementation is turned into a response.
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("implementation panicked (recovered): %v", x)
			}
		}()
		switch t := call.impl.(type) {
		case httpImpl:
			return s.serveHTTPRoute(ctx, sw, r, t)
		case eventImpl:
			return s.serveEventRoute(ctx, sw, call.route, t)
		default:
			return fmt.Errorf("unknown implementation type %T", call.impl)
		}
	}()
	if err != nil {
		call.err = err
		if !sw.wroteHeader {
			writeJSON(sw, http.StatusInternalServerError, errorBody{
				Error:   "Internal Server Error",
				Details: err.Error(),
			})
		}
	}
}

func (s *Server) setCORS(h http.Header, r *http.Request) {
	origin := r.Header.Get("Origin")
	h.Set("Access-Control-Allow-Origin", value.Cond(origin != "" && s.origins.Has(origin), origin, noOrigin))
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Add("Vary", "Origin")
}

func (s *Server) serveHTTPRoute(ctx context.Context, w http.ResponseWriter, r *http.Request, impl httpImpl) error {
	body := r.Body
	if s.maxBody > 0 {
		body = http.MaxBytesReader(w, body, s.maxBody)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}

	// A body that is not valid JSON is treated as null, and left to the input
	// validator of the route to accept or reject.
	out, err := impl.run(ctx, jsonParseOr(nil, data))
	if err != nil {
		return err
	}
	enc, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(enc)
	return nil
}

func (s *Server) serveEventRoute(ctx context.Context, w http.ResponseWriter, route Route, impl eventImpl) error {
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("flush stream headers: %w", err)
	}

	rootMetrics.streamsActive.Add(1)
	defer rootMetrics.streamsActive.Add(-1)

	// The stream has a single writer: sends are serialized so that frames are
	// written in the order send was called, and no frame is written after the
	// handler has returned.
	var μ sync.Mutex
	closed := false
	defer func() { μ.Lock(); defer μ.Unlock(); closed = true }()

	send := func(v any) error {
		raw, err := roundTrip(v)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		valid, err := route.validateOutput(raw)
		if err != nil {
			return err
		}
		data, err := json.Marshal(valid)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}

		μ.Lock()
		defer μ.Unlock()
		if closed || ctx.Err() != nil {
			return ErrStreamClosed
		}
		if err := sse.WriteEvent(w, data); err != nil {
			closed = true
			return fmt.Errorf("%w: %w", ErrStreamClosed, err)
		}
		if err := rc.Flush(); err != nil {
			closed = true
			return fmt.Errorf("%w: %w", ErrStreamClosed, err)
		}
		rootMetrics.eventsSent.Add(1)
		return nil
	}

	if err := impl.run(ctx, send); err != nil {
		return err
	}

	// The implementation governs the lifetime of the stream: after it returns
	// successfully, the stream stays open until the connection is closed.
	<-ctx.Done()
	return nil
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		code = http.StatusInternalServerError
		data = []byte(`{"error":"Internal Server Error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// statusWriter records the status written to a ResponseWriter.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusWriter) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(data []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(data)
}

// Unwrap supports http.ResponseController.
func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }
