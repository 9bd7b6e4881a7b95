// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package renkei

import (
	"cmp"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/creachadair/taskgroup"
)

// ServeOptions are settings for [Server.ListenAndServe].
type ServeOptions struct {
	Host string // the host or address to listen on; "" for all interfaces
	Port int    // the TCP port to listen on; 0 picks a free port

	// ShutdownTimeout bounds how long a graceful shutdown waits for requests
	// in progress. If zero, a default of 10 seconds is used.
	ShutdownTimeout time.Duration

	// If not nil, OnListen is called with the listener address once the
	// server is ready to accept connections.
	OnListen func(net.Addr)
}

// ListenAndServe listens on the address given by opts and serves requests
// until ctx ends, then shuts the server down gracefully. Open event streams
// are closed when ctx ends. A clean shutdown reports nil.
func (s *Server) ListenAndServe(ctx context.Context, opts ServeOptions) error {
	lst, err := net.Listen("tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))
	if err != nil {
		return err
	}
	if opts.OnListen != nil {
		opts.OnListen(lst.Addr())
	}
	return s.Serve(ctx, lst, opts.ShutdownTimeout)
}

// Serve serves requests accepted from lst until ctx ends, then shuts down
// gracefully waiting at most timeout (or 10 seconds if timeout == 0) for
// requests in progress. Serve closes lst before returning.
func (s *Server) Serve(ctx context.Context, lst net.Listener, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,

		// Request contexts derive from ctx, so that long-lived event streams
		// end when the server shuts down.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g := taskgroup.New(nil)
	g.Go(func() error {
		<-ctx.Done()
		sctx, stop := context.WithTimeout(context.Background(), cmp.Or(timeout, 10*time.Second))
		defer stop()
		return srv.Shutdown(sctx)
	})

	err := srv.Serve(lst)
	cancel()
	serr := g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return serr
	}
	return err
}
