// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/creachadair/renkei"
)

// Direct constructs an adapter that dispatches requests directly to h without
// a network connection. Only the path and query of request URLs are used.
// This is mainly useful for testing.
func Direct(h http.Handler) renkei.Adapter { return direct{h: h} }

type direct struct{ h http.Handler }

// Request implements a method of the [renkei.Adapter] interface.
func (d direct) Request(ctx context.Context, req *renkei.Request) (*renkei.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hreq := httptest.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	hreq.Header.Set("Content-Type", "application/json")

	// Run the handler concurrently so that cancellation is not held hostage
	// by a slow implementation.
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() { defer close(done); d.h.ServeHTTP(rec, hreq) }()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return &renkei.Response{Status: rec.Code, Body: rec.Body.Bytes()}, nil
	}
}

// Subscribe implements a method of the [renkei.Adapter] interface.
func (d direct) Subscribe(ctx context.Context, url string) (renkei.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	hreq := httptest.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	pr, pw := io.Pipe()
	rsp := &pipeResponse{header: make(http.Header), w: pw, ready: make(chan struct{})}
	go func() {
		defer pw.Close()
		defer rsp.markReady()
		d.h.ServeHTTP(rsp, hreq)
	}()

	select {
	case <-ctx.Done():
		cancel()
		pr.Close()
		return nil, ctx.Err()
	case <-rsp.ready:
	}
	if err := checkStream(rsp.status, rsp.sent, pr); err != nil {
		cancel()
		pr.Close()
		return nil, err
	}
	return newEventSub(cancelCloser{ReadCloser: pr, cancel: cancel}), nil
}

// pipeResponse is an http.ResponseWriter that streams the response body
// through a pipe. The header and status are published when the handler first
// writes the header.
type pipeResponse struct {
	header http.Header
	w      io.Writer
	ready  chan struct{}
	once   sync.Once

	status int // set before ready is closed
	sent   http.Header
}

func (p *pipeResponse) Header() http.Header { return p.header }

func (p *pipeResponse) WriteHeader(code int) {
	p.once.Do(func() {
		p.status = code
		p.sent = p.header.Clone()
		close(p.ready)
	})
}

func (p *pipeResponse) Write(data []byte) (int, error) {
	p.WriteHeader(http.StatusOK)
	return p.w.Write(data)
}

// Flush is a no-op; the pipe is unbuffered. It supports http.ResponseController.
func (p *pipeResponse) Flush() {}

func (p *pipeResponse) markReady() { p.WriteHeader(http.StatusOK) }

type cancelCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelCloser) Close() error { c.cancel(); return c.ReadCloser.Close() }
