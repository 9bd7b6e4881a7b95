// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package transport provides implementations of the renkei.Adapter interface.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"

	"github.com/creachadair/renkei"
	"github.com/creachadair/renkei/sse"
	gosse "github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"
)

// HTTPOptions are optional settings for an [HTTP] adapter.
type HTTPOptions struct {
	// Client is the HTTP client used to issue requests.
	// If nil, http.DefaultClient is used.
	Client *http.Client

	// If not nil, each request waits for a token from Pace before it is sent.
	// Subscriptions are not paced.
	Pace *rate.Limiter

	// Header contains additional headers to send with each request.
	Header http.Header
}

// HTTP is a [renkei.Adapter] that issues requests with net/http. Calls are
// sent as POST requests with a JSON body, and subscriptions are GET requests
// for an event stream.
type HTTP struct {
	client *http.Client
	pace   *rate.Limiter
	header http.Header
}

var _ renkei.Adapter = (*HTTP)(nil)

// NewHTTP constructs an HTTP adapter. A nil opts is ready for use and
// provides default values as described on [HTTPOptions].
func NewHTTP(opts *HTTPOptions) *HTTP {
	h := &HTTP{client: http.DefaultClient}
	if opts != nil {
		if opts.Client != nil {
			h.client = opts.Client
		}
		h.pace = opts.Pace
		h.header = opts.Header
	}
	return h
}

// Request implements a method of the [renkei.Adapter] interface.
func (h *HTTP) Request(ctx context.Context, req *renkei.Request) (*renkei.Response, error) {
	if h.pace != nil {
		if err := h.pace.Wait(ctx); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			return nil, fmt.Errorf("pace request: %w", err)
		}
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	h.setHeaders(hreq.Header)
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")

	rsp, err := h.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer cleanlyClose(rsp.Body)
	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &renkei.Response{Status: rsp.StatusCode, Body: body}, nil
}

// Subscribe implements a method of the [renkei.Adapter] interface.
func (h *HTTP) Subscribe(ctx context.Context, url string) (renkei.Subscription, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	h.setHeaders(hreq.Header)
	hreq.Header.Set("Accept", sse.ContentType)
	hreq.Header.Set("Cache-Control", "no-cache")

	rsp, err := h.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	if err := checkStream(rsp.StatusCode, rsp.Header, rsp.Body); err != nil {
		cleanlyClose(rsp.Body)
		return nil, err
	}
	return newEventSub(rsp.Body), nil
}

func (h *HTTP) setHeaders(dst http.Header) {
	for key, vals := range h.header {
		dst[key] = append([]string(nil), vals...)
	}
}

// checkStream reports an error if a subscription response is not a
// successful event stream.
func checkStream(status int, h http.Header, body io.Reader) error {
	if status != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(body, 1<<10))
		return fmt.Errorf("subscribe: status %d: %s", status, bytes.TrimSpace(text))
	}
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil || mt != sse.ContentType {
		return fmt.Errorf("subscribe: unexpected content type %q", h.Get("Content-Type"))
	}
	return nil
}

// cleanlyClose drains and closes a response body, so that the underlying
// connection can be reused.
func cleanlyClose(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	return body.Close()
}

// maxEventSize bounds the encoded size of a single received event.
const maxEventSize = 1 << 20

// eventSub implements [renkei.Subscription] on an event stream body.
// Events are parsed by a goroutine that runs until the stream ends or the
// subscription is closed.
type eventSub struct {
	rc   io.Closer
	evs  chan eventResult
	done chan struct{}
	once sync.Once
}

type eventResult struct {
	ev  gosse.Event
	err error
}

func newEventSub(body io.ReadCloser) *eventSub {
	e := &eventSub{rc: body, evs: make(chan eventResult), done: make(chan struct{})}
	go func() {
		defer close(e.evs)
		for ev, err := range gosse.Read(body, &gosse.ReadConfig{MaxEventSize: maxEventSize}) {
			select {
			case e.evs <- eventResult{ev: ev, err: err}:
			case <-e.done:
				return
			}
		}
	}()
	return e
}

// Recv implements a method of the [renkei.Subscription] interface.
// Only events of type "message" are delivered; an event with no type is a
// message.
func (e *eventSub) Recv() (string, error) {
	for res := range e.evs {
		if res.err != nil {
			if errors.Is(res.err, io.ErrClosedPipe) {
				return "", io.EOF
			}
			return "", res.err
		}
		if res.ev.Type == "" || res.ev.Type == sse.EventName {
			return res.ev.Data, nil
		}
	}
	return "", io.EOF
}

// Close implements a method of the [renkei.Subscription] interface.
func (e *eventSub) Close() (err error) {
	e.once.Do(func() {
		close(e.done)
		err = e.rc.Close()
	})
	return
}
