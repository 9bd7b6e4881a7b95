// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package limiter_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/renkei"
	"github.com/creachadair/renkei/limiter"
	"github.com/creachadair/renkei/limiter/storagetest"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// clock is a manually-advanced time source.
type clock struct {
	μ   sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: epoch} }

func (c *clock) Now() time.Time {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.now = c.now.Add(d)
}

func mustNew(t *testing.T, n int, w time.Duration, s limiter.Storage, c *clock) *limiter.Limiter {
	t.Helper()
	l, err := limiter.New(limiter.Config{
		RequestsPerWindow: n,
		WindowDuration:    w,
		Storage:           s,
		Now:               c.Now,
	})
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	return l
}

func TestNew(t *testing.T) {
	mem := limiter.NewMemoryStorage()
	tests := []struct {
		name string
		cfg  limiter.Config
	}{
		{"ZeroQuota", limiter.Config{WindowDuration: time.Second, Storage: mem}},
		{"NegativeQuota", limiter.Config{RequestsPerWindow: -1, WindowDuration: time.Second, Storage: mem}},
		{"ZeroWindow", limiter.Config{RequestsPerWindow: 1, Storage: mem}},
		{"NoStorage", limiter.Config{RequestsPerWindow: 1, WindowDuration: time.Second}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if l, err := limiter.New(tc.cfg); err == nil {
				t.Errorf("New: got %+v, want error", l)
			}
		})
	}
}

func TestLimit(t *testing.T) {
	ctx := context.Background()
	const window = 10 * time.Second

	t.Run("Sequence", func(t *testing.T) {
		c := newClock()
		l := mustNew(t, 2, window, limiter.NewMemoryStorage(), c)

		var got []limiter.Result
		for range 3 {
			got = append(got, l.Limit(ctx, "alice"))
			c.Advance(time.Second)
		}
		want := []limiter.Result{
			limiter.Available{AvailableRequests: 1},
			limiter.Available{AvailableRequests: 0},
			limiter.Limited{UnlockedAt: epoch.Add(window)},
		}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("Results (-got, +want):\n%s", diff)
		}

		// Remain limited until the window expires.
		c.Advance(window - 4*time.Second)
		if diff := cmp.Diff(l.Limit(ctx, "alice"), limiter.Result(limiter.Limited{UnlockedAt: epoch.Add(window)})); diff != "" {
			t.Errorf("Before expiry (-got, +want):\n%s", diff)
		}

		// The expiry instant opens a new window.
		c.Advance(time.Second)
		if diff := cmp.Diff(l.Limit(ctx, "alice"), limiter.Result(limiter.Available{AvailableRequests: 1})); diff != "" {
			t.Errorf("At expiry (-got, +want):\n%s", diff)
		}
	})

	t.Run("SingleRequestQuota", func(t *testing.T) {
		c := newClock()
		l := mustNew(t, 1, window, limiter.NewMemoryStorage(), c)
		if got := l.Limit(ctx, "x"); got != limiter.Result(limiter.Available{AvailableRequests: 0}) {
			t.Errorf("First: got %#v, want Available{0}", got)
		}
		if got, ok := l.Limit(ctx, "x").(limiter.Limited); !ok {
			t.Errorf("Second: got %#v, want Limited", got)
		} else if d := got.RetryAfter(c.Now()); d != window {
			t.Errorf("RetryAfter: got %v, want %v", d, window)
		}
	})

	t.Run("Independent", func(t *testing.T) {
		c := newClock()
		l := mustNew(t, 1, window, limiter.NewMemoryStorage(), c)
		for _, id := range []string{"a", "b", "c"} {
			if _, ok := l.Limit(ctx, id).(limiter.Available); !ok {
				t.Errorf("Limit %q: want Available", id)
			}
		}
		if _, ok := l.Limit(ctx, "a").(limiter.Limited); !ok {
			t.Error("Limit a: want Limited")
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		c := newClock()
		l := mustNew(t, 1, window, limiter.NewMemoryStorage(), c)
		l.Limit(ctx, "m")
		l.Limit(ctx, "m")
		l.Limit(ctx, "m")
		m := l.Metrics()
		for key, want := range map[string]string{
			"limiter_allowed": "1",
			"limiter_limited": "2",
			"limiter_faults":  "0",
		} {
			if got := m.Get(key).String(); got != want {
				t.Errorf("Metric %q: got %s, want %s", key, got, want)
			}
		}
	})
}

func TestConcurrent(t *testing.T) {
	defer leaktest.Check(t)()

	const quota = 10
	const callers = 50
	l := mustNew(t, quota, time.Hour, limiter.NewMemoryStorage(), newClock())

	var μ sync.Mutex
	var remaining []int
	var limited int
	g := taskgroup.New(nil)
	for range callers {
		g.Go(func() error {
			res := l.Limit(context.Background(), "shared")
			μ.Lock()
			defer μ.Unlock()
			switch r := res.(type) {
			case limiter.Available:
				remaining = append(remaining, r.AvailableRequests)
			case limiter.Limited:
				limited++
			default:
				return errors.New("unexpected fault")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if len(remaining) != quota || limited != callers-quota {
		t.Fatalf("Got %d available, %d limited; want %d, %d", len(remaining), limited, quota, callers-quota)
	}

	// Each permitted caller observed a distinct remaining count.
	seen := make(map[int]bool)
	for _, r := range remaining {
		if r < 0 || r >= quota || seen[r] {
			t.Errorf("Unexpected remaining count %d in %v", r, remaining)
		}
		seen[r] = true
	}
}

// updateStorage is a limiter.Updater over a MemoryStorage. Its Get and Set
// methods fail, so only Update can succeed. If conflict is set, each Update
// discards the first call of f, as if another writer had intervened.
type updateStorage struct {
	mem      *limiter.MemoryStorage
	conflict bool

	μ     sync.Mutex
	calls int
}

func (u *updateStorage) Get(context.Context, string) (limiter.Record, bool, error) {
	return limiter.Record{}, false, errors.New("unexpected Get")
}

func (u *updateStorage) Set(context.Context, string, limiter.Record) error {
	return errors.New("unexpected Set")
}

func (u *updateStorage) Update(ctx context.Context, id string, f func(limiter.Record, bool) (limiter.Record, bool)) error {
	u.μ.Lock()
	defer u.μ.Unlock()
	u.calls++
	rec, ok, err := u.mem.Get(ctx, id)
	if err != nil {
		return err
	}
	if u.conflict {
		f(rec, ok)
	}
	if nrec, write := f(rec, ok); write {
		return u.mem.Set(ctx, id, nrec)
	}
	return nil
}

func TestUpdater(t *testing.T) {
	ctx := context.Background()
	const window = 10 * time.Second

	for _, conflict := range []bool{false, true} {
		t.Run(fmt.Sprintf("conflict=%v", conflict), func(t *testing.T) {
			us := &updateStorage{mem: limiter.NewMemoryStorage(), conflict: conflict}
			l := mustNew(t, 2, window, us, newClock())

			var got []limiter.Result
			for range 4 {
				got = append(got, l.Limit(ctx, "u"))
			}
			want := []limiter.Result{
				limiter.Available{AvailableRequests: 1},
				limiter.Available{AvailableRequests: 0},
				limiter.Limited{UnlockedAt: epoch.Add(window)},
				limiter.Limited{UnlockedAt: epoch.Add(window)},
			}
			if diff := cmp.Diff(got, want); diff != "" {
				t.Errorf("Results (-got, +want):\n%s", diff)
			}
			if us.calls != len(want) {
				t.Errorf("Update calls: got %d, want %d", us.calls, len(want))
			}
		})
	}

	t.Run("Fault", func(t *testing.T) {
		l := mustNew(t, 1, window, failUpdater{failStorage{errors.New("down")}}, newClock())
		if res, ok := l.Limit(ctx, "u").(limiter.Fault); !ok || !strings.Contains(res.Error(), "down") {
			t.Errorf("Limit: got %#v, want Fault", res)
		}
	})
}

type failUpdater struct{ failStorage }

func (f failUpdater) Update(context.Context, string, func(limiter.Record, bool) (limiter.Record, bool)) error {
	return f.err
}

type failStorage struct{ err error }

func (f failStorage) Get(context.Context, string) (limiter.Record, bool, error) {
	return limiter.Record{}, false, f.err
}
func (f failStorage) Set(context.Context, string, limiter.Record) error { return f.err }

// blockStorage blocks each Get until released.
type blockStorage struct {
	*limiter.MemoryStorage
	entered chan struct{}
	release chan struct{}
}

func (b blockStorage) Get(ctx context.Context, id string) (limiter.Record, bool, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.MemoryStorage.Get(ctx, id)
}

func TestFault(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Storage", func(t *testing.T) {
		errBroken := errors.New("storage is broken")
		l := mustNew(t, 1, time.Second, failStorage{errBroken}, newClock())
		res := l.Limit(context.Background(), "x")
		f, ok := res.(limiter.Fault)
		if !ok {
			t.Fatalf("Limit: got %#v, want Fault", res)
		}
		if !errors.Is(f, errBroken) {
			t.Errorf("Fault: got %v, want %v", f.Err, errBroken)
		}
		if got := l.Metrics().Get("limiter_faults").String(); got != "1" {
			t.Errorf("Faults: got %s, want 1", got)
		}
	})

	t.Run("Cancel", func(t *testing.T) {
		bs := blockStorage{
			MemoryStorage: limiter.NewMemoryStorage(),
			entered:       make(chan struct{}),
			release:       make(chan struct{}),
		}
		l := mustNew(t, 5, time.Second, bs, newClock())

		done := make(chan limiter.Result, 1)
		go func() { done <- l.Limit(context.Background(), "x") }()
		<-bs.entered // the first call holds the lock for "x"

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if res, ok := l.Limit(ctx, "x").(limiter.Fault); !ok || !errors.Is(res.Err, context.Canceled) {
			t.Errorf("Limit: got %#v, want Fault(context.Canceled)", res)
		}

		close(bs.release)
		if res := <-done; res != limiter.Result(limiter.Available{AvailableRequests: 4}) {
			t.Errorf("First Limit: got %#v, want Available{4}", res)
		}
	})
}

func TestMemoryStorage(t *testing.T) {
	storagetest.Run(t, limiter.NewMemoryStorage())

	t.Run("Prune", func(t *testing.T) {
		m := limiter.NewMemoryStorage()
		ctx := context.Background()
		m.Set(ctx, "old", limiter.Record{WindowStart: epoch})
		m.Set(ctx, "new", limiter.Record{WindowStart: epoch.Add(time.Minute)})
		if n := m.Prune(epoch); n != 1 {
			t.Errorf("Prune: got %d, want 1", n)
		}
		if _, ok, _ := m.Get(ctx, "old"); ok {
			t.Error("Record old was not pruned")
		}
		if n := m.Len(); n != 1 {
			t.Errorf("Len: got %d, want 1", n)
		}
	})
}

func TestDefaultKeyFunc(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		trustXFF bool
		set      map[string]string
		remote   string
		want     string
	}{
		{"RemoteHost", "", false, nil, "192.0.2.7:5555", "192.0.2.7"},
		{"RemoteNoPort", "", false, nil, "192.0.2.7", "192.0.2.7"},
		{"RemoteEmpty", "", false, nil, "", "unknown"},
		{"Header", "X-Api-Key", false, map[string]string{"X-Api-Key": " k1 "}, "192.0.2.7:1", "k1"},
		{"HeaderMissing", "X-Api-Key", false, nil, "192.0.2.7:1", "192.0.2.7"},
		{"XFFUntrusted", "", false, map[string]string{"X-Forwarded-For": "203.0.113.9"}, "192.0.2.7:1", "192.0.2.7"},
		{"XFFTrusted", "", true, map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "192.0.2.7:1", "203.0.113.9"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/x", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.set {
				req.Header.Set(k, v)
			}
			if got := limiter.DefaultKeyFunc(tc.header, tc.trustXFF)(req); got != tc.want {
				t.Errorf("Key: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	do := func(h http.Handler, method string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/x", nil)
		req.RemoteAddr = "198.51.100.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("Quota", func(t *testing.T) {
		c := newClock()
		l := mustNew(t, 2, 90*time.Second, limiter.NewMemoryStorage(), c)
		h := limiter.Middleware(l, limiter.MiddlewareOptions{})(ok)

		for _, want := range []string{"1", "0"} {
			rec := do(h, http.MethodPost)
			if rec.Code != http.StatusNoContent {
				t.Fatalf("Status: got %d, want %d", rec.Code, http.StatusNoContent)
			}
			if got := rec.Header().Get("X-RateLimit-Remaining"); got != want {
				t.Errorf("Remaining: got %q, want %q", got, want)
			}
		}

		// Preflight requests are not counted.
		if rec := do(h, http.MethodOptions); rec.Code != http.StatusNoContent {
			t.Errorf("OPTIONS: got %d, want %d", rec.Code, http.StatusNoContent)
		}

		c.Advance(500 * time.Millisecond)
		rec := do(h, http.MethodPost)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("Status: got %d, want %d", rec.Code, http.StatusTooManyRequests)
		}
		if got := rec.Header().Get("Retry-After"); got != "90" {
			t.Errorf("Retry-After: got %q, want %q", got, "90")
		}
		checkJSONError(t, rec, "too many requests")
	})

	t.Run("FailClosed", func(t *testing.T) {
		l := mustNew(t, 1, time.Second, failStorage{errors.New("down")}, newClock())
		h := limiter.Middleware(l, limiter.MiddlewareOptions{})(ok)
		rec := do(h, http.MethodPost)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("Status: got %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
		checkJSONError(t, rec, "rate limiter unavailable")
	})

	t.Run("FailOpen", func(t *testing.T) {
		l := mustNew(t, 1, time.Second, failStorage{errors.New("down")}, newClock())
		h := limiter.Middleware(l, limiter.MiddlewareOptions{FailOpen: true})(ok)
		if rec := do(h, http.MethodPost); rec.Code != http.StatusNoContent {
			t.Errorf("Status: got %d, want %d", rec.Code, http.StatusNoContent)
		}
	})
}

func checkJSONError(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Errorf("Body %q: %v", rec.Body, err)
	} else if body.Error != want {
		t.Errorf("Error: got %q, want %q", body.Error, want)
	}
}

func TestServerMiddleware(t *testing.T) {
	const origin = "http://localhost:5173"
	ping := renkei.NewHTTPRoute(renkei.Null(), renkei.JSON[string]())
	app := renkei.NewApplication(renkei.Routes{"ping": ping, "idle": renkei.NewHTTPRoute(renkei.Null(), renkei.Null())})

	c := newClock()
	l := mustNew(t, 1, time.Minute, limiter.NewMemoryStorage(), c)
	srv, err := app.NewServer(renkei.ServerOptions{
		AllowedOrigins: []string{origin},
		Implementations: renkei.Implementations{
			"ping": renkei.ImplementHTTP(ping, func(context.Context, renkei.None) (string, error) {
				return "pong", nil
			}),
		},
		Middleware: []func(http.Handler) http.Handler{
			limiter.Middleware(l, limiter.MiddlewareOptions{}),
		},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	var logged []renkei.RequestInfo
	srv.LogRequests(func(info renkei.RequestInfo) { logged = append(logged, info) })

	do := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader("null"))
		req.RemoteAddr = "198.51.100.1:1234"
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec
	}

	// Preflight and unresolved requests do not reach the limiter.
	if rec := do(http.MethodOptions, "/ping"); rec.Code != http.StatusOK {
		t.Errorf("OPTIONS: got %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := do(http.MethodPost, "/nonesuch"); rec.Code != http.StatusNotFound {
		t.Errorf("POST /nonesuch: got %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := do(http.MethodPost, "/idle"); rec.Code != http.StatusNotFound {
		t.Errorf("POST /idle: got %d, want %d", rec.Code, http.StatusNotFound)
	}

	rec := do(http.MethodPost, "/ping")
	if rec.Code != http.StatusOK || rec.Body.String() != `"pong"` {
		t.Fatalf("POST /ping: got %d %s, want 200 \"pong\"", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("Remaining: got %q, want 0", got)
	}

	rec = do(http.MethodPost, "/ping")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("POST /ping: got %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != origin {
		t.Errorf("Allow-Origin: got %q, want %q", got, origin)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After: got %q, want 60", got)
	}
	checkJSONError(t, rec, "too many requests")

	// The refusal is logged with the route and status.
	last := logged[len(logged)-1]
	if last.Route != "ping" || last.Status != http.StatusTooManyRequests {
		t.Errorf("Logged: got %+v, want route ping with status 429", last)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 0},
		{time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Minute, 60},
	}
	for _, tc := range tests {
		if got := limiter.RetryAfterSeconds(tc.in); got != tc.want {
			t.Errorf("RetryAfterSeconds(%v): got %d, want %d", tc.in, got, tc.want)
		}
	}
}
