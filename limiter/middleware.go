// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package limiter

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// A KeyFunc extracts the identity of the client issuing a request.
type KeyFunc func(*http.Request) string

// DefaultKeyFunc returns a KeyFunc that identifies a client by the value of
// the named header, if header != "" and the request carries it. Otherwise, if
// trustXFF is true, the first address in the X-Forwarded-For header is used.
// Failing both, the host part of the remote address is used.
func DefaultKeyFunc(header string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if header != "" {
			if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
				return v
			}
		}
		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}
		return RemoteHost(r.RemoteAddr)
	}
}

// RemoteHost returns the host part of a remote address, or the address itself
// if it has no port. It returns "unknown" for an empty address.
func RemoteHost(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	} else if addr != "" {
		return addr
	}
	return "unknown"
}

// MiddlewareOptions are settings for [Middleware].
type MiddlewareOptions struct {
	// KeyFunc identifies the client of each request.
	// If nil, DefaultKeyFunc("", false) is used.
	KeyFunc KeyFunc

	// If true, requests are passed through when the limiter reports a fault.
	// Otherwise they are refused with 503 Service Unavailable.
	FailOpen bool
}

// Middleware returns a function that wraps an http.Handler with l.
//
// Requests that are permitted are passed to the wrapped handler, with an
// X-RateLimit-Remaining header reporting the remaining quota. Refused requests
// receive 429 Too Many Requests with a Retry-After header giving the number of
// seconds until the window expires, rounded up. Error responses have a JSON
// body of the form {"error": "<message>"}.
//
// To limit the routes of a renkei server, install the middleware with the
// Middleware field of its ServerOptions rather than wrapping the server, so
// that refusals carry the CORS headers of the server.
func Middleware(l *Limiter, opts MiddlewareOptions) func(http.Handler) http.Handler {
	keyFn := opts.KeyFunc
	if keyFn == nil {
		keyFn = DefaultKeyFunc("", false)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Preflight requests are not counted against the quota.
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			switch res := l.Limit(r.Context(), keyFn(r)).(type) {
			case Available:
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.AvailableRequests))
			case Limited:
				w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(res.RetryAfter(l.now()))))
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			case Fault:
				if !opts.FailOpen {
					writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds converts d to a whole number of seconds, rounding up.
func RetryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	data, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: msg})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	w.Write(data)
}
