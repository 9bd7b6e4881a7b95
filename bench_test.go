// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package renkei_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/creachadair/renkei"
	"github.com/creachadair/renkei/transport"
)

var (
	benchNoop = renkei.NewHTTPRoute(renkei.Null(), renkei.Null())
	benchEcho = renkei.NewHTTPRoute(renkei.JSON[[]string](), renkei.JSON[[]string]())
	benchApp  = renkei.NewApplication(renkei.Routes{"noop": benchNoop, "echo": benchEcho})
)

func noop(context.Context, renkei.None) (renkei.None, error) { return renkei.None{}, nil }
func echo(_ context.Context, in []string) ([]string, error) { return in, nil }

func BenchmarkCall(b *testing.B) {
	payload := []string{"fuzzy wuzzy was a bear", "fuzzy wuzzy had no hair", "fuzzy wuzzy wasn't fuzzy was he?"}

	srv, err := benchApp.NewServer(renkei.ServerOptions{
		Implementations: renkei.Implementations{
			"noop": renkei.ImplementHTTP(benchNoop, noop),
			"echo": renkei.ImplementHTTP(benchEcho, echo),
		},
	})
	if err != nil {
		b.Fatalf("NewServer: %v", err)
	}

	direct := benchApp.NewClient(renkei.ClientOptions{
		Server:  "http://bench.test",
		Adapter: transport.Direct(srv),
	})
	b.Run("Direct-noop", func(b *testing.B) { runBench(b, direct, benchNoop, renkei.None{}) })
	b.Run("Direct-echo", func(b *testing.B) { runBench(b, direct, benchEcho, payload) })

	hs := httptest.NewServer(srv)
	defer hs.Close()
	remote := benchApp.NewClient(renkei.ClientOptions{
		Server:  hs.URL,
		Adapter: transport.NewHTTP(&transport.HTTPOptions{Client: hs.Client()}),
	})
	b.Run("HTTP-noop", func(b *testing.B) { runBench(b, remote, benchNoop, renkei.None{}) })
	b.Run("HTTP-echo", func(b *testing.B) { runBench(b, remote, benchEcho, payload) })
}

func runBench[T any](b *testing.B, cli *renkei.Client, r *renkei.HTTPRoute[T, T], input T) {
	b.Helper()
	call := renkei.HTTPClient(cli, r)
	ctx := context.Background()

	for b.Loop() {
		if _, err := call(ctx, input); err != nil {
			b.Fatal(err)
		}
	}
}
