// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program renkei runs the example user directory server, and issues calls
// and subscriptions against renkei servers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/renkei"
	"github.com/creachadair/renkei/example"
	"github.com/creachadair/renkei/limiter"
	"github.com/creachadair/renkei/limiter/redisstore"
	"github.com/creachadair/renkei/limiter/sqlstore"
	"github.com/creachadair/renkei/transport"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var serveFlags struct {
	Host        string        `flag:"host,default=localhost,Host address to listen on"`
	Port        int           `flag:"port,default=8000,TCP port to listen on"`
	Origins     string        `flag:"origin,default=http://localhost:5173,Comma-separated allowed CORS origins"`
	Limit       int           `flag:"limit,default=1,Requests per window for createUser (0 disables limiting)"`
	Window      time.Duration `flag:"window,default=10s,Rate limit window duration"`
	Store       string        `flag:"store,default=memory,Limiter storage (memory|sqlite|redis)"`
	SQLitePath  string        `flag:"sqlite-path,default=renkei.db,SQLite database path for --store=sqlite"`
	RedisAddr   string        `flag:"redis-addr,default=localhost:6379,Redis address for --store=redis"`
	EventBuffer int           `flag:"event-buffer,default=0,Per-subscriber event buffer (0 is unbounded)"`
	Quiet       bool          `flag:"quiet,Do not log requests"`
}

var callFlags struct {
	Server string  `flag:"server,default=http://localhost:8000,Server base URL"`
	Count  int     `flag:"count,default=1,Number of times to issue the call"`
	Rate   float64 `flag:"rate,default=0,Maximum calls per second (0 is unlimited)"`
}

var listenFlags struct {
	Server string `flag:"server,default=http://localhost:8000,Server base URL"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Serve and call renkei routes.",
		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Run the example user directory server.

The server provides the routes createUser, getUsers, and userCreated.
Calls to createUser are rate limited by client address. Limiter state is
held in memory, in a SQLite database, or in Redis according to --store.
The server runs until interrupted.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "<route> [<json-input>]",
				Help: `Call an HTTP route and print its JSON result.

If no input is given, the input is null. With --count, the call is repeated
and each result is printed on its own line; --rate paces the calls.`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name:  "listen",
				Usage: "<route>",
				Help: `Subscribe to an event route and print each event.

Each event is printed as one line of JSON. The subscription continues until
the program is interrupted.`,
				SetFlags: command.Flags(flax.MustBind, &listenFlags),
				Run:      runListen,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(env *command.Env) error {
	ctx, cancel := signalContext()
	defer cancel()

	var opts example.Options
	opts.EventBuffer = serveFlags.EventBuffer
	if serveFlags.Limit > 0 {
		store, closeStore, err := openStorage(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		lim, err := limiter.New(limiter.Config{
			RequestsPerWindow: serveFlags.Limit,
			WindowDuration:    serveFlags.Window,
			Storage:           store,
		})
		if err != nil {
			return fmt.Errorf("create limiter: %w", err)
		}
		opts.Limiter = lim
	}

	svc := example.NewService(opts)
	defer svc.Close()
	srv, err := svc.NewServer(splitList(serveFlags.Origins)...)
	if err != nil {
		return err
	}
	if !serveFlags.Quiet {
		srv.LogRequests(func(info renkei.RequestInfo) { log.Print(info) })
	}

	return srv.ListenAndServe(ctx, renkei.ServeOptions{
		Host: serveFlags.Host,
		Port: serveFlags.Port,
		OnListen: func(addr net.Addr) {
			log.Printf("Server listening on http://%s (limiter store: %s)", addr, serveFlags.Store)
		},
	})
}

// openStorage returns the limiter storage selected by the flags, and a
// function to release it.
func openStorage(ctx context.Context) (limiter.Storage, func(), error) {
	switch serveFlags.Store {
	case "memory":
		return limiter.NewMemoryStorage(), func() {}, nil
	case "sqlite":
		s, err := sqlstore.Open(ctx, serveFlags.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: serveFlags.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		return redisstore.New(client, redisstore.WithTTL(serveFlags.Window)), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q (want memory, sqlite, or redis)", serveFlags.Store)
	}
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 || len(env.Args) > 2 {
		return env.Usagef("Expected a route name and optional input")
	}
	name := env.Args[0]
	if strings.ContainsAny(name, "/?#") {
		return env.Usagef("Invalid route name %q", name)
	}
	var input any
	if len(env.Args) == 2 {
		if err := json.Unmarshal([]byte(env.Args[1]), &input); err != nil {
			return fmt.Errorf("invalid input: %w", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	var hopts transport.HTTPOptions
	if callFlags.Rate > 0 {
		hopts.Pace = rate.NewLimiter(rate.Limit(callFlags.Rate), 1)
	}
	route := renkei.NewHTTPRoute(renkei.Any(), renkei.Any())
	app := renkei.NewApplication(renkei.Routes{name: route})
	call := renkei.HTTPClient(app.NewClient(renkei.ClientOptions{
		Server:  callFlags.Server,
		Adapter: transport.NewHTTP(&hopts),
	}), route)

	for range max(callFlags.Count, 1) {
		out, err := call(ctx, input)
		if err != nil {
			return errors.New(describe(err))
		}
		if err := printJSON(out); err != nil {
			return err
		}
	}
	return nil
}

func runListen(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("Expected a route name")
	} else if strings.ContainsAny(env.Args[0], "/?#") {
		return env.Usagef("Invalid route name %q", env.Args[0])
	}
	ctx, cancel := signalContext()
	defer cancel()

	route := renkei.NewEventRoute(renkei.Any())
	app := renkei.NewApplication(renkei.Routes{env.Args[0]: route})
	cli := app.NewClient(renkei.ClientOptions{
		Server:  listenFlags.Server,
		Adapter: transport.NewHTTP(nil),
	})

	stop, err := renkei.EventClient(cli, route)(ctx, func(v any) {
		if err := printJSON(v); err != nil {
			log.Printf("Print event: %v", err)
		}
	})
	if err != nil {
		return errors.New(describe(err))
	}
	defer stop()
	<-ctx.Done()
	return nil
}

func printJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// describe renders a call error for the user.
func describe(err error) string { return renkei.Visit[string](err, errorText{}) }

type errorText struct{}

func (errorText) Informational(e *renkei.InformationalError) string {
	return fmt.Sprintf("unexpected informational response (%d): %s", e.Status, e.Text)
}
func (errorText) Redirect(e *renkei.RedirectError) string {
	return fmt.Sprintf("server redirected the call (%d): %s", e.Status, e.Text)
}
func (errorText) Client(e *renkei.ClientError) string {
	return fmt.Sprintf("request rejected (%d): %s", e.Status, e.Text)
}
func (errorText) Server(e *renkei.ServerError) string {
	return fmt.Sprintf("server failed (%d): %s", e.Status, e.Text)
}
func (errorText) Unexpected(e *renkei.UnexpectedError) string { return e.Error() }
func (errorText) Cancel(*renkei.CancelError) string          { return "call cancelled" }
