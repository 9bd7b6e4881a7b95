// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package renkei implements typed request/response calls and server-pushed
// events over plain HTTP.
//
// A client and a server share a registry of named routes. Each route carries
// validators for the values that cross the wire, so that both sides accept
// only well-formed data. Routes are served at "/" + name.
//
// # Routes
//
// An [HTTPRoute] is a request/response contract. The client POSTs the JSON
// encoding of a validated input, and the server replies with the JSON encoding
// of the output:
//
//	var CreateUser = renkei.NewHTTPRoute(
//	   renkei.JSON[NewUser](),
//	   renkei.JSON[Result](),
//	)
//
// An [EventRoute] is a one-way stream of values pushed by the server to the
// client as server-sent events:
//
//	var UserCreated = renkei.NewEventRoute(renkei.JSON[User]())
//
// Routes are registered with an [Application], which owns the registry:
//
//	app := renkei.NewApplication(renkei.Routes{
//	   "createUser":  CreateUser,
//	   "userCreated": UserCreated,
//	})
//
// # Servers
//
// To serve the routes, bind an implementation to each and construct a
// [Server], which implements [http.Handler]:
//
//	srv, err := app.NewServer(renkei.ServerOptions{
//	   AllowedOrigins: []string{"http://localhost:5173"},
//	   Implementations: renkei.Implementations{
//	      "createUser":  renkei.ImplementHTTP(CreateUser, createUser),
//	      "userCreated": renkei.ImplementEvent(UserCreated, userCreated),
//	   },
//	})
//
// Every uncaught failure during dispatch, including an input that fails
// validation, is reported to the caller as a 500 response. Requests for an
// unknown path, or for a route with no implementation, report distinct 404
// responses.
//
// # Clients
//
// A [Client] issues calls through an [Adapter], which performs the actual I/O.
// The transport package provides an adapter for net/http. Typed accessors bind
// a client to a specific route:
//
//	cli := app.NewClient(renkei.ClientOptions{
//	   Server:  "http://localhost:8000",
//	   Adapter: transport.NewHTTP(nil),
//	})
//	createUser := renkei.HTTPClient(cli, CreateUser)
//
//	res, err := createUser(ctx, NewUser{Firstname: "Jo", Lastname: "Do"})
//
// Errors reported by a call are values of one of six concrete types, one per
// kind of failure. Use [Visit] to handle them exhaustively:
//
//   - *[InformationalError], *[RedirectError], *[ClientError], and
//     *[ServerError] report a response status in the 1xx, 3xx, 4xx, and 5xx
//     ranges respectively, with the raw response text.
//   - *[UnexpectedError] reports a local fault, such as a network failure or a
//     value that failed validation.
//   - *[CancelError] reports that the context governing the call was
//     cancelled before it completed.
//
// # Metrics
//
// Clients and servers maintain a shared collection of metrics. Use the
// [Server.Metrics] or [Client.Metrics] method to obtain an [expvar.Map]
// containing them:
//
//   - requests: counter of inbound requests handled
//   - requests_failed: counter of inbound requests answered with an error status
//   - streams_active: gauge of open event streams
//   - events_sent: counter of event frames written
//   - events_dropped: counter of inbound events that failed validation
//   - calls_out: counter of outbound calls initiated
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - calls_canceled: counter of outbound calls cancelled by the caller
//   - calls_pending: gauge of outbound calls in flight
package renkei
