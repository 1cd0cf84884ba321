// Package api implements the HTTP transport backend and the poll event
// stream of a device server.
//
// This package provides:
//   - POST /api/v1/rpc, the transport endpoint carrying CBOR request and
//     reply payloads (Server implements transport.Binder, Client
//     implements transport.Transport)
//   - REST routes mapping devices, commands, attributes and polling onto
//     the same bound handler
//   - a WebSocket hub broadcasting polling records on "polling.sample"
//   - GET /api/v1/audit, the admin command trail when a registry
//     database is used
//   - JWT bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, body limit)
//
// # Architecture
//
// The server never calls the runtime directly. Every REST route builds a
// transport.Request and runs it through the handler passed to Bind, so a
// REST call and an RPC call take exactly the same path through the device
// monitor. The audit listing is the one route that reads a store directly.
// Device names have three segments (domain/family/member) and map
// onto three path segments.
//
// # Security
//
// Authentication is off while security.jwt.secret is empty. With a secret
// every route but /health needs a bearer token whose role grants the
// route's permission (see package auth). WebSocket connections use
// single-use tickets to keep the token out of URLs.
package api
