// Package server hosts the portal pages from a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// audit, metrics, rate limiting, and security headers so handlers all share
// common protections and instrumentation. It mounts the auth endpoints, the
// health and metrics endpoints, the embedded static assets, and the index
// page router behind one multiplexer.
package server
