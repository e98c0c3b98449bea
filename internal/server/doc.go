// Package server hosts the ingest API behind a single HTTP server.
//
// New assembles the route table from an api.Handler and wraps it in the
// shared middleware chain: request IDs, request logging, metrics, security
// headers, CORS, rate limiting, session authentication and auditing. Every
// route therefore sees the same protections and instrumentation.
package server
