// Package server assembles the rivercast HTTP server.
//
// It wraps the api routes in a shared middleware chain (request ids, access
// logging, metrics, audit, security headers, CORS and rate limiting), mounts
// the Prometheus endpoint and runs the listener through serverutil.
package server
