// Package httpmw provides HTTP middleware for the public-facing server.
//
// Layers are composed through Stack, an explicit list of named layers where
// the first entry is outermost. httpserver.Pipeline declares the site order:
// client IP, request ID, security events, security headers, recover, HEAD
// normalization, rate limiting, tracing, metrics, request logger, router.
//
// Each middleware is an independent function that can be tested, reordered,
// or removed individually. User-supplied data (query params, user-agent,
// arbitrary headers) is excluded from logs to prevent PII leaks and log
// injection.
package httpmw
