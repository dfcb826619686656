// Package axiom ships security events to the Axiom ingest API.
//
// A Client owns one bounded queue and one delivery worker. Producers call
// Enqueue from the request path and never block; the worker batches events,
// paces outbound requests, retries with exponential backoff and hands batches
// that exhaust their retries to an optional dead-letter Spool.
package axiom
