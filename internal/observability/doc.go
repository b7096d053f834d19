// Package observability provides structured logging, Prometheus metrics and
// trace-context propagation for the enhancement pipeline.
//
// This package implements:
//   - zap logger construction from configuration
//   - Prometheus collectors for webhooks, the queue, jobs, retries and sweeps
//   - W3C trace-context injection into queue envelopes and extraction in workers
package observability
