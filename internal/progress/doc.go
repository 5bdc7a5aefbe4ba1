// Package progress carries job log lines and lifecycle events from crawl
// workers to pluggable sinks. Emit never blocks; events are batched on a
// background goroutine and fanned out to sinks such as the job log store,
// Prometheus and zap.
package progress
