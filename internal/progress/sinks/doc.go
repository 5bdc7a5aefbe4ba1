// Package sinks implements concrete job event consumers: the persistent job
// log, Prometheus and structured logging. Each sink satisfies progress.Sink.
package sinks
