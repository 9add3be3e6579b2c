// Package sinks implements concrete consumers of session records such as
// Prometheus, run history storage, and structured logging. Each sink satisfies
// the progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
