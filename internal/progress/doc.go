// Package progress interprets the server-push progress stream of a
// fetch-classify-route job. Inbound frames decode into a closed Event union,
// a Machine folds them into a Session with per-phase percent formulas, and a
// non-blocking Hub batches the resulting Records out to pluggable sinks such
// as Prometheus metrics or run history storage.
package progress
