// Package main hosts the inbox-router service entrypoint.
//
// Architecture overview:
//   - Stream client: internal/stream opens the producer's fetch-and-process
//     Server-Sent Events endpoint and decodes each frame into a progress.Event.
//     Transport and decode failures arrive as a terminal error event.
//   - Tracker: internal/tracker owns at most one job at a time, folds events
//     through the progress state machine, and publishes snapshots. Percent
//     never moves backwards while a job runs.
//   - Notifications: item and job completion milestones fan out through
//     internal/notify to Prometheus counters, websocket clients on
//     /v1/notifications, and Pub/Sub when a topic is configured.
//   - Telemetry: the progress Hub batches session records to the run store
//     (memory or Postgres), a zap log sink, and Prometheus session metrics.
//   - HTTP API: internal/api exposes health, metrics, job start/watch/dismiss,
//     and run history.
//
// Modes:
//   - Service: inbox-router -config config.yaml serves the API until SIGINT or
//     SIGTERM.
//   - Watch: inbox-router -watch ops@example.com -max 5 runs one job, prints
//     each snapshot, and exits non-zero if the job fails.
//
// Quick checklist:
//   - Configure env vars: INBOX_SERVER_PORT, INBOX_STREAM_BASE_URL,
//     INBOX_STREAM_IDLE_TIMEOUT_MS, INBOX_DB_DSN for persistent history, and
//     INBOX_PUBSUB_PROJECT_ID with INBOX_PUBSUB_TOPIC_NAME for forwarding.
//   - Run locally: go run ./cmd/inbox-router -config config.yaml (or rely
//     solely on env overrides).
package main
