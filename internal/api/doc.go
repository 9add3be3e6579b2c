// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs, GET and DELETE /v1/jobs/current to start, watch, and
//     dismiss the tracked fetch-and-process job.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via the
//     RunRepository interface.
//   - GET /v1/notifications upgrades to a websocket that pushes job milestones.
package api
