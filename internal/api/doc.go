// Package api hosts the ops HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for drain progress reporting against the checkpoint
//     and event stores.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via the
//     RunRepository interface.
package api
