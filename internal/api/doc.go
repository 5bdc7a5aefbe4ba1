// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/targets/{target_id}/... to start crawl, update, item and search jobs.
//   - GET /v1/jobs and /v1/jobs/{job_id}[/logs] for progress reporting.
//   - POST /v1/jobs/{job_id}/cancel|pause|resume for job control.
package api
