// Package api hosts the HTTP server, middleware, and handlers in front of the
// archive engine. Notable routes:
//   - GET /healthz and /readyz for health checks, GET /metrics for Prometheus.
//   - POST /v1/crawl and POST /v1/archive to submit work.
//   - GET /v1/events for the client's server-sent event feed.
//   - POST /v1/vnc/{client_id}/resolve once a human cleared a challenge.
//   - /vnc/{port}/... proxied to the interactive bridge holding that port.
//   - GET /archive/{pid}/{file} for stored archive documents.
//   - POST /admin/reset for the administrative reset.
package api
