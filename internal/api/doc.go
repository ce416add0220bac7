// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/items to submit a URL, plus per-item scrape, reset, children and
//     transition history routes under /v1/items/{id}.
//   - POST /v1/webhooks/orchestrator for signed run completion callbacks.
package api
