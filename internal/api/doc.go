// Package api hosts the HTTP server for on-demand scrapes and crawls.
// Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping when metrics are enabled.
//   - POST /v1/scrape fetches one URL (or a batch) and returns JSON results.
//   - POST /v1/crawl streams one NDJSON line per result, then a final
//     {"summary": ...} line. Closing the connection cancels the crawl.
package api
