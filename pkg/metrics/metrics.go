// Package metrics exposes the Prometheus registry the client components
// register with. Metrics are defined next to the code that records them
// (client, auth, credentials, ratelimit) via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all components use.
var Registry = prometheus.DefaultRegisterer

// Gatherer serves the metrics registered with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - apiclient_requests_total{endpoint, method, status} (Counter): dispatches by endpoint, method and HTTP status
//   - apiclient_request_duration_seconds{endpoint} (Histogram): dispatch duration
//   - apiclient_errors_total{kind} (Counter): failed calls by error kind
//   - apiclient_degraded_responses_total{endpoint} (Counter): calls answered by the mock fallback
//
// Retry Metrics (pkg/client):
//   - apiclient_retries_total{kind} (Counter): retry attempts by error kind
//   - apiclient_retry_backoff_seconds{kind} (Histogram): computed backoff
//   - apiclient_retry_exhausted_total{kind} (Counter): calls that spent the retry budget
//
// Session Metrics (pkg/auth):
//   - apiclient_token_refresh_total{result} (Counter): refresh exchanges (ok, rejected, error)
//   - apiclient_logins_total{result} (Counter): logins (ok, error, dev_fallback)
//   - apiclient_logout_notifications_total{result} (Counter): best-effort logout notifications
//
// Store Metrics (pkg/credentials):
//   - apiclient_credential_store_ops_total{backend, operation, result} (Counter)
//
// Pacing Metrics (pkg/ratelimit):
//   - apiclient_ratelimit_wait_seconds (Histogram): time spent waiting for the pacer
//   - apiclient_ratelimit_quota_remaining (Gauge): last advertised quota
//   - apiclient_ratelimit_blocks_total (Counter): requests held until the quota reset
//
// Example Prometheus Queries:
//
//   # Error rate by kind
//   sum by (kind) (rate(apiclient_errors_total[5m]))
//
//   # Degraded share
//   sum(rate(apiclient_degraded_responses_total[5m])) / sum(rate(apiclient_requests_total[5m]))
//
//   # Refresh failures
//   rate(apiclient_token_refresh_total{result!="ok"}[5m])
//
//   # P95 dispatch latency
//   histogram_quantile(0.95, rate(apiclient_request_duration_seconds_bucket[5m]))
