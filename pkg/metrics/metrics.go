// Package metrics provides the centralized Prometheus metrics registry for
// the App Store Connect client. All metrics are defined in their respective
// packages (auth, ratelimit, client, cache, reports, metadata) to maintain
// modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Token Metrics (pkg/auth):
//   - asc_token_refreshes_total (Counter): Credentials signed (initial and refresh)
//   - asc_token_invalidations_total (Counter): Cached credentials dropped after a 401
//
// Rate Limit Metrics (pkg/ratelimit):
//   - asc_rate_limit_in_window (Gauge): Dispatches currently counted in the trailing window
//   - asc_rate_limit_waits_total (Counter): Acquisitions that had to block for capacity
//   - asc_rate_limit_wait_seconds (Histogram): Time spent blocked waiting for capacity
//
// Request Metrics (pkg/client):
//   - asc_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status ("cached" for cache hits)
//   - asc_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - asc_errors_total{kind} (Counter): Classified errors by kind
//
// Retry Metrics (pkg/client):
//   - asc_retries_total{kind} (Counter): Retry attempts by error kind
//   - asc_retry_backoff_seconds{kind} (Histogram): Backoff duration by error kind
//   - asc_retry_exhausted_total{kind} (Counter): Requests that exhausted max retries
//
// Cache Metrics (pkg/cache):
//   - asc_cache_hits_total (Counter): Response cache hits
//   - asc_cache_misses_total (Counter): Response cache misses
//   - asc_cache_errors_total{operation} (Counter): Cache operation errors
//
// Report Metrics (pkg/reports):
//   - asc_report_fetches_total{report_type, frequency} (Counter): Report downloads
//   - asc_report_rows_total{report_type} (Counter): Decoded report rows
//
// Batch Metrics (pkg/metadata):
//   - asc_batch_runs_total (Counter): Batch mutation runs
//   - asc_batch_operations_total{outcome} (Counter): Batch operations by outcome
//
// Example Prometheus Queries:
//
//   # Rate limit pressure
//   asc_rate_limit_in_window / 3500
//
//   # Request error rate
//   rate(asc_errors_total[5m])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(asc_request_duration_seconds_bucket[5m]))
//
//   # Batch failure share
//   rate(asc_batch_operations_total{outcome="failed"}[1h]) /
//   rate(asc_batch_operations_total[1h])
