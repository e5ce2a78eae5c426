// Package client provides the rate-limited App Store Connect request executor
// with credential handling, retry/backoff, and error classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nordview/asc-client/pkg/auth"
	"github.com/nordview/asc-client/pkg/cache"
	"github.com/nordview/asc-client/pkg/ratelimit"
)

// Prometheus metrics for executor operations.
var (
	ascRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_requests_total",
		Help: "Total API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	ascRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "asc_request_duration_seconds",
		Help:    "API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	ascErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_errors_total",
		Help: "Total API errors by kind",
	}, []string{"kind"})

	ascRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	ascRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "asc_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})

	ascRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asc_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

const (
	// DefaultBaseURL is the App Store Connect API v1 base.
	DefaultBaseURL = "https://api.appstoreconnect.apple.com/v1"

	// DefaultTimeout applies per network call.
	DefaultTimeout = 30 * time.Second
)

// Request describes a single logical API call.
type Request struct {
	// Method is the HTTP verb (default: GET).
	Method string

	// Path is joined to the configured base URL (e.g., "/apps").
	Path string

	// Query parameters, passed through as the vendor defines them.
	Query url.Values

	// Body is JSON-encoded when non-nil.
	Body any

	// Idempotent marks a write as safe to repeat. Reads are always
	// retryable; writes are retried on transient failures only when the
	// caller sets this explicitly.
	Idempotent bool

	// NoCache bypasses the response cache (report downloads set this).
	NoCache bool
}

// read reports whether the request is a read operation.
func (r Request) read() bool {
	switch strings.ToUpper(r.Method) {
	case "", http.MethodGet, http.MethodHead:
		return true
	default:
		return false
	}
}

// Response is a successful (non-4xx/5xx) API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the response body. A malformed success body is surfaced as an
// unknown-kind error because the server broke its own contract.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &APIError{
			Kind:       KindUnknownError,
			StatusCode: r.StatusCode,
			Message:    "malformed response body",
			Err:        err,
		}
	}
	return nil
}

// Config holds the executor configuration.
type Config struct {
	// Auth supplies the signed credential (required).
	Auth *auth.Manager

	// Limiter gates outbound request rate (required).
	Limiter *ratelimit.Limiter

	// Cache is an optional response cache for metadata reads.
	Cache *cache.Manager

	// BaseURL of the vendor API (default: DefaultBaseURL).
	BaseURL string

	// Timeout per network call (default: DefaultTimeout).
	Timeout time.Duration

	// Retry policy for transient failures.
	Retry RetryConfig
}

// DefaultConfig returns a safe default configuration using the vendor's
// documented rate limit.
func DefaultConfig(authManager *auth.Manager) Config {
	return Config{
		Auth:    authManager,
		Limiter: ratelimit.Default(),
		BaseURL: DefaultBaseURL,
		Timeout: DefaultTimeout,
		Retry:   DefaultRetryConfig(),
	}
}

// Client is the request executor. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	auth       *auth.Manager
	limiter    *ratelimit.Limiter
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger

	// Seam for tests: cancellable backoff sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a request executor.
func New(cfg Config) (*Client, error) {
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth manager is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		auth:    cfg.Auth,
		limiter: cfg.Limiter,
		cache:   cfg.Cache,
		config:  cfg,
		logger:  log.With().Str("component", "asc-client").Logger(),
		sleep:   sleepCtx,
	}, nil
}

// Do executes a single logical API call: rate-limit admission, credential,
// HTTP round trip, classification, and retry orchestration as an explicit
// loop over attempts.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	endpoint := req.Path

	startTime := time.Now()
	defer func() {
		ascRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	// Serve metadata reads from cache when possible; no rate-limit slot is
	// consumed for a cache hit.
	if c.cacheable(req) {
		entry, err := c.cache.Get(ctx, cacheKey(req))
		if err == nil {
			c.logger.Debug().
				Str("endpoint", endpoint).
				Msg("Response served from cache")
			ascRequestsTotal.WithLabelValues(endpoint, "cached").Inc()
			return &Response{
				StatusCode: entry.StatusCode,
				Header:     entry.Headers,
				Body:       entry.Data,
			}, nil
		}
		if err != cache.ErrCacheMiss {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
	}

	var body []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, NewError(KindValidationFailure, "encode request body: %v", err)
		}
		body = encoded
	}

	var lastErr *APIError
	for attempt := 1; attempt <= c.config.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.config.Retry.backoffFor(attempt - 1)
			ascRetriesTotal.WithLabelValues(string(lastErr.Kind)).Inc()
			ascRetryBackoffSeconds.WithLabelValues(string(lastErr.Kind)).Observe(backoff.Seconds())

			c.logger.Warn().
				Str("endpoint", endpoint).
				Str("error_kind", string(lastErr.Kind)).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying request after backoff")

			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		resp, err := c.dispatch(ctx, req, body)
		if err == nil {
			if c.cacheable(req) && resp.StatusCode == http.StatusOK && isJSON(resp.Header) {
				if cerr := c.cache.Set(ctx, cacheKey(req), cache.NewEntry(resp.StatusCode, resp.Header, resp.Body)); cerr != nil {
					c.logger.Warn().Err(cerr).Str("endpoint", endpoint).Msg("Failed to cache response")
				}
			}

			ascRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()
			if attempt > 1 {
				c.logger.Info().
					Str("endpoint", endpoint).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		// Cancellation and transport-setup failures pass through unclassified.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		apiErr, ok := AsAPIError(err)
		if !ok {
			return nil, err
		}

		ascErrorsTotal.WithLabelValues(string(apiErr.Kind)).Inc()
		ascRequestsTotal.WithLabelValues(endpoint, statusLabel(apiErr)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", apiErr.StatusCode).
			Str("error_kind", string(apiErr.Kind)).
			Msg("API request error")

		lastErr = apiErr
		if !shouldRetry(req, apiErr.Kind) {
			return nil, apiErr
		}
	}

	// All retries exhausted; surface the last classified error.
	ascRetryExhaustedTotal.WithLabelValues(string(lastErr.Kind)).Inc()
	c.logger.Warn().
		Str("endpoint", endpoint).
		Str("error_kind", string(lastErr.Kind)).
		Int("max_attempts", c.config.Retry.MaxAttempts).
		Msg("Retry attempts exhausted")

	if lastErr.Err == nil {
		lastErr.Err = ErrRetryExhausted
	} else {
		lastErr.Err = fmt.Errorf("%w: %v", ErrRetryExhausted, lastErr.Err)
	}
	return nil, lastErr
}

// dispatch performs one attempt. A rate-limit slot is consumed here, at the
// moment of actual network dispatch; abandoned waits consume nothing.
func (c *Client) dispatch(ctx context.Context, req Request, body []byte) (*Response, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	cred, err := c.auth.Credential()
	if err != nil {
		return nil, &APIError{
			Kind:    KindAuthenticationFailure,
			Message: "credential unavailable",
			Err:     err,
		}
	}

	u := strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), u, reader)
	if err != nil {
		return nil, NewError(KindValidationFailure, "build request: %v", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+cred.Token)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().
		Str("endpoint", req.Path).
		Str("method", httpReq.Method).
		Msg("Executing API request")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &APIError{
			Kind:    KindTransientServerError,
			Message: "transport failure",
			Err:     err,
		}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &APIError{
			Kind:    KindTransientServerError,
			Message: "read response body",
			Err:     err,
		}
	}

	if apiErr := classify(httpResp.StatusCode, respBody); apiErr != nil {
		if apiErr.Kind == KindAuthenticationFailure {
			// Force a fresh signing operation on the next call.
			c.auth.Invalidate()
		}
		return nil, apiErr
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Body:       respBody,
	}, nil
}

// classify maps an HTTP status to a typed error, or nil for success.
func classify(status int, body []byte) *APIError {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized:
		return &APIError{Kind: KindAuthenticationFailure, StatusCode: status, Message: "authentication failed - check credentials"}
	case status == http.StatusForbidden:
		return &APIError{Kind: KindPermissionDenied, StatusCode: status, Message: "insufficient permissions for this operation"}
	case status == http.StatusNotFound:
		return &APIError{Kind: KindNotFound, StatusCode: status, Message: "requested resource not found"}
	case status == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimitExceeded, StatusCode: status, Message: "rate limit exceeded"}
	case status >= 500:
		return &APIError{Kind: KindTransientServerError, StatusCode: status, Message: "server error"}
	default:
		return &APIError{Kind: KindValidationFailure, StatusCode: status, Message: "request rejected", Detail: errorDetail(body)}
	}
}

// errorDetail extracts the server-provided detail from a JSON:API error body,
// falling back to the raw body text.
func errorDetail(body []byte) string {
	var parsed struct {
		Errors []struct {
			Code   string `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Errors) > 0 {
		if parsed.Errors[0].Detail != "" {
			return parsed.Errors[0].Detail
		}
		return parsed.Errors[0].Title
	}
	return strings.TrimSpace(string(body))
}

// cacheable reports whether the request participates in the response cache.
func (c *Client) cacheable(req Request) bool {
	return c.cache != nil && req.read() && !req.NoCache
}

func cacheKey(req Request) cache.Key {
	return cache.Key{Endpoint: req.Path, Query: req.Query}
}

func isJSON(header http.Header) bool {
	return strings.Contains(header.Get("Content-Type"), "json")
}

func statusLabel(apiErr *APIError) string {
	if apiErr.StatusCode > 0 {
		return fmt.Sprintf("%d", apiErr.StatusCode)
	}
	return string(apiErr.Kind)
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post performs a POST request. POSTs are not retried on transient failures
// unless the caller marks them idempotent via Do.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Patch performs a PATCH request.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path})
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
