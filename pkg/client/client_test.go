package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/nordview/asc-client/internal/testutil"
	"github.com/nordview/asc-client/pkg/auth"
	"github.com/nordview/asc-client/pkg/ratelimit"
)

// testAuthManager builds a token manager with a freshly generated P-256 key.
func testAuthManager(t *testing.T) *auth.Manager {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	mgr, err := auth.NewManager(auth.Config{
		KeyID:      "TESTKEY",
		IssuerID:   "test-issuer",
		PrivateKey: pemBytes,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

// testClient builds an executor against the mock server with a generous
// limiter and no real backoff sleeping.
func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	limiter, err := ratelimit.New(1000, time.Minute)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}

	c, err := New(Config{
		Auth:    testAuthManager(t),
		Limiter: limiter,
		BaseURL: baseURL,
		Retry:   DefaultRetryConfig(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestNew_Validation(t *testing.T) {
	limiter, _ := ratelimit.New(10, time.Minute)

	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name:        "valid config",
			config:      Config{Auth: testAuthManager(t), Limiter: limiter},
			expectError: false,
		},
		{
			name:        "missing auth",
			config:      Config{Limiter: limiter},
			expectError: true,
		},
		{
			name:        "missing limiter",
			config:      Config{Auth: testAuthManager(t)},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			if tt.expectError && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected ErrorKind
	}{
		{"success 200", 200, "", ""},
		{"created 201", 201, "", ""},
		{"unauthorized", 401, "", KindAuthenticationFailure},
		{"forbidden", 403, "", KindPermissionDenied},
		{"not found", 404, "", KindNotFound},
		{"rate limited", 429, "", KindRateLimitExceeded},
		{"server error", 500, "", KindTransientServerError},
		{"bad gateway", 502, "", KindTransientServerError},
		{"conflict with detail", 409, `{"errors":[{"detail":"state conflict"}]}`, KindValidationFailure},
		{"unprocessable", 422, `{"errors":[{"title":"ENTITY_ERROR"}]}`, KindValidationFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := classify(tt.status, []byte(tt.body))
			if tt.expected == "" {
				if apiErr != nil {
					t.Errorf("classify(%d) = %v, want nil", tt.status, apiErr)
				}
				return
			}
			if apiErr == nil {
				t.Fatalf("classify(%d) = nil, want kind %s", tt.status, tt.expected)
			}
			if apiErr.Kind != tt.expected {
				t.Errorf("Kind = %s, want %s", apiErr.Kind, tt.expected)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
		})
	}
}

func TestErrorDetail(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{
			name:     "detail preferred",
			body:     `{"errors":[{"title":"PARAMETER_ERROR","detail":"the filter is invalid"}]}`,
			expected: "the filter is invalid",
		},
		{
			name:     "title fallback",
			body:     `{"errors":[{"title":"PARAMETER_ERROR"}]}`,
			expected: "PARAMETER_ERROR",
		},
		{
			name:     "raw body fallback",
			body:     "plain text error",
			expected: "plain text error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorDetail([]byte(tt.body)); got != tt.expected {
				t.Errorf("errorDetail() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDo_AuthorizationHeaderSet(t *testing.T) {
	mock := testutil.NewMockASC()
	defer mock.Close()
	mock.Respond("/apps", testutil.MockResponse{StatusCode: 200, Body: `{"data":[]}`})

	c := testClient(t, mock.URL())

	resp, err := c.Get(context.Background(), "/apps", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}

	authz := mock.LastRequest().Header.Get("Authorization")
	if len(authz) < 8 || authz[:7] != "Bearer " {
		t.Errorf("Authorization header = %q, want Bearer token", authz)
	}
}

func TestDo_Retry429UpToCeiling(t *testing.T) {
	mock := testutil.NewMockASC()
	defer mock.Close()
	mock.Respond("/salesReports", testutil.MockResponse{StatusCode: 429, Body: `{"errors":[{"title":"RATE_LIMIT_EXCEEDED"}]}`})

	c := testClient(t, mock.URL())

	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := c.Get(context.Background(), "/salesReports", nil)
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}

	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("Expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Kind != KindRateLimitExceeded {
		t.Errorf("Kind = %s, want %s", apiErr.Kind, KindRateLimitExceeded)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Error("Expected error chain to include ErrRetryExhausted")
	}

	// MaxAttempts dispatches, MaxAttempts-1 backoff waits.
	if got := mock.RequestsFor("/salesReports"); got != DefaultRetryConfig().MaxAttempts {
		t.Errorf("dispatches = %d, want %d", got, DefaultRetryConfig().MaxAttempts)
	}
	if len(delays) != DefaultRetryConfig().MaxAttempts-1 {
		t.Fatalf("backoff waits = %d, want %d", len(delays), DefaultRetryConfig().MaxAttempts-1)
	}

	// Exponential backoff: each delay strictly longer than the previous
	// (the ±20% jitter bands do not overlap under doubling).
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("backoff %d (%v) not longer than backoff %d (%v)", i, delays[i], i-1, delays[i-1])
		}
	}
}

func TestDo_TransientServerErrorRetriedForReads(t *testing.T) {
	mock := testutil.NewMockASC()
	defer mock.Close()
	mock.Respond("/apps",
		testutil.MockResponse{StatusCode: 503, Body: "unavailable"},
		testutil.MockResponse{StatusCode: 500, Body: "oops"},
		testutil.MockResponse{StatusCode: 200, Body: `{"data":[]}`},
	)

	c := testClient(t, mock.URL())
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	resp, err := c.Get(context.Background(), "/apps", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := mock.RequestsFor("/apps"); got != 3 {
		t.Errorf("dispatches = %d, want 3", got)
	}
}

func TestDo_WriteNotRetriedUnlessIdempotent(t *testing.T) {
	mock := testutil.NewMockASC()
	defer mock.Close()
	mock.Respond("/appInfoLocalizations/loc-1", testutil.MockResponse{StatusCode: 500, Body: "oops"})

	c := testClient(t, mock.URL())
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	// Plain write: a single attempt, then the error surfaces.
	_, err := c.Patch(context.Background(), "/appInfoLocalizations/loc-1", map[string]string{"k": "v"})
	if err == nil {
		t.Fatal("Expected error")
	}
	if got := mock.RequestsFor("/appInfoLocalizations/loc-1"); got != 1 {
		t.Errorf("dispatches = %d, want 1 (ambiguous writes must not be retried)", got)
	}

	mock.Reset()
	mock.Respond("/appInfoLocalizations/loc-1", testutil.MockResponse{StatusCode: 500, Body: "oops"})

	// Explicitly idempotent write: full retry budget applies.
	_, err = c.Do(context.Background(), Request{
		Method:     http.MethodPatch,
		Path:       "/appInfoLocalizations/loc-1",
		Body:       map[string]string{"k": "v"},
		Idempotent: true,
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if got := mock.RequestsFor("/appInfoLocalizations/loc-1"); got != DefaultRetryConfig().MaxAttempts {
		t.Errorf("dispatches = %d, want %d", got, DefaultRetryConfig().MaxAttempts)
	}
}

func TestDo_401InvalidatesCredential(t *testing.T) {
	mock := testutil.NewMockASC()
	defer mock.Close()
	mock.Respond("/apps",
		testutil.MockResponse{StatusCode: 401, Body: `{"errors":[{"title":"NOT_AUTHORIZED"}]}`},
		testutil.MockResponse{StatusCode: 200, Body: `{"data":[]}`},
	)

	c := testClient(t, mock.URL())

	_, err := c.Get(context.Background(), "/apps", nil)
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Kind != KindAuthenticationFailure {
		t.Fatalf("Expected AuthenticationFailure, got %v", err)
	}
	firstToken := mock.LastRequest().Header.Get("Authorization")

	if _, err := c.Get(context.Background(), "/apps", nil); err != nil {
		t.Fatalf("Get after 401: %v", err)
	}
	secondToken := mock.LastRequest().Header.Get("Authorization")

	// ES256 signatures are randomized; a re-signed credential never matches
	// the old one. An unchanged header would mean the cache survived the 401.
	if firstToken == secondToken {
		t.Error("Expected 401 to invalidate the cached credential and force a re-sign")
	}
}

func TestDo_NotFoundNotRetried(t *testing.T) {
	mock := testutil.NewMockASC()
	defer mock.Close()

	c := testClient(t, mock.URL())

	_, err := c.Get(context.Background(), "/apps/does-not-exist", nil)
	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.Kind != KindNotFound {
		t.Errorf("Kind = %s, want %s", apiErr.Kind, KindNotFound)
	}
	if got := mock.RequestsFor("/apps/does-not-exist"); got != 1 {
		t.Errorf("dispatches = %d, want 1", got)
	}
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	mock := testutil.NewMockASC()
	defer mock.Close()
	mock.Respond("/apps", testutil.MockResponse{StatusCode: 500, Body: "oops"})

	c := testClient(t, mock.URL())

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Get(ctx, "/apps", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestResponse_JSON_MalformedBody(t *testing.T) {
	resp := &Response{StatusCode: 200, Body: []byte("definitely not json")}

	var out map[string]any
	err := resp.JSON(&out)

	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.Kind != KindUnknownError {
		t.Errorf("Kind = %s, want %s", apiErr.Kind, KindUnknownError)
	}
}
