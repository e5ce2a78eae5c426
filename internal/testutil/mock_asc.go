// Package testutil provides testing utilities for the App Store Connect client.
package testutil

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest captures one request the mock server received.
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// MockASC is a configurable mock App Store Connect server for testing.
type MockASC struct {
	server *httptest.Server

	mu        sync.Mutex
	handlers  map[string]http.HandlerFunc
	sequences map[string][]MockResponse

	// Tracking
	RequestCount int
	Requests     []RecordedRequest
}

// NewMockASC creates a new mock server. Paths without a configured handler or
// response sequence return a JSON:API 404.
func NewMockASC() *MockASC {
	mock := &MockASC{
		handlers:  make(map[string]http.HandlerFunc),
		sequences: make(map[string][]MockResponse),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mock.mu.Lock()
		mock.RequestCount++
		mock.Requests = append(mock.Requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   body,
		})

		handler, hasHandler := mock.handlers[r.URL.Path]

		var next *MockResponse
		if seq, ok := mock.sequences[r.URL.Path]; ok && len(seq) > 0 {
			next = &seq[0]
			// Consume the response; the last one repeats.
			if len(seq) > 1 {
				mock.sequences[r.URL.Path] = seq[1:]
			}
		}
		mock.mu.Unlock()

		if hasHandler {
			handler(w, r)
			return
		}

		if next != nil {
			if next.Delay > 0 {
				time.Sleep(next.Delay)
			}
			for k, v := range next.Headers {
				w.Header().Set(k, v)
			}
			if w.Header().Get("Content-Type") == "" {
				w.Header().Set("Content-Type", "application/json")
			}
			w.WriteHeader(next.StatusCode)
			_, _ = w.Write([]byte(next.Body))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[{"status":"404","title":"NOT_FOUND","detail":"There is no resource of the requested type with the provided id"}]}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockASC) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockASC) Close() {
	m.server.Close()
}

// Handle registers a custom handler for a path.
func (m *MockASC) Handle(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// Respond scripts a response sequence for a path. Responses are consumed in
// order; the last one repeats for subsequent requests.
func (m *MockASC) Respond(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[path] = append([]MockResponse(nil), responses...)
}

// RequestsFor returns how many requests hit the given path.
func (m *MockASC) RequestsFor(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, req := range m.Requests {
		if req.Path == path {
			count++
		}
	}
	return count
}

// LastRequest returns the most recent recorded request, or nil.
func (m *MockASC) LastRequest() *RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return nil
	}
	req := m.Requests[len(m.Requests)-1]
	return &req
}

// Reset clears all tracking counters and scripted responses.
func (m *MockASC) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.Requests = nil
	m.handlers = make(map[string]http.HandlerFunc)
	m.sequences = make(map[string][]MockResponse)
}

// GzipTSV builds a gzipped tab-separated report body, the format the
// salesReports endpoint serves.
func GzipTSV(columns []string, rows [][]string) string {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	_, _ = gz.Write([]byte(strings.Join(columns, "\t") + "\n"))
	for _, row := range rows {
		_, _ = gz.Write([]byte(strings.Join(row, "\t") + "\n"))
	}
	_ = gz.Close()

	return buf.String()
}
