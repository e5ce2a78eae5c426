// Package cache provides an optional Redis-backed response cache for App
// Store Connect metadata reads. Report downloads are never cached; nothing is
// persisted locally between process runs.
package cache

import (
	"net/http"
	"time"
)

const (
	// DefaultTTL is the fallback TTL when the response carries no freshness
	// information. App Store Connect metadata changes rarely; five minutes
	// keeps read-modify-write flows coherent.
	DefaultTTL = 5 * time.Minute
)

// Entry represents a cached API response.
type Entry struct {
	// Data is the response body
	Data []byte `json:"data"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Expires is when the cache entry becomes stale
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry builds a cache entry from response parts. The Expires header is
// honored when present and in the future; otherwise DefaultTTL applies.
func NewEntry(statusCode int, headers http.Header, body []byte) *Entry {
	now := time.Now()
	entry := &Entry{
		Data:       body,
		StatusCode: statusCode,
		Headers:    headers.Clone(),
		CachedAt:   now,
		Expires:    now.Add(DefaultTTL),
	}

	if expiresStr := headers.Get("Expires"); expiresStr != "" {
		if expires, err := http.ParseTime(expiresStr); err == nil && expires.After(now) {
			entry.Expires = expires
		}
	}

	return entry
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
