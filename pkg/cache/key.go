package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key identifies a cached App Store Connect response.
type Key struct {
	// Endpoint is the API path (e.g., "/apps/123456/appInfos").
	Endpoint string

	// Query are the request query parameters (e.g., filter[app]=123456).
	Query url.Values
}

// String generates a deterministic cache key string.
// Format: asc:endpoint:query1=val1:query2=val2
//
// Example:
//
//	asc:appStoreVersions:filter[app]=123456:include=appStoreVersionLocalizations
func (k Key) String() string {
	parts := []string{"asc"}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Query params sorted for determinism.
	if len(k.Query) > 0 {
		queryKeys := make([]string, 0, len(k.Query))
		for key := range k.Query {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.Query.Get(key)))
		}
	}

	return strings.Join(parts, ":")
}
