package metadata

import (
	"fmt"
	"sort"

	"github.com/nordview/asc-client/pkg/client"
)

// fieldLevel says which localized entity a field lives on.
type fieldLevel int

const (
	levelAppInfo fieldLevel = iota
	levelVersion
)

// fieldRule validates one updatable field. MaxLen 0 means no length cap.
type fieldRule struct {
	Level  fieldLevel
	MaxLen int
}

// fieldRules enumerates every field the engine will update. Anything else is
// rejected at the boundary instead of being passed through to the vendor.
var fieldRules = map[string]fieldRule{
	"name":             {levelAppInfo, 30},
	"subtitle":         {levelAppInfo, 30},
	"privacyPolicyUrl": {levelAppInfo, 0},
	"description":      {levelVersion, 4000},
	"keywords":         {levelVersion, 100},
	"promotionalText":  {levelVersion, 170},
}

// UpdatableFields lists the recognized field names, sorted.
func UpdatableFields() []string {
	names := make([]string, 0, len(fieldRules))
	for name := range fieldRules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateFields rejects unrecognized fields and over-length values before
// any network call is made.
func validateFields(fields map[string]string) error {
	if len(fields) == 0 {
		return client.NewError(client.KindValidationFailure, "no fields to update")
	}
	for name, value := range fields {
		rule, ok := fieldRules[name]
		if !ok {
			return client.NewError(client.KindValidationFailure,
				"unrecognized field %q; updatable fields are %v", name, UpdatableFields())
		}
		if rule.MaxLen > 0 && len([]rune(value)) > rule.MaxLen {
			return client.NewError(client.KindValidationFailure,
				"field %q too long (%d chars, maximum %d)", name, len([]rune(value)), rule.MaxLen)
		}
	}
	return nil
}

// splitFields partitions a validated field mapping by the entity level each
// field is patched on.
func splitFields(fields map[string]string) (appInfo, version map[string]string) {
	for name, value := range fields {
		switch fieldRules[name].Level {
		case levelAppInfo:
			if appInfo == nil {
				appInfo = make(map[string]string)
			}
			appInfo[name] = value
		case levelVersion:
			if version == nil {
				version = make(map[string]string)
			}
			version[name] = value
		}
	}
	return appInfo, version
}

// fieldSummary renders a field mapping for log output without values, which
// can be long (descriptions run to 4000 chars).
func fieldSummary(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("%v", names)
}
