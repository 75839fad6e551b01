package configutil

import (
	"errors"
	"sort"
	"strings"

	"github.com/harunnryd/voxturn/pkg/errorsx"
)

// Schema lists the keys a provider accepts in its settings map.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// ValidateSettings reports required keys that are absent or blank and keys
// the schema does not know. Keys match ignoring case, underscores and
// hyphens. A credential referenced as ${VAR} with VAR unset expands to ""
// and is reported as missing.
func ValidateSettings(input map[string]any, schema Schema) error {
	known := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = true
	}

	var missing []string
	for _, k := range schema.Required {
		known[normalizeKey(k)] = true
		if !hasValue(input, k) {
			missing = append(missing, k)
		}
	}

	var unknown []string
	if !schema.AllowUnknown {
		for k := range input {
			if !known[normalizeKey(k)] {
				unknown = append(unknown, k)
			}
		}
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	var parts []string
	if len(missing) > 0 {
		sort.Strings(missing)
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return errorsx.Wrap(errors.New(strings.Join(parts, "; ")), errorsx.ReasonConfiguration)
}

// hasValue looks key up under its normalized form and treats nil and
// whitespace-only strings as absent.
func hasValue(input map[string]any, key string) bool {
	want := normalizeKey(key)
	for k, v := range input {
		if normalizeKey(k) != want || v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return true
	}
	return false
}
