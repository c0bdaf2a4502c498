package utils

import (
	"fmt"
	"strings"
)

// CloneAttributes returns a copy of attrs. The result is never nil, so
// callers can add keys without a nil check.
func CloneAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// MergeAttributes combines attribute maps left to right. Later maps win on
// key conflicts. The inputs are not modified.
func MergeAttributes(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// ParseAttributes converts "key=value" pairs into an attribute map. The value
// may contain '='; only the first one separates key from value. A pair with
// an empty key or no separator is rejected.
func ParseAttributes(pairs []string) (map[string]string, error) {
	attrs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("invalid attribute %q: expected key=value", pair)
		}
		if key == "" {
			return nil, fmt.Errorf("invalid attribute %q: key cannot be empty", pair)
		}
		attrs[key] = value
	}
	return attrs, nil
}
