// Package deparam decodes form-encoded strings into nested structures.
//
// Keys follow the bracket convention used by query-string serializers:
//
//	a=1&b=2        -> {"a": "1", "b": "2"}
//	a[]=1&a[]=2    -> {"a": ["1", "2"]}
//	a[b][c]=1      -> {"a": {"b": {"c": "1"}}}
//
// Decoding never fails. Pairs that cannot be unescaped are skipped and the
// rest are kept.
package deparam

import (
	"net/url"
	"strings"
)

// Decode decodes s into a map. An empty string yields an empty map.
func Decode(s string) map[string]any {
	out := make(map[string]any)
	for pair := range strings.SplitSeq(s, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil || key == "" {
			continue
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			continue
		}
		insert(out, splitKey(key), value)
	}
	return out
}

// splitKey turns "a[b][]" into ["a", "b", ""].
func splitKey(key string) []string {
	head, rest, ok := strings.Cut(key, "[")
	if !ok || head == "" {
		return []string{key}
	}
	parts := []string{head}
	rest = "[" + rest
	for strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			// Unbalanced bracket; keep the remainder literally.
			parts[len(parts)-1] += rest
			return parts
		}
		parts = append(parts, rest[1:end])
		rest = rest[end+1:]
	}
	if rest != "" {
		parts[len(parts)-1] += rest
	}
	return parts
}

func insert(m map[string]any, path []string, value string) {
	key := path[0]
	if len(path) == 1 {
		m[key] = value
		return
	}

	next := path[1]
	if next == "" {
		// a[]=v appends; anything deeper than a[] is flattened onto the list.
		list, _ := m[key].([]any)
		m[key] = append(list, value)
		return
	}

	child, ok := m[key].(map[string]any)
	if !ok {
		child = make(map[string]any)
		m[key] = child
	}
	insert(child, path[1:], value)
}
