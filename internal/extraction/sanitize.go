package extraction

import (
	"encoding/json"
	"sort"
)

// wrapperKeys are the keys models tend to wrap a row list in, in lookup order.
var wrapperKeys = []string{"items", "rows", "table_rows", "data", "result"}

const maxUnwrapDepth = 4

// SanitizeItems turns whatever a table extractor returned into a flat list of
// records. It accepts a JSON string or bytes, a list, or a single or nested
// object, and returns an empty list for anything else. Non-object list
// entries are dropped.
func SanitizeItems(raw any) []map[string]any {
	return sanitize(raw, 0)
}

func sanitize(raw any, depth int) []map[string]any {
	if depth > maxUnwrapDepth {
		return nil
	}
	switch v := raw.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return sanitizeJSON(v, depth)
	case []byte:
		return sanitizeJSON(v, depth)
	case string:
		return sanitizeJSON([]byte(v), depth)
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, x := range v {
			if m, ok := x.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		for _, k := range wrapperKeys {
			switch inner := v[k].(type) {
			case []any:
				return sanitize(inner, depth+1)
			case map[string]any:
				return sanitize(inner, depth+1)
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if list, ok := v[k].([]any); ok {
				return sanitize(list, depth+1)
			}
		}
		if len(v) == 0 {
			return nil
		}
		return []map[string]any{v}
	}
	return nil
}

func sanitizeJSON(data []byte, depth int) []map[string]any {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil
	}
	return sanitize(decoded, depth+1)
}
