// Package searching provides query builders over parsed search documents and
// an embedded kv-backed search engine.
package searching

import (
	"strings"

	"github.com/splitgill/splitgill/indexing"
)

// RebuildData inverts parsing, turning a parsed tree back into the original
// data tree by unwrapping every leaf's unparsed value and dropping the
// synthesised geo fields.
func RebuildData(parsed map[string]any) map[string]any {
	out := make(map[string]any, len(parsed))
	for key, value := range parsed {
		if strings.HasPrefix(key, "_") {
			continue
		}
		out[key] = rebuildValue(value)
	}
	return out
}

func rebuildValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if unparsed, ok := v[indexing.Unparsed]; ok {
			return unparsed
		}
		return RebuildData(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = rebuildValue(item)
		}
		return out
	default:
		// null slots pass through untouched
		return v
	}
}
