package api

import (
	"encoding/json"
	"strings"
)

// aliased re-encodes v so every snake_case key additionally carries a
// camelCase alias and an underscore-less alias with the same value, e.g.
// entry_price / entryPrice / entryprice. Aliases are applied recursively
// through nested objects and arrays. Consumers written against any of the
// three conventions keep working.
func aliased(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return aliasValue(decoded), nil
}

func aliasValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			av := aliasValue(val)
			out[k] = av
			if strings.Contains(k, "_") {
				out[camelCase(k)] = av
				out[strings.ReplaceAll(k, "_", "")] = av
			}
		}
		return out
	case []any:
		for i := range t {
			t[i] = aliasValue(t[i])
		}
		return t
	default:
		return v
	}
}

func camelCase(k string) string {
	parts := strings.Split(k, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
