package keys

import (
	"strconv"
	"strings"
)

// keyCodeExtractors is the ordered list of accepted response shapes for
// the keyCode returned by a v1 add-key call. Gateway firmware has
// varied this field over the years (top-level vs nested under data,
// camelCase vs snake_case); new quirks get a new entry here rather than
// branching at call sites.
var keyCodeExtractors = []func(map[string]any) (uint32, bool){
	func(m map[string]any) (uint32, bool) { return coerceKeyCode(m["keyCode"]) },
	func(m map[string]any) (uint32, bool) { return coerceKeyCode(m["key_code"]) },
	func(m map[string]any) (uint32, bool) { return coerceKeyCode(nested(m, "data", "keyCode")) },
	func(m map[string]any) (uint32, bool) { return coerceKeyCode(nested(m, "data", "key_code")) },
}

// ExtractKeyCode tries each known response shape in order and returns
// the first keyCode found.
func ExtractKeyCode(resp map[string]any) (uint32, bool) {
	if resp == nil {
		return 0, false
	}
	for _, extract := range keyCodeExtractors {
		if code, ok := extract(resp); ok {
			return code, true
		}
	}
	return 0, false
}

func nested(m map[string]any, outer, inner string) any {
	sub, ok := m[outer].(map[string]any)
	if !ok {
		return nil
	}
	return sub[inner]
}

func coerceKeyCode(v any) (uint32, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint32(n), true
	case uint32:
		return n, true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		// Firmware returns either decimal or the fixed-width hex form.
		if parsed, err := strconv.ParseUint(s, 10, 32); err == nil {
			return uint32(parsed), true
		}
		if parsed, err := strconv.ParseUint(s, 16, 32); err == nil {
			return uint32(parsed), true
		}
		return 0, false
	default:
		return 0, false
	}
}
