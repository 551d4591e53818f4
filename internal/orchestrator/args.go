package orchestrator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// NormalizeArgs coerces the wire "args" field. Clients send it as absent,
// a single string, a scalar, or a mixed list; numbers and booleans are
// coerced to their string forms, blank strings and inconvertible elements
// are dropped.
func NormalizeArgs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("args must be a string or a list")
	}
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, nil
		}
		return []string{val}, nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, el := range val {
			s, ok := coerceArg(el)
			if !ok || s == "" {
				continue
			}
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	default:
		s, ok := coerceArg(v)
		if !ok {
			return nil, fmt.Errorf("args must be a string or a list")
		}
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}
}

func coerceArg(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return "", false
	}
}
