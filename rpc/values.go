package rpc

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Accessors over decoded generic maps. JSON numbers arrive as json.Number
// (decoders use UseNumber), CBOR numbers as uint64/int64/float64.

func getString(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return s
}

func getBool(m map[string]any, k string) bool {
	b, _ := m[k].(bool)
	return b
}

func getMap(m map[string]any, k string) map[string]any {
	v, _ := m[k].(map[string]any)
	return v
}

func getSlice(m map[string]any, k string) []any {
	v, _ := m[k].([]any)
	return v
}

func getInt64(m map[string]any, k string) (int64, bool) {
	v, ok := m[k]
	if !ok || v == nil {
		return 0, false
	}
	n, err := toInt64(v)
	return n, err == nil
}

func getFloat64(m map[string]any, k string) (float64, bool) {
	switch v := m[k].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case nil:
		return 0, false
	default:
		n, err := toInt64(v)
		return float64(n), err == nil
	}
}

// toInt64 normalizes a number or numeric string to an int64.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), nil
	case json.Number:
		return strconv.ParseInt(n.String(), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported %T", v)
	}
}

// parseID normalizes an envelope id.
func parseID(v any) (int64, error) {
	if v == nil {
		return 0, protocolErrorf(CodeInvalidRequest, "missing id")
	}
	id, err := toInt64(v)
	if err != nil {
		return 0, &ProtocolError{Code: CodeInvalidRequest, Msg: fmt.Sprintf("invalid id %v", v), Err: err}
	}
	return id, nil
}
