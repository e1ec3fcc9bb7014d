package qr

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize renders a decoded payload value as the deterministic text the
// integrity and signature hashes are computed over. The format is fixed wire
// behavior, not JSON: scalars are emitted by string coercion (unquoted),
// arrays join canonicalized elements with commas inside brackets, object keys
// are sorted lexicographically and emitted as "key":value pairs inside
// braces. Changing a single byte here breaks every signature already issued.
func Canonicalize(v any) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteByte('"')
			sb.WriteString(k)
			sb.WriteString(`":`)
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, elem)
		}
		sb.WriteByte(']')
	case string:
		sb.WriteString(val)
	case bool:
		sb.WriteString(strconv.FormatBool(val))
	case float64:
		sb.WriteString(formatNumber(val))
	case int:
		sb.WriteString(strconv.Itoa(val))
	case int64:
		sb.WriteString(strconv.FormatInt(val, 10))
	case json.Number:
		sb.WriteString(val.String())
	default:
		sb.WriteString(stringify(val))
	}
}

// formatNumber matches the string coercion of the wire format: integral
// values carry no fractional part.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return strings.Trim(string(b), `"`)
}
