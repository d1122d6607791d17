package row

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// valuesEqual is the loose comparison used by Equals and ExactlyEquals.
// Drivers hand back int64, []byte, and time.Time while callers tend to pass
// int, string, and unix seconds, so numeric and textual forms are
// normalised before comparing.  Nested maps compare as subset matches.
func valuesEqual(want, got any) bool {
	if IsUnset(want) {
		want = nil
	}
	if IsUnset(got) {
		got = nil
	}
	if want == nil || got == nil {
		return want == nil && got == nil
	}

	switch w := want.(type) {
	case Fields:
		return nestedMatch(map[string]any(w), got)
	case map[string]any:
		return nestedMatch(w, got)
	case []any:
		g, ok := got.([]any)
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if !valuesEqual(w[i], g[i]) {
				return false
			}
		}
		return true
	case []string:
		g, ok := got.([]string)
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if w[i] != g[i] {
				return false
			}
		}
		return true
	case time.Time:
		if g, ok := got.(time.Time); ok {
			return w.Equal(g)
		}
		if g, ok := toInt64(got); ok {
			return w.Unix() == g
		}
		return false
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	}

	if g, ok := got.(time.Time); ok {
		if w, ok := toInt64(want); ok {
			return g.Unix() == w
		}
		return false
	}
	if wi, ok := toInt64(want); ok {
		if gi, ok := toInt64(got); ok {
			return wi == gi
		}
	}
	if wf, ok := toFloat64(want); ok {
		if gf, ok := toFloat64(got); ok {
			return wf == gf
		}
	}
	return textOf(want) == textOf(got)
}

func nestedMatch(want map[string]any, got any) bool {
	var g map[string]any
	switch t := got.(type) {
	case Fields:
		g = t
	case map[string]any:
		g = t
	default:
		return false
	}
	for k, v := range want {
		if !valuesEqual(v, g[k]) {
			return false
		}
	}
	return true
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case float64:
		if t == math.Trunc(t) {
			return int64(t), true
		}
	case string:
		if i, err := strconv.ParseInt(t, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		if i, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f, true
		}
	case []byte:
		if f, err := strconv.ParseFloat(string(t), 64); err == nil {
			return f, true
		}
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
