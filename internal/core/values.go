package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// NormalizeValue coerces a decoded value into the closed set stored in
// Fields: nil, string, int64 or bool. JSON numbers must be integral.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case bool:
		return x, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return nil, fmt.Errorf("%w: non-integral number %v", ErrInvalidInput, x)
		}
		return int64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %q", ErrInvalidInput, x.String())
		}
		return NormalizeValue(f)
	case time.Time:
		return x.Format(DateLayout), nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrInvalidInput, v)
	}
}

// NormalizeFields applies NormalizeValue to every entry.
func NormalizeFields(in map[string]any) (Fields, error) {
	out := make(Fields, len(in))
	for k, v := range in {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// IsEmpty reports whether v carries no information: nil or the empty string.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// ValuesEqual compares two normalized values.
func ValuesEqual(a, b any) bool {
	na, errA := NormalizeValue(a)
	nb, errB := NormalizeValue(b)
	if errA != nil || errB != nil {
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	return na == nb
}

// FormatValue renders a value for flat exports; nil becomes "".
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
