package plan

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// toInt accepts YAML integers, integral floats and numeric strings.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return 0, fmt.Errorf("%d out of range", n)
		}
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.Atoi(s); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("%q is not an integer", n)
		}
		return int(f), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// toScalarString renders a YAML scalar as a string; nil becomes "".
func toScalarString(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(s), nil
	default:
		return "", fmt.Errorf("must be a scalar, got %T", v)
	}
}

// parseGPUIDs accepts a list of integers, a comma-separated string or nothing.
func parseGPUIDs(v any) ([]int, error) {
	switch raw := v.(type) {
	case nil:
		return []int{}, nil
	case []any:
		ids := make([]int, 0, len(raw))
		for i, item := range raw {
			id, err := toInt(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %v", i, err)
			}
			ids = append(ids, id)
		}
		return ids, nil
	case string:
		ids := []int{}
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("comma-separated string must hold integers, got %q", part)
			}
			ids = append(ids, id)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("must be a list, a comma-separated string or absent, got %T", v)
	}
}
