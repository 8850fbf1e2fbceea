package replication

import "time"

// DefaultMaxDepth bounds comparator recursion for document-sized payloads.
const DefaultMaxDepth = 25

// Equal reports deep structural equality of two JSON-like values.
//
// Rules: primitives compare by value (numbers across int/float kinds),
// timestamps compare by millisecond epoch, sequences element-wise, and maps
// must carry identical key sets. A key that is present with a null value is
// not equal to an absent key. Any type mismatch is unequal.
//
// Recursion is bounded by maxDepth: descending into a sequence or map when
// the budget is exhausted yields false rather than an error, which also
// terminates self-referential structures.
func Equal(a, b any, maxDepth int) bool {
	if maxDepth < 0 {
		return false
	}
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.UnixMilli() == bv.UnixMilli()
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		if maxDepth == 0 {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i], maxDepth-1) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		if maxDepth == 0 {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present {
				return false
			}
			if !Equal(v, bvv, maxDepth-1) {
				return false
			}
		}
		return true
	}

	// Numbers arrive as float64 from JSON but as int/int64 from in-process
	// callers, so compare numerically across kinds.
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an == bn
	}

	return false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
