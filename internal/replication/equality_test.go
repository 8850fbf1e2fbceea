package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEqual(t *testing.T) {
	t.Run("compares scalars", func(t *testing.T) {
		assert.True(t, Equal("a", "a", DefaultMaxDepth))
		assert.False(t, Equal("a", "b", DefaultMaxDepth))
		assert.True(t, Equal(true, true, DefaultMaxDepth))
		assert.False(t, Equal(true, false, DefaultMaxDepth))
		assert.True(t, Equal(nil, nil, DefaultMaxDepth))
		assert.False(t, Equal(nil, "x", DefaultMaxDepth))
	})

	t.Run("compares numbers across kinds", func(t *testing.T) {
		assert.True(t, Equal(1, 1.0, DefaultMaxDepth))
		assert.True(t, Equal(int64(42), float64(42), DefaultMaxDepth))
		assert.False(t, Equal(1, 1.5, DefaultMaxDepth))
	})

	t.Run("compares dates by millisecond", func(t *testing.T) {
		base := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
		sameMilli := base.Add(500 * time.Microsecond)
		nextMilli := base.Add(2 * time.Millisecond)

		assert.True(t, Equal(base, sameMilli, DefaultMaxDepth))
		assert.False(t, Equal(base, nextMilli, DefaultMaxDepth))
	})

	t.Run("compares nested maps and slices", func(t *testing.T) {
		a := map[string]any{
			"title": "Algebra II",
			"tags":  []any{"math", "spring"},
			"meta":  map[string]any{"credits": 3},
		}
		b := map[string]any{
			"title": "Algebra II",
			"tags":  []any{"math", "spring"},
			"meta":  map[string]any{"credits": 3.0},
		}
		assert.True(t, Equal(a, b, DefaultMaxDepth))

		b["tags"] = []any{"spring", "math"}
		assert.False(t, Equal(a, b, DefaultMaxDepth), "slice order matters")
	})

	t.Run("distinguishes null value from absent key", func(t *testing.T) {
		withNull := map[string]any{"parent": nil}
		without := map[string]any{}

		assert.False(t, Equal(withNull, without, DefaultMaxDepth))
		assert.False(t, Equal(without, withNull, DefaultMaxDepth))
		assert.True(t, Equal(withNull, map[string]any{"parent": nil}, DefaultMaxDepth))
	})

	t.Run("reports unequal past max depth", func(t *testing.T) {
		a := map[string]any{"x": map[string]any{"y": map[string]any{"z": 1}}}
		b := map[string]any{"x": map[string]any{"y": map[string]any{"z": 1}}}

		assert.True(t, Equal(a, b, 3))
		assert.False(t, Equal(a, b, 2), "structures deeper than the budget never compare equal")
		assert.False(t, Equal("a", "a", -1))
	})

	t.Run("terminates on cyclic structures", func(t *testing.T) {
		a := map[string]any{}
		a["self"] = a
		b := map[string]any{}
		b["self"] = b

		assert.False(t, Equal(a, b, DefaultMaxDepth))
	})

	t.Run("rejects mismatched types", func(t *testing.T) {
		assert.False(t, Equal("1", 1, DefaultMaxDepth))
		assert.False(t, Equal([]any{1}, map[string]any{"0": 1}, DefaultMaxDepth))
	})
}
