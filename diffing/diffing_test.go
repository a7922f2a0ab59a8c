package diffing

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPrepare(t *testing.T, v any) map[string]any {
	t.Helper()
	prepared, err := Prepare(v)
	require.NoError(t, err)
	return prepared.(map[string]any)
}

func roundTrip(t *testing.T, base, new map[string]any) []Op {
	t.Helper()
	ops := Diff(base, new)
	assert.Equal(t, new, Patch(base, ops))
	return ops
}

func TestDiffEqual(t *testing.T) {
	a := mustPrepare(t, map[string]any{"x": 1, "y": []any{"a", "b"}})
	b := mustPrepare(t, map[string]any{"x": 1, "y": []any{"a", "b"}})
	assert.Empty(t, Diff(a, b))
}

func TestDiffScalarChange(t *testing.T) {
	a := mustPrepare(t, map[string]any{"x": 1, "y": "keep"})
	b := mustPrepare(t, map[string]any{"x": 2, "y": "keep"})
	ops := roundTrip(t, a, b)
	require.Len(t, ops, 1)
	assert.Equal(t, OpSet, ops[0].Code)
	assert.Equal(t, []any{"x"}, ops[0].Path)
	assert.Equal(t, int64(2), ops[0].Value)
}

func TestDiffKeyAddAndDelete(t *testing.T) {
	a := mustPrepare(t, map[string]any{"gone": true, "keep": "v"})
	b := mustPrepare(t, map[string]any{"keep": "v", "fresh": 1.5})
	ops := roundTrip(t, a, b)
	require.Len(t, ops, 2)
	// sorted key order: fresh before gone
	assert.Equal(t, OpSet, ops[0].Code)
	assert.Equal(t, []any{"fresh"}, ops[0].Path)
	assert.Equal(t, OpDelete, ops[1].Code)
	assert.Equal(t, []any{"gone"}, ops[1].Path)
}

func TestDiffNestedMap(t *testing.T) {
	a := mustPrepare(t, map[string]any{"outer": map[string]any{"a": 1, "b": 2}})
	b := mustPrepare(t, map[string]any{"outer": map[string]any{"a": 1, "b": 3}})
	ops := roundTrip(t, a, b)
	require.Len(t, ops, 1)
	assert.Equal(t, []any{"outer", "b"}, ops[0].Path)
}

func TestDiffListGrowShrink(t *testing.T) {
	a := mustPrepare(t, map[string]any{"l": []any{"a", "b"}})
	b := mustPrepare(t, map[string]any{"l": []any{"a", "c", "d", "e"}})
	ops := roundTrip(t, a, b)
	require.Len(t, ops, 2)
	assert.Equal(t, OpSet, ops[0].Code)
	assert.Equal(t, []any{"l", 1}, ops[0].Path)
	assert.Equal(t, OpListInsert, ops[1].Code)
	assert.Equal(t, []any{"l", 2}, ops[1].Path)

	// and back down again
	roundTrip(t, b, a)
	ops = Diff(b, a)
	var codes []string
	for _, op := range ops {
		codes = append(codes, op.Code)
	}
	assert.Contains(t, codes, OpListRemove)
}

func TestDiffMapInsideList(t *testing.T) {
	a := mustPrepare(t, map[string]any{"l": []any{map[string]any{"n": 1}}})
	b := mustPrepare(t, map[string]any{"l": []any{map[string]any{"n": 2}}})
	ops := roundTrip(t, a, b)
	require.Len(t, ops, 1)
	assert.Equal(t, []any{"l", 0, "n"}, ops[0].Path)
}

func TestDiffShapeChange(t *testing.T) {
	a := mustPrepare(t, map[string]any{"v": "scalar"})
	b := mustPrepare(t, map[string]any{"v": map[string]any{"nested": true}})
	ops := roundTrip(t, a, b)
	require.Len(t, ops, 1)
	assert.Equal(t, OpGrow, ops[0].Code)

	ops = roundTrip(t, b, a)
	require.Len(t, ops, 1)
	assert.Equal(t, OpShrink, ops[0].Code)

	// list <-> map replaced wholesale
	c := mustPrepare(t, map[string]any{"v": []any{1, 2}})
	ops = roundTrip(t, b, c)
	require.Len(t, ops, 1)
	assert.Equal(t, OpGrow, ops[0].Code)
}

func TestDiffToEmpty(t *testing.T) {
	a := mustPrepare(t, map[string]any{"x": 1, "y": "z"})
	roundTrip(t, a, map[string]any{})
	roundTrip(t, map[string]any{}, a)
}

func TestDiffIntFloatDistinct(t *testing.T) {
	a := mustPrepare(t, map[string]any{"n": int64(1)})
	b := mustPrepare(t, map[string]any{"n": float64(1)})
	ops := Diff(a, b)
	require.Len(t, ops, 1, "1 and 1.0 are different values")
}

func TestPatchDoesNotMutateBase(t *testing.T) {
	a := mustPrepare(t, map[string]any{"l": []any{"a"}, "m": map[string]any{"k": 1}})
	b := mustPrepare(t, map[string]any{"l": []any{"a", "b"}, "m": map[string]any{"k": 2}})
	ops := Diff(a, b)
	_ = Patch(a, ops)
	assert.Equal(t, mustPrepare(t, map[string]any{"l": []any{"a"}, "m": map[string]any{"k": 1}}), a)
}

func TestOpJSONRoundTrip(t *testing.T) {
	a := mustPrepare(t, map[string]any{
		"s": "x", "n": 40.6, "i": 7, "l": []any{1, map[string]any{"d": "v"}},
	})
	b := mustPrepare(t, map[string]any{
		"s": "y", "i": 7, "l": []any{1, map[string]any{"d": "w"}, "tail"},
	})
	ops := Diff(a, b)

	raw, err := json.Marshal(ops)
	require.NoError(t, err)

	var decoded []Op
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, b, Patch(a, decoded))
}

func TestPrepare(t *testing.T) {
	prepared, err := Prepare(map[string]any{
		"ctrl":  "a\x00b\tc",
		"int":   42,
		"num":   json.Number("12"),
		"fnum":  json.Number("1.5"),
		"list":  []any{uint8(3)},
		"inner": map[string]any{"f": float32(2)},
	})
	require.NoError(t, err)
	m := prepared.(map[string]any)
	assert.Equal(t, "ab\tc", m["ctrl"])
	assert.Equal(t, int64(42), m["int"])
	assert.Equal(t, int64(12), m["num"])
	assert.Equal(t, 1.5, m["fnum"])
	assert.Equal(t, int64(3), m["list"].([]any)[0])
	assert.Equal(t, float64(2), m["inner"].(map[string]any)["f"])

	_, err = Prepare(map[string]any{"bad": make(chan int)})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestPrepareUnsignedBounds(t *testing.T) {
	prepared, err := Prepare(uint64(math.MaxInt64))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), prepared)

	// past int64, a cast would wrap negative
	_, err = Prepare(uint64(math.MaxInt64) + 1)
	assert.ErrorIs(t, err, ErrUnsupportedValue)

	_, err = Prepare(map[string]any{"n": uint64(math.MaxUint64)})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "null", Kind(nil))
	assert.Equal(t, "bool", Kind(true))
	assert.Equal(t, "int", Kind(int64(1)))
	assert.Equal(t, "float", Kind(1.0))
	assert.Equal(t, "str", Kind("s"))
	assert.Equal(t, "list", Kind([]any{}))
	assert.Equal(t, "dict", Kind(map[string]any{}))
}
