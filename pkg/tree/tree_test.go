package tree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObject_WithKeepsIdentityWhenUnchanged(t *testing.T) {
	o := MustObject(map[string]any{"a": 1, "b": map[string]any{"c": "x"}})
	require.Same(t, o, o.With("a", float64(1)))
	require.Same(t, o, o.With("b", o.Object("b")))
	require.Same(t, o, o.Without("missing"))

	changed := o.With("a", 2.0)
	require.NotSame(t, o, changed)
	require.Same(t, o.Object("b"), changed.Object("b"))
	v, _ := changed.Get("a")
	require.Equal(t, float64(2), v)
}

func TestObject_Merge(t *testing.T) {
	o := MustObject(map[string]any{"name": "Orc", "hp": 10})
	require.Same(t, o, o.Merge(MustObject(map[string]any{"name": "Orc"})))

	merged := o.Merge(MustObject(map[string]any{"hp": 5, "ac": 12}))
	require.True(t, Equal(merged, MustObject(map[string]any{"name": "Orc", "hp": 5, "ac": 12})))
	hp, _ := o.Get("hp")
	require.Equal(t, float64(10), hp)
}

func TestList_Operations(t *testing.T) {
	l := NewList("a", "b", "c")
	require.Equal(t, 1, l.Index("b"))
	require.Equal(t, -1, l.Index("z"))
	require.Equal(t, []any{"a", "c"}, l.RemoveAt(1).Items())
	require.Equal(t, []any{"a", "b", "c", "d"}, l.Append("d").Items())
	require.Equal(t, 3, l.Len())
	require.Same(t, EmptyList(), NewList("a").RemoveAt(0))
}

func TestEqualAndSame(t *testing.T) {
	a := MustObject(map[string]any{"x": []any{1, "two"}, "y": nil})
	b := MustObject(map[string]any{"x": []any{1, "two"}, "y": nil})
	require.False(t, Same(a, b))
	require.True(t, Equal(a, b))
	require.False(t, Equal(a, b.With("y", false)))
	require.False(t, Equal(a.List("x"), NewList(1.0)))
}

func TestFromGo_RejectsUnsupported(t *testing.T) {
	_, err := FromGo(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}

func TestGetPath(t *testing.T) {
	o := MustObject(map[string]any{"a": map[string]any{"b": map[string]any{"c": true}}})
	v, ok := GetPath(o, Path{"a", "b", "c"})
	require.True(t, ok)
	require.Equal(t, true, v)
	_, ok = GetPath(o, Path{"a", "x", "c"})
	require.False(t, ok)
	_, ok = GetPath(o, Path{"a", "b", "c", "d"})
	require.False(t, ok)
}

func TestCodec_Roundtrip(t *testing.T) {
	o := MustObject(map[string]any{
		"ids":      []any{"t1"},
		"entities": map[string]any{"t1": map[string]any{"id": "t1", "hp": 3, "tags": []any{}}},
		"empty":    map[string]any{},
	})
	data, err := Encode(o)
	require.NoError(t, err)
	require.JSONEq(t, `{"empty":{},"entities":{"t1":{"hp":3,"id":"t1","tags":[]}},"ids":["t1"]}`, string(data))

	decoded, err := DecodeObject(data)
	require.NoError(t, err)
	require.True(t, Equal(o, decoded))

	var viaUnmarshal Object
	require.NoError(t, viaUnmarshal.UnmarshalJSON(data))
	require.True(t, Equal(o, &viaUnmarshal))

	_, err = DecodeObject([]byte(`[1]`))
	require.Error(t, err)
}
