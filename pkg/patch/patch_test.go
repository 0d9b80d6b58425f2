package patch

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tree"
)

func obj(m map[string]any) *tree.Object {
	return tree.MustObject(m)
}

func TestBuild_SameReferenceIsEmpty(t *testing.T) {
	a := obj(map[string]any{"x": map[string]any{"y": 1}})
	p := Build(a, a)
	require.True(t, IsEmpty(p))
	require.Same(t, a, Apply(a, p))
}

func TestBuild_EqualButDistinctPrimitivesIsEmpty(t *testing.T) {
	a := obj(map[string]any{"x": 1, "s": "v"})
	b := obj(map[string]any{"x": 1, "s": "v"})
	require.True(t, IsEmpty(Build(a, b)))
}

func TestBuild_Cases(t *testing.T) {
	cases := []struct {
		name        string
		prev, cur   map[string]any
		wantChanged map[string]any
		wantDeleted []tree.Path
	}{
		{
			name:        "primitive change",
			prev:        map[string]any{"a": 1, "b": 2},
			cur:         map[string]any{"a": 1, "b": 3},
			wantChanged: map[string]any{"b": 3},
		},
		{
			name:        "nested deletion",
			prev:        map[string]any{"a": map[string]any{"b": 1, "c": 2}},
			cur:         map[string]any{"a": map[string]any{"b": 1}},
			wantChanged: map[string]any{},
			wantDeleted: []tree.Path{{"a", "c"}},
		},
		{
			name:        "lists replaced verbatim",
			prev:        map[string]any{"l": []any{1, 2}},
			cur:         map[string]any{"l": []any{1, 2, 3}},
			wantChanged: map[string]any{"l": []any{1, 2, 3}},
		},
		{
			name:        "object replaced by primitive",
			prev:        map[string]any{"a": map[string]any{"b": 1}},
			cur:         map[string]any{"a": "flat"},
			wantChanged: map[string]any{"a": "flat"},
		},
		{
			name:        "new key holding an object",
			prev:        map[string]any{},
			cur:         map[string]any{"a": map[string]any{"b": map[string]any{"c": true}}},
			wantChanged: map[string]any{"a": map[string]any{"b": map[string]any{"c": true}}},
		},
		{
			name:        "top level removal",
			prev:        map[string]any{"gone": nil, "kept": 1},
			cur:         map[string]any{"kept": 1},
			wantChanged: map[string]any{},
			wantDeleted: []tree.Path{{"gone"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prev, cur := obj(tc.prev), obj(tc.cur)
			p := Build(prev, cur)
			require.True(t, tree.Equal(obj(tc.wantChanged), p.Changed), "changed: %v", tree.ToGo(p.Changed))
			require.Equal(t, tc.wantDeleted, p.Deleted)
			require.True(t, tree.Equal(cur, Apply(prev, p)))
		})
	}
}

func TestBuild_PrunesUnchangedSubtrees(t *testing.T) {
	shared := obj(map[string]any{"deep": map[string]any{"x": 1}})
	prev := tree.EmptyObject().With("shared", shared).With("n", 1.0)
	cur := prev.With("n", 2.0)

	p := Build(prev, cur)
	_, ok := p.Changed.Get("shared")
	require.False(t, ok)

	out := Apply(prev, p)
	require.Same(t, shared, out.Object("shared"))
}

func TestBuild_EntitiesAreSentWhole(t *testing.T) {
	chars := store.EntityCollection{Prefix: "character"}
	reduce := store.Combine(chars.Slice("characters"))
	initial := store.InitialState(chars.Slice("characters"))

	reduceAll := func(state *tree.Object, actions ...store.Action) *tree.Object {
		for _, a := range actions {
			next, _ := reduce(state, a)
			state = next.(*tree.Object)
		}
		return state
	}

	prev := reduceAll(initial,
		chars.Add(map[string]any{"id": "t1", "name": "Orc", "stats": map[string]any{"hp": 4, "ac": 12}}),
		chars.Add(map[string]any{"id": "t2", "name": "Elf"}),
	)
	cur := reduceAll(prev, chars.Update("t1", map[string]any{"name": "Orc Chief"}))

	p := Build(prev, cur)
	sent, ok := tree.GetPath(p.Changed, tree.Path{"characters", "entities", "t1"})
	require.True(t, ok)
	require.True(t, tree.Equal(store.Entity(cur.Object("characters"), "t1"), sent))
	_, ok = tree.GetPath(p.Changed, tree.Path{"characters", "entities", "t2"})
	require.False(t, ok)
	_, ok = tree.GetPath(p.Changed, tree.Path{"characters", "ids"})
	require.False(t, ok)

	require.True(t, tree.Equal(cur, Apply(prev, p)))
}

func TestBuild_WholeEntityStillDropsRemovedFields(t *testing.T) {
	prev := obj(map[string]any{"c": map[string]any{
		"ids":      []any{"a"},
		"entities": map[string]any{"a": map[string]any{"id": "a", "note": "x", "stats": map[string]any{"hp": 1, "tmp": 2}}},
	}})
	cur := obj(map[string]any{"c": map[string]any{
		"ids":      []any{"a"},
		"entities": map[string]any{"a": map[string]any{"id": "a", "stats": map[string]any{"hp": 1}}},
	}})
	p := Build(prev, cur)
	require.ElementsMatch(t, []tree.Path{{"c", "entities", "a", "note"}, {"c", "entities", "a", "stats", "tmp"}}, p.Deleted)
	require.True(t, tree.Equal(cur, Apply(prev, p)))
}

func TestApply_DeleteRunsAfterMerge(t *testing.T) {
	base := obj(map[string]any{"a": map[string]any{"b": 1}})
	p := Patch{
		Changed: obj(map[string]any{"a": map[string]any{"b": 2, "c": 3}}),
		Deleted: []tree.Path{{"a", "b"}, {"missing", "deeper"}, {"a", "c", "not-an-object"}},
	}
	out := Apply(base, p)
	require.True(t, tree.Equal(obj(map[string]any{"a": map[string]any{"c": 3}}), out))
	require.True(t, tree.Equal(obj(map[string]any{"a": map[string]any{"b": 1}}), base))
}

func TestPatch_JSON(t *testing.T) {
	data, err := json.Marshal(Empty())
	require.NoError(t, err)
	require.JSONEq(t, `{"changedSubtree":{},"deletedKeys":[]}`, string(data))

	var p Patch
	require.NoError(t, json.Unmarshal([]byte(`{"changedSubtree":{"a":{"b":1}},"deletedKeys":[["x","y"]]}`), &p))
	require.Equal(t, []tree.Path{{"x", "y"}}, p.Deleted)
	v, ok := tree.GetPath(p.Changed, tree.Path{"a", "b"})
	require.True(t, ok)
	require.Equal(t, float64(1), v)
}

func randomValue(r *rand.Rand, depth int) any {
	switch n := r.Intn(6); {
	case n == 0:
		return float64(r.Intn(3))
	case n == 1:
		return fmt.Sprintf("s%d", r.Intn(3))
	case n == 2:
		return tree.NewList(float64(r.Intn(2)), "x")
	case n == 3 && depth > 0:
		return nil
	default:
		if depth == 0 {
			return r.Intn(2) == 0
		}
		return randomObject(r, depth-1)
	}
}

func randomObject(r *rand.Rand, depth int) *tree.Object {
	out := tree.EmptyObject()
	n := r.Intn(4)
	for i := 0; i < n; i++ {
		out = out.With(fmt.Sprintf("k%d", r.Intn(5)), randomValue(r, depth))
	}
	return out
}

// mutate returns a copy of o with a few random edits, sharing whatever it did not touch.
func mutate(r *rand.Rand, o *tree.Object, depth int) *tree.Object {
	out := o
	for _, k := range o.Keys() {
		switch r.Intn(5) {
		case 0:
			out = out.Without(k)
		case 1:
			out = out.With(k, randomValue(r, depth))
		case 2:
			if child := o.Object(k); child != nil && depth > 0 {
				out = out.With(k, mutate(r, child, depth-1))
			}
		}
	}
	if r.Intn(2) == 0 {
		out = out.With(fmt.Sprintf("n%d", r.Intn(3)), randomValue(r, depth))
	}
	return out
}

func TestApplyBuild_RandomTrees(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		a := randomObject(r, 3)
		b := mutate(r, a, 3)
		p := Build(a, b)
		require.True(t, tree.Equal(b, Apply(a, p)), "iteration %d: %v -> %v", i, tree.ToGo(a), tree.ToGo(b))
		require.True(t, IsEmpty(Build(b, b)))
	}
}

func TestApplyBuild_SnapshotThenPatches(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	versions := []*tree.Object{randomObject(r, 3)}
	for i := 0; i < 50; i++ {
		versions = append(versions, mutate(r, versions[len(versions)-1], 3))
	}
	replica := versions[0]
	for i := 1; i < len(versions); i++ {
		replica = Apply(replica, Build(versions[i-1], versions[i]))
	}
	require.True(t, tree.Equal(versions[len(versions)-1], replica))
}
