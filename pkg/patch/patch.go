// Package patch computes and applies structural differences between two versions of the
// canonical state tree.
package patch

import (
	"github.com/goccy/go-json"

	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tree"
)

// Patch turns one tree into another. Changed is deep-merged into the base first and then
// each path in Deleted is removed, in order.
type Patch struct {
	Changed *tree.Object `json:"changedSubtree"`
	Deleted []tree.Path  `json:"deletedKeys"`
}

// Empty returns the patch that changes nothing.
func Empty() Patch {
	return Patch{Changed: tree.EmptyObject()}
}

// IsEmpty reports whether applying p would change nothing.
func IsEmpty(p Patch) bool {
	return p.Changed.Len() == 0 && len(p.Deleted) == 0
}

func (p Patch) MarshalJSON() ([]byte, error) {
	deleted := p.Deleted
	if deleted == nil {
		deleted = []tree.Path{}
	}
	changed := p.Changed
	if changed == nil {
		changed = tree.EmptyObject()
	}
	return json.Marshal(struct {
		Changed *tree.Object `json:"changedSubtree"`
		Deleted []tree.Path  `json:"deletedKeys"`
	}{changed, deleted})
}

// Build returns the patch that turns prev into cur. Subtrees that are the same by
// reference are skipped without being walked, so the cost follows the size of the change
// rather than the size of the state.
func Build(prev, cur *tree.Object) Patch {
	if tree.Same(prev, cur) {
		return Empty()
	}
	b := &builder{}
	changed := b.object(prev, cur, nil, false)
	if changed == nil {
		changed = tree.EmptyObject()
	}
	return Patch{Changed: changed, Deleted: b.deleted}
}

type builder struct {
	deleted []tree.Path
}

func childPath(parent tree.Path, key string) tree.Path {
	out := make(tree.Path, len(parent)+1)
	copy(out, parent)
	out[len(parent)] = key
	return out
}

// object diffs two objects at path. When atomic is set the children of cur are sent whole
// whenever they differ from prev. It returns nil when nothing under path changed.
func (b *builder) object(prev, cur *tree.Object, path tree.Path, atomic bool) *tree.Object {
	prev.Range(func(key string, _ any) bool {
		if _, ok := cur.Get(key); !ok {
			b.deleted = append(b.deleted, childPath(path, key))
		}
		return true
	})

	changed := map[string]any{}
	cur.Range(func(key string, value any) bool {
		old, existed := prev.Get(key)
		if existed && tree.Same(old, value) {
			return true
		}
		oldObj, oldIsObj := old.(*tree.Object)
		newObj, newIsObj := value.(*tree.Object)
		switch {
		case existed && oldIsObj && newIsObj && atomic:
			changed[key] = value
			b.removals(oldObj, newObj, childPath(path, key))
		case existed && oldIsObj && newIsObj:
			if sub := b.object(oldObj, newObj, childPath(path, key), isEntities(cur, key)); sub != nil {
				changed[key] = sub
			}
		default:
			changed[key] = value
		}
		return true
	})
	if len(changed) == 0 {
		return nil
	}
	return tree.NewObject(changed)
}

// removals records every path present in prev and missing from cur. It is used under
// subtrees that are sent whole, because merging a whole value does not drop old keys.
func (b *builder) removals(prev, cur *tree.Object, path tree.Path) {
	prev.Range(func(key string, old any) bool {
		value, ok := cur.Get(key)
		if !ok {
			b.deleted = append(b.deleted, childPath(path, key))
			return true
		}
		oldObj, oldIsObj := old.(*tree.Object)
		newObj, newIsObj := value.(*tree.Object)
		if oldIsObj && newIsObj && !tree.Same(oldObj, newObj) {
			b.removals(oldObj, newObj, childPath(path, key))
		}
		return true
	})
}

// isEntities reports whether key of parent is the entity map of a collection.
func isEntities(parent *tree.Object, key string) bool {
	return key == "entities" && store.IsCollection(parent)
}

// Apply returns base with p applied. The result shares every untouched subtree with base.
func Apply(base *tree.Object, p Patch) *tree.Object {
	if base == nil {
		base = tree.EmptyObject()
	}
	out := merge(base, p.Changed)
	for _, path := range p.Deleted {
		out = remove(out, path)
	}
	return out
}

func merge(base, changes *tree.Object) *tree.Object {
	out := base
	changes.Range(func(key string, value any) bool {
		if incoming, ok := value.(*tree.Object); ok {
			if existing := out.Object(key); existing != nil {
				out = out.With(key, merge(existing, incoming))
				return true
			}
		}
		out = out.With(key, value)
		return true
	})
	return out
}

func remove(root *tree.Object, path tree.Path) *tree.Object {
	if len(path) == 0 || root == nil {
		return root
	}
	if len(path) == 1 {
		return root.Without(path[0])
	}
	child := root.Object(path[0])
	if child == nil {
		return root
	}
	return root.With(path[0], remove(child, path[1:]))
}
