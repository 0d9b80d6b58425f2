// Package tree holds the immutable value tree that the canonical state is made of.
//
// A value is one of nil, bool, float64, string, *List or *Object. Objects and lists are
// never modified after construction: every helper that "changes" one returns a new value
// that shares unchanged children by pointer. This is what lets two versions of the state
// be compared cheaply with Same.
package tree

import (
	"fmt"
	"sort"
)

// Path addresses a value inside a tree, one segment per object key.
type Path []string

// Object is an immutable string keyed record.
type Object struct {
	fields map[string]any
}

var emptyObject = &Object{}

// EmptyObject returns the shared empty object.
func EmptyObject() *Object {
	return emptyObject
}

// NewObject builds an object from normalised values. The map is copied.
func NewObject(fields map[string]any) *Object {
	if len(fields) == 0 {
		return emptyObject
	}
	out := &Object{fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		out.fields[k] = v
	}
	return out
}

// Len returns the number of keys. A nil object is empty.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.fields)
}

// Get returns the value under key.
func (o *Object) Get(key string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.fields[key]
	return v, ok
}

// Object returns the child object under key, or nil if it is absent or not an object.
func (o *Object) Object(key string) *Object {
	v, _ := o.Get(key)
	child, _ := v.(*Object)
	return child
}

// List returns the child list under key, or nil if it is absent or not a list.
func (o *Object) List(key string) *List {
	v, _ := o.Get(key)
	child, _ := v.(*List)
	return child
}

// String returns the string under key.
func (o *Object) String(key string) (string, bool) {
	v, _ := o.Get(key)
	s, ok := v.(string)
	return s, ok
}

// Keys returns the keys in sorted order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	keys := make([]string, 0, len(o.fields))
	for k := range o.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Range calls fn for every key in sorted order until fn returns false.
func (o *Object) Range(fn func(key string, value any) bool) {
	for _, k := range o.Keys() {
		if !fn(k, o.fields[k]) {
			return
		}
	}
}

// With returns an object with key set to value. If the key already holds the same
// value the receiver itself is returned.
func (o *Object) With(key string, value any) *Object {
	if existing, ok := o.Get(key); ok && Same(existing, value) {
		return o
	}
	out := &Object{fields: make(map[string]any, o.Len()+1)}
	if o != nil {
		for k, v := range o.fields {
			out.fields[k] = v
		}
	}
	out.fields[key] = value
	return out
}

// Without returns an object without key. If the key is absent the receiver is returned.
func (o *Object) Without(key string) *Object {
	if _, ok := o.Get(key); !ok {
		return o
	}
	if o.Len() == 1 {
		return emptyObject
	}
	out := &Object{fields: make(map[string]any, o.Len()-1)}
	for k, v := range o.fields {
		if k != key {
			out.fields[k] = v
		}
	}
	return out
}

// Merge shallow-merges changes into the receiver. Keys whose values are already Same are
// skipped so that an update that changes nothing keeps the receiver's identity.
func (o *Object) Merge(changes *Object) *Object {
	out := o
	changes.Range(func(k string, v any) bool {
		out = out.With(k, v)
		return true
	})
	return out
}

// List is an immutable ordered sequence.
type List struct {
	items []any
}

var emptyList = &List{}

// EmptyList returns the shared empty list.
func EmptyList() *List {
	return emptyList
}

// NewList builds a list from normalised values. The items are copied.
func NewList(items ...any) *List {
	if len(items) == 0 {
		return emptyList
	}
	return &List{items: append([]any(nil), items...)}
}

// Len returns the number of items. A nil list is empty.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

// At returns the item at index i.
func (l *List) At(i int) any {
	return l.items[i]
}

// Items returns a copy of the items.
func (l *List) Items() []any {
	if l == nil {
		return nil
	}
	return append([]any(nil), l.items...)
}

// Index returns the position of the first item Same as v, or -1.
func (l *List) Index(v any) int {
	for i := 0; i < l.Len(); i++ {
		if Same(l.items[i], v) {
			return i
		}
	}
	return -1
}

// Append returns a new list with v appended.
func (l *List) Append(v any) *List {
	out := &List{items: make([]any, 0, l.Len()+1)}
	if l != nil {
		out.items = append(out.items, l.items...)
	}
	out.items = append(out.items, v)
	return out
}

// RemoveAt returns a new list without the item at index i.
func (l *List) RemoveAt(i int) *List {
	if i < 0 || i >= l.Len() {
		return l
	}
	if l.Len() == 1 {
		return emptyList
	}
	out := &List{items: make([]any, 0, l.Len()-1)}
	out.items = append(out.items, l.items[:i]...)
	out.items = append(out.items, l.items[i+1:]...)
	return out
}

// Same reports whether a and b are the same value without looking inside containers.
// Objects and lists compare by pointer, primitives by value.
func Same(a, b any) bool {
	return a == b
}

// Equal reports whether a and b are structurally equal.
func Equal(a, b any) bool {
	if Same(a, b) {
		return true
	}
	switch av := a.(type) {
	case *Object:
		bv, ok := b.(*Object)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		for k, v := range av.fields {
			other, ok := bv.fields[k]
			if !ok || !Equal(v, other) {
				return false
			}
		}
		return true
	case *List:
		bv, ok := b.(*List)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		for i := range av.items {
			if !Equal(av.items[i], bv.items[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// GetPath walks p from root and returns the value found there.
func GetPath(root *Object, p Path) (any, bool) {
	var cur any = root
	for _, segment := range p {
		obj, ok := cur.(*Object)
		if !ok {
			return nil, false
		}
		if cur, ok = obj.Get(segment); !ok {
			return nil, false
		}
	}
	return cur, true
}

// FromGo normalises a plain Go value into a tree value. Maps become objects, slices
// become lists and all numbers become float64. Values that are already tree values are
// returned as they are.
func FromGo(v any) (any, error) {
	switch tv := v.(type) {
	case nil, bool, string, float64, *Object, *List:
		return tv, nil
	case float32:
		return float64(tv), nil
	case int:
		return float64(tv), nil
	case int8:
		return float64(tv), nil
	case int16:
		return float64(tv), nil
	case int32:
		return float64(tv), nil
	case int64:
		return float64(tv), nil
	case uint:
		return float64(tv), nil
	case uint8:
		return float64(tv), nil
	case uint16:
		return float64(tv), nil
	case uint32:
		return float64(tv), nil
	case uint64:
		return float64(tv), nil
	case map[string]any:
		out := &Object{fields: make(map[string]any, len(tv))}
		for k, child := range tv {
			nv, err := FromGo(child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out.fields[k] = nv
		}
		if len(out.fields) == 0 {
			return emptyObject, nil
		}
		return out, nil
	case []any:
		out := &List{items: make([]any, len(tv))}
		for i, child := range tv {
			nv, err := FromGo(child)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out.items[i] = nv
		}
		if len(out.items) == 0 {
			return emptyList, nil
		}
		return out, nil
	case []string:
		items := make([]any, len(tv))
		for i, s := range tv {
			items[i] = s
		}
		return NewList(items...), nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", v)
	}
}

// MustFromGo is FromGo for literals known to be valid, mostly in tests and initial states.
func MustFromGo(v any) any {
	out, err := FromGo(v)
	if err != nil {
		panic(err)
	}
	return out
}

// ObjectFromGo normalises m into an object.
func ObjectFromGo(m map[string]any) (*Object, error) {
	v, err := FromGo(m)
	if err != nil {
		return nil, err
	}
	return v.(*Object), nil
}

// MustObject is ObjectFromGo that panics on error.
func MustObject(m map[string]any) *Object {
	o, err := ObjectFromGo(m)
	if err != nil {
		panic(err)
	}
	return o
}

// ToGo converts a tree value back into plain maps and slices.
func ToGo(v any) any {
	switch tv := v.(type) {
	case *Object:
		out := make(map[string]any, tv.Len())
		if tv != nil {
			for k, child := range tv.fields {
				out[k] = ToGo(child)
			}
		}
		return out
	case *List:
		out := make([]any, tv.Len())
		for i := 0; i < tv.Len(); i++ {
			out[i] = ToGo(tv.items[i])
		}
		return out
	default:
		return tv
	}
}
