package store

import (
	"errors"
	"fmt"

	"github.com/astromechza/statesync/pkg/tree"
)

// Reducer computes the next value of a slice of state. It must be pure and it must return
// its input unchanged for actions it does not handle. The error is a diagnostic only: the
// returned value is always used, and the store reports the error in development mode.
type Reducer func(state any, action Action) (any, error)

// ErrMalformedPayload is reported when a handled action carries a payload of the wrong shape.
var ErrMalformedPayload = errors.New("malformed payload")

// Slice places a reducer under a key of an object.
type Slice struct {
	Key     string
	Initial any
	Reduce  Reducer
}

// Combine builds a reducer for an object whose keys are each owned by one slice reducer.
// Keys that no slice owns are carried over untouched.
func Combine(slices ...Slice) Reducer {
	return func(state any, action Action) (any, error) {
		obj, _ := state.(*tree.Object)
		var errs []error
		for _, s := range slices {
			cur, ok := obj.Get(s.Key)
			if !ok {
				cur = s.Initial
			}
			next, err := s.Reduce(cur, action)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.Key, err))
			}
			obj = obj.With(s.Key, next)
		}
		return obj, errors.Join(errs...)
	}
}

// InitialState returns the object made of every slice's initial value.
func InitialState(slices ...Slice) *tree.Object {
	obj := tree.EmptyObject()
	for _, s := range slices {
		obj = obj.With(s.Key, s.Initial)
	}
	return obj
}

// Record shallow-merges the payload of "<Prefix>/update" into an object slice.
type Record struct {
	Prefix string
}

func (r Record) UpdateType() string {
	return r.Prefix + "/update"
}

// Update builds the update action.
func (r Record) Update(changes map[string]any) Action {
	return NewAction(r.UpdateType(), changes)
}

func (r Record) Reduce(state any, action Action) (any, error) {
	if action.Type != r.UpdateType() {
		return state, nil
	}
	changes, ok := action.Payload.(*tree.Object)
	if !ok {
		return state, fmt.Errorf("%s: %w", action.Type, ErrMalformedPayload)
	}
	obj, _ := state.(*tree.Object)
	if obj == nil {
		obj = tree.EmptyObject()
	}
	return obj.Merge(changes), nil
}

// Value replaces a scalar slice with the payload of one action type.
type Value struct {
	Type string
}

// Set builds the action that replaces the value.
func (v Value) Set(value any) Action {
	return NewAction(v.Type, value)
}

func (v Value) Reduce(state any, action Action) (any, error) {
	if action.Type != v.Type {
		return state, nil
	}
	return action.Payload, nil
}

// Constant is a slice reducer that never changes its value.
func Constant(state any, _ Action) (any, error) {
	return state, nil
}
