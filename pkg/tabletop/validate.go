package tabletop

import (
	"errors"
	"fmt"

	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tree"
)

var collectionPaths = []tree.Path{
	{"initiativeTracker", "entries"},
	{"players"},
	{"characters"},
	{"logEntries"},
	{"ephemeral", "players"},
	{"ephemeral", "activeMusic"},
}

// Validate checks the shape of a tabletop state. It is meant for development builds, where
// a failure points at a reducer that drifted from the schema.
func Validate(root *tree.Object) error {
	var errs []error
	if v, _ := root.Get("version"); v != float64(LastVersion()) {
		errs = append(errs, fmt.Errorf("version: expected %d, got %v", LastVersion(), v))
	}
	if root.Object("globalSettings") == nil {
		errs = append(errs, errors.New("globalSettings: expected an object"))
	}
	if v, _ := tree.GetPath(root, tree.Path{"initiativeTracker", "visible"}); v != true && v != false {
		errs = append(errs, fmt.Errorf("initiativeTracker.visible: expected a bool, got %T", v))
	}
	switch v, _ := tree.GetPath(root, tree.Path{"initiativeTracker", "currentEntryId"}); v.(type) {
	case nil, string:
	default:
		errs = append(errs, fmt.Errorf("initiativeTracker.currentEntryId: expected a string or null, got %T", v))
	}
	for _, p := range collectionPaths {
		v, _ := tree.GetPath(root, p)
		coll, _ := v.(*tree.Object)
		if err := validateCollection(coll); err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func validateCollection(coll *tree.Object) error {
	if coll == nil || !store.IsCollection(coll) {
		return errors.New("expected an entity collection")
	}
	ids := coll.List("ids")
	entities := coll.Object("entities")
	seen := make(map[string]bool, ids.Len())
	for i := 0; i < ids.Len(); i++ {
		id, ok := ids.At(i).(string)
		if !ok {
			return fmt.Errorf("ids[%d] is not a string", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate id %s", id)
		}
		seen[id] = true
		entity := entities.Object(id)
		if entity == nil {
			return fmt.Errorf("id %s has no entity", id)
		}
		if own, _ := store.EntityID(entity); own != id {
			return fmt.Errorf("entity %s carries id %q", id, own)
		}
	}
	if entities.Len() != len(seen) {
		return fmt.Errorf("%d entities but %d ids", entities.Len(), len(seen))
	}
	return nil
}
