package tabletop

import (
	"fmt"

	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tree"
)

// Migration upgrades a persisted state to Version.
type Migration struct {
	Version int
	Name    string
	Migrate func(*tree.Object) (*tree.Object, error)
}

var migrations = []Migration{
	{Version: 1, Name: "ephemeral", Migrate: func(root *tree.Object) (*tree.Object, error) {
		return root.Without("ephermal").With("ephemeral", EmptyEphemeral()), nil
	}},
	{Version: 2, Name: "hp adjustments", Migrate: func(root *tree.Object) (*tree.Object, error) {
		return mapCharacters(root, func(c *tree.Object) *tree.Object {
			return withDefault(withDefault(c, "temporaryHP", 0.0), "maxHPAdjustment", 0.0)
		}), nil
	}},
	{Version: 3, Name: "character notes", Migrate: func(root *tree.Object) (*tree.Object, error) {
		return mapCharacters(root, func(c *tree.Object) *tree.Object {
			return withDefault(c, "notes", "")
		}), nil
	}},
	{Version: 4, Name: "concentration", Migrate: func(root *tree.Object) (*tree.Object, error) {
		return mapCharacters(root, func(c *tree.Object) *tree.Object {
			return withDefault(c, concentrationKey, nil)
		}), nil
	}},
}

// LastVersion is the version a fully migrated state carries.
func LastVersion() int {
	return migrations[len(migrations)-1].Version
}

// Prepare turns a loaded state into one the current reducers can work with. It runs every
// migration newer than the stored version, fills slices that the stored state lacks and
// resets the connection bound ephemeral slice.
func Prepare(loaded *tree.Object) (*tree.Object, error) {
	if loaded == nil {
		return InitialState(), nil
	}
	root, err := migrate(loaded)
	if err != nil {
		return nil, err
	}
	InitialState().Range(func(key string, value any) bool {
		if _, ok := root.Get(key); !ok {
			root = root.With(key, value)
		}
		return true
	})
	return root.With("ephemeral", EmptyEphemeral()), nil
}

func migrate(root *tree.Object) (*tree.Object, error) {
	raw, ok := root.Get("version")
	version := 0
	if ok {
		n, isNumber := raw.(float64)
		if !isNumber || n != float64(int(n)) || n < 0 {
			return nil, fmt.Errorf("stored state has an invalid version %v", raw)
		}
		version = int(n)
	}
	if version > LastVersion() {
		return nil, fmt.Errorf("stored state version %d is newer than the supported version %d", version, LastVersion())
	}
	for _, m := range migrations {
		if m.Version <= version {
			continue
		}
		next, err := m.Migrate(root)
		if err != nil {
			return nil, fmt.Errorf("failed to run migration %d (%s): %w", m.Version, m.Name, err)
		}
		root = next.With("version", float64(m.Version))
	}
	return root, nil
}

func mapCharacters(root *tree.Object, fn func(*tree.Object) *tree.Object) *tree.Object {
	coll := root.Object("characters")
	if coll == nil {
		return root
	}
	for _, c := range store.Entities(coll) {
		id, _ := store.EntityID(c)
		if updated := fn(c); !tree.Same(updated, c) {
			coll = coll.With("entities", coll.Object("entities").With(id, updated))
		}
	}
	return root.With("characters", coll)
}

func withDefault(obj *tree.Object, key string, value any) *tree.Object {
	if _, ok := obj.Get(key); ok {
		return obj
	}
	return obj.With(key, value)
}
