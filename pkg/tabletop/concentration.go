package tabletop

import (
	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tree"
)

const concentrationKey = "currentlyConcentratingOn"

// withConcentration wraps the root reducer so that moving the initiative tracker to another
// entry ends expired concentration spells of the characters whose turn is ending and counts
// down the spells of the characters whose turn is starting.
func withConcentration(next store.Reducer) store.Reducer {
	return func(state any, action store.Action) (any, error) {
		if action.Type != InitiativeCurrentEntry.Type {
			return next(state, action)
		}
		root, _ := state.(*tree.Object)
		target, _ := action.Payload.(string)
		current, _ := root.Object("initiativeTracker").String("currentEntryId")
		if target == "" || current == "" || current == target || currentEntry(root) == nil {
			return next(state, action)
		}

		root = forEachCharacterInCurrentEntry(root, func(character *tree.Object) *tree.Object {
			spell := character.Object(concentrationKey)
			if spell == nil {
				return character
			}
			if left, _ := spell.Get("roundsLeft"); asNumber(left) <= 0 {
				return character.With(concentrationKey, nil)
			}
			return character
		})

		out, err := next(root, action)
		root, _ = out.(*tree.Object)

		root = forEachCharacterInCurrentEntry(root, func(character *tree.Object) *tree.Object {
			spell := character.Object(concentrationKey)
			if spell == nil {
				return character
			}
			left, _ := spell.Get("roundsLeft")
			return character.With(concentrationKey, spell.With("roundsLeft", asNumber(left)-1))
		})
		return root, err
	}
}

func currentEntry(root *tree.Object) *tree.Object {
	tracker := root.Object("initiativeTracker")
	id, ok := tracker.String("currentEntryId")
	if !ok {
		return nil
	}
	return store.Entity(tracker.Object("entries"), id)
}

func forEachCharacterInCurrentEntry(root *tree.Object, fn func(*tree.Object) *tree.Object) *tree.Object {
	entry := currentEntry(root)
	if entry == nil {
		return root
	}
	if kind, _ := entry.String("type"); kind == "lairAction" {
		return root
	}
	ids := entry.List("characterIds")
	characters := root.Object("characters")
	for i := 0; i < ids.Len(); i++ {
		id, _ := ids.At(i).(string)
		character := store.Entity(characters, id)
		if character == nil {
			continue
		}
		if updated := fn(character); !tree.Same(updated, character) {
			characters = characters.With("entities", characters.Object("entities").With(id, updated))
		}
	}
	return root.With("characters", characters)
}

func asNumber(v any) float64 {
	n, _ := v.(float64)
	return n
}
