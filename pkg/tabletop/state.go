// Package tabletop defines the replicated tabletop state: its slices, reducers, the
// migrations applied to persisted states and the development schema check.
package tabletop

import (
	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tree"
)

var (
	GlobalSettings = store.Record{Prefix: "globalSettings"}

	InitiativeVisible      = store.Value{Type: "initiativeTracker/setVisible"}
	InitiativeCurrentEntry = store.Value{Type: "initiativeTracker/setCurrentEntry"}
	InitiativeEntries      = store.EntityCollection{Prefix: "initiativeTrackerEntry"}

	Players    = store.EntityCollection{Prefix: "player"}
	Characters = store.EntityCollection{Prefix: "character"}
	LogEntries = store.EntityCollection{Prefix: "logEntry"}

	EphemeralPlayers = store.EntityCollection{Prefix: "ephemeral/player"}
	EphemeralMusic   = store.EntityCollection{Prefix: "ephemeral/music"}
)

func initiativeSlices() []store.Slice {
	return []store.Slice{
		{Key: "visible", Initial: false, Reduce: InitiativeVisible.Reduce},
		{Key: "currentEntryId", Initial: nil, Reduce: InitiativeCurrentEntry.Reduce},
		InitiativeEntries.Slice("entries"),
	}
}

func ephemeralSlices() []store.Slice {
	return []store.Slice{
		EphemeralPlayers.Slice("players"),
		EphemeralMusic.Slice("activeMusic"),
	}
}

func slices() []store.Slice {
	return []store.Slice{
		{Key: "version", Initial: float64(LastVersion()), Reduce: store.Constant},
		{Key: "globalSettings", Initial: tree.MustObject(map[string]any{"musicIsGMOnly": false}), Reduce: GlobalSettings.Reduce},
		{Key: "initiativeTracker", Initial: store.InitialState(initiativeSlices()...), Reduce: store.Combine(initiativeSlices()...)},
		Players.Slice("players"),
		Characters.Slice("characters"),
		LogEntries.Slice("logEntries"),
		{Key: "ephemeral", Initial: EmptyEphemeral(), Reduce: store.Combine(ephemeralSlices()...)},
	}
}

// InitialState returns a fresh tabletop.
func InitialState() *tree.Object {
	return store.InitialState(slices()...)
}

// EmptyEphemeral returns the connection bound part of the state with nobody connected.
func EmptyEphemeral() *tree.Object {
	return store.InitialState(ephemeralSlices()...)
}

// Reducer returns the root reducer of the tabletop.
func Reducer() store.Reducer {
	return withConcentration(store.Combine(slices()...))
}

// SetPlayerOnline adds the ephemeral entry for a connected player.
func SetPlayerOnline(playerID string) store.Action {
	return EphemeralPlayers.Add(map[string]any{
		"id":             playerID,
		"isOnline":       true,
		"mapMouse":       nil,
		"measurePath":    []any{},
		"tokenPathDebug": nil,
	})
}

// SetPlayerOffline removes the ephemeral entry for a player.
func SetPlayerOffline(playerID string) store.Action {
	return EphemeralPlayers.Remove(playerID)
}

// Presence keeps the ephemeral players slice in step with connected sessions.
type Presence struct{}

func (Presence) Join(root *tree.Object, playerID string) []store.Action {
	if IsPlayerOnline(root, playerID) {
		return nil
	}
	return []store.Action{SetPlayerOnline(playerID)}
}

func (Presence) Leave(root *tree.Object, playerID string) []store.Action {
	if !IsPlayerOnline(root, playerID) {
		return nil
	}
	return []store.Action{SetPlayerOffline(playerID)}
}

// IsPlayerOnline reports whether root holds an ephemeral entry for playerID.
func IsPlayerOnline(root *tree.Object, playerID string) bool {
	return store.Entity(root.Object("ephemeral").Object("players"), playerID) != nil
}
