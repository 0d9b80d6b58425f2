// Package protocol defines the messages exchanged between the state server and its
// clients. Every message is one JSON object in one websocket text frame.
package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/astromechza/statesync/pkg/patch"
	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tree"
)

type Type string

const (
	TypeSetState     Type = "SET_STATE"
	TypePatchState   Type = "PATCH_STATE"
	TypeServerInfo   Type = "SERVER_INFO"
	TypeBroadcastMsg Type = "BROADCAST_MSG"
	TypeAction       Type = "ACTION"
	TypeSetPlayerID  Type = "SET_PLAYER_ID"
)

// ErrUnknownType is returned by Decode for messages of a type this package does not know.
var ErrUnknownType = errors.New("unknown message type")

// Message is the envelope of every frame. Only the fields of its Type are set.
type Message struct {
	Type Type `json:"type"`

	// SET_STATE
	State *tree.Object `json:"state,omitempty"`
	// PATCH_STATE
	Patch *patch.Patch `json:"patch,omitempty"`
	// SET_STATE and PATCH_STATE
	FinishedOptimisticUpdateIDs []string `json:"finishedOptimisticUpdateIds,omitempty"`

	// SERVER_INFO
	Version string `json:"version,omitempty"`

	// BROADCAST_MSG
	Payload json.RawMessage `json:"message,omitempty"`

	// ACTION
	Action             *store.Action  `json:"action,omitempty"`
	Actions            []store.Action `json:"actions,omitempty"`
	OptimisticUpdateID string         `json:"optimisticUpdateId,omitempty"`

	// SET_PLAYER_ID
	PlayerID *string `json:"playerId,omitempty"`
}

func SetState(root *tree.Object, finished []string) Message {
	return Message{Type: TypeSetState, State: root, FinishedOptimisticUpdateIDs: finished}
}

func PatchState(p patch.Patch, finished []string) Message {
	return Message{Type: TypePatchState, Patch: &p, FinishedOptimisticUpdateIDs: finished}
}

func ServerInfo(version string) Message {
	return Message{Type: TypeServerInfo, Version: version}
}

func Broadcast(payload json.RawMessage) Message {
	return Message{Type: TypeBroadcastMsg, Payload: payload}
}

// ActionSet builds an ACTION message. A single action uses the "action" field, more than
// one use "actions".
func ActionSet(actions []store.Action, optimisticUpdateID string) Message {
	m := Message{Type: TypeAction, OptimisticUpdateID: optimisticUpdateID}
	if len(actions) == 1 {
		m.Action = &actions[0]
	} else {
		m.Actions = actions
	}
	return m
}

func SetPlayerID(playerID string) Message {
	return Message{Type: TypeSetPlayerID, PlayerID: &playerID}
}

// AllActions returns the actions of an ACTION message in order.
func (m Message) AllActions() []store.Action {
	if m.Action != nil {
		return append([]store.Action{*m.Action}, m.Actions...)
	}
	return m.Actions
}

func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses one frame and checks that the fields its type requires are present.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	switch m.Type {
	case TypeSetState:
		if m.State == nil {
			return Message{}, fmt.Errorf("%s without state", m.Type)
		}
	case TypePatchState:
		if m.Patch == nil {
			return Message{}, fmt.Errorf("%s without patch", m.Type)
		}
		if m.Patch.Changed == nil {
			m.Patch.Changed = tree.EmptyObject()
		}
	case TypeAction:
		if len(m.AllActions()) == 0 {
			return Message{}, fmt.Errorf("%s without actions", m.Type)
		}
	case TypeSetPlayerID:
		if m.PlayerID == nil {
			return Message{}, fmt.Errorf("%s without playerId", m.Type)
		}
	case TypeServerInfo, TypeBroadcastMsg:
	default:
		return Message{}, fmt.Errorf("%q: %w", m.Type, ErrUnknownType)
	}
	return m, nil
}
