package store

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/astromechza/statesync/pkg/tree"
)

// Action describes one intended mutation of the canonical state.
type Action struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// NewAction builds an action, normalising payload into a tree value. It panics if the
// payload holds a value that has no tree representation, which is a programming error.
func NewAction(actionType string, payload any) Action {
	return Action{Type: actionType, Payload: tree.MustFromGo(payload)}
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode action: %w", err)
	}
	if raw.Type == "" {
		return fmt.Errorf("action has no type")
	}
	a.Type = raw.Type
	a.Payload = nil
	if len(raw.Payload) > 0 {
		payload, err := tree.Decode(raw.Payload)
		if err != nil {
			return fmt.Errorf("failed to decode payload of %s: %w", raw.Type, err)
		}
		a.Payload = payload
	}
	return nil
}
