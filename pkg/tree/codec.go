package tree

import (
	"fmt"

	"github.com/goccy/go-json"
)

func (o *Object) MarshalJSON() ([]byte, error) {
	if o.Len() == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(o.fields)
}

func (o *Object) UnmarshalJSON(data []byte) error {
	v, err := Decode(data)
	if err != nil {
		return err
	}
	switch tv := v.(type) {
	case *Object:
		o.fields = tv.fields
	case nil:
		o.fields = nil
	default:
		return fmt.Errorf("expected a json object, got %T", v)
	}
	return nil
}

func (l *List) MarshalJSON() ([]byte, error) {
	if l.Len() == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(l.items)
}

func (l *List) UnmarshalJSON(data []byte) error {
	v, err := Decode(data)
	if err != nil {
		return err
	}
	switch tv := v.(type) {
	case *List:
		l.items = tv.items
	case nil:
		l.items = nil
	default:
		return fmt.Errorf("expected a json array, got %T", v)
	}
	return nil
}

// Decode parses a JSON document into a tree value.
func Decode(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w", err)
	}
	return FromGo(raw)
}

// DecodeObject parses a JSON document that must be an object.
func DecodeObject(data []byte) (*Object, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	o, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("expected a json object, got %T", v)
	}
	return o, nil
}

// Encode renders a tree value as JSON.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
