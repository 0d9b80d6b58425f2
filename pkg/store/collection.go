package store

import (
	"errors"
	"fmt"

	"github.com/astromechza/statesync/pkg/tree"
)

// ErrDuplicateID is reported when adding an entity whose id is already in the collection.
var ErrDuplicateID = errors.New("entity id already exists")

const (
	idsKey      = "ids"
	entitiesKey = "entities"
	idField     = "id"
)

// NewCollection returns an empty normalised entity collection.
func NewCollection() *tree.Object {
	return tree.EmptyObject().
		With(idsKey, tree.EmptyList()).
		With(entitiesKey, tree.EmptyObject())
}

func collectionParts(coll *tree.Object) (*tree.List, *tree.Object) {
	ids := coll.List(idsKey)
	if ids == nil {
		ids = tree.EmptyList()
	}
	entities := coll.Object(entitiesKey)
	if entities == nil {
		entities = tree.EmptyObject()
	}
	return ids, entities
}

// IsCollection reports whether obj has the shape of an entity collection.
func IsCollection(obj *tree.Object) bool {
	return obj.Len() == 2 && obj.List(idsKey) != nil && obj.Object(entitiesKey) != nil
}

// EntityID returns the id field of an entity.
func EntityID(entity *tree.Object) (string, bool) {
	id, ok := entity.String(idField)
	return id, ok && id != ""
}

// AddOne appends entity to the collection. If an entity with the same id exists the
// collection is returned unchanged together with ErrDuplicateID.
func AddOne(coll *tree.Object, entity *tree.Object) (*tree.Object, error) {
	id, ok := EntityID(entity)
	if !ok {
		return coll, fmt.Errorf("entity has no id: %w", ErrMalformedPayload)
	}
	ids, entities := collectionParts(coll)
	if _, exists := entities.Get(id); exists {
		return coll, fmt.Errorf("%s: %w", id, ErrDuplicateID)
	}
	if coll == nil {
		coll = tree.EmptyObject()
	}
	return coll.
		With(idsKey, ids.Append(id)).
		With(entitiesKey, entities.With(id, entity)), nil
}

// UpdateOne shallow-merges changes into the entity with the given id. Missing ids and
// changes that alter nothing return the collection itself. The id field cannot be changed.
func UpdateOne(coll *tree.Object, id string, changes *tree.Object) *tree.Object {
	_, entities := collectionParts(coll)
	entity := entities.Object(id)
	if entity == nil {
		return coll
	}
	merged := entity.Merge(changes.Without(idField))
	if tree.Same(merged, entity) {
		return coll
	}
	return coll.With(entitiesKey, entities.With(id, merged))
}

// RemoveOne drops the entity with the given id.
func RemoveOne(coll *tree.Object, id string) *tree.Object {
	ids, entities := collectionParts(coll)
	if _, ok := entities.Get(id); !ok {
		return coll
	}
	return coll.
		With(idsKey, ids.RemoveAt(ids.Index(id))).
		With(entitiesKey, entities.Without(id))
}

// Entity returns the entity with the given id, or nil.
func Entity(coll *tree.Object, id string) *tree.Object {
	_, entities := collectionParts(coll)
	return entities.Object(id)
}

// Entities returns the entities in insertion order.
func Entities(coll *tree.Object) []*tree.Object {
	ids, entities := collectionParts(coll)
	out := make([]*tree.Object, 0, ids.Len())
	for i := 0; i < ids.Len(); i++ {
		id, _ := ids.At(i).(string)
		if e := entities.Object(id); e != nil {
			out = append(out, e)
		}
	}
	return out
}

// EntityCollection reduces "<Prefix>/add", "<Prefix>/update" and "<Prefix>/remove" into a
// normalised collection slice.
type EntityCollection struct {
	Prefix string
}

func (c EntityCollection) AddType() string    { return c.Prefix + "/add" }
func (c EntityCollection) UpdateType() string { return c.Prefix + "/update" }
func (c EntityCollection) RemoveType() string { return c.Prefix + "/remove" }

// Add builds the add action. The entity must carry an "id" field.
func (c EntityCollection) Add(entity map[string]any) Action {
	return NewAction(c.AddType(), entity)
}

// Update builds the update action.
func (c EntityCollection) Update(id string, changes map[string]any) Action {
	return NewAction(c.UpdateType(), map[string]any{"id": id, "changes": changes})
}

// Remove builds the remove action.
func (c EntityCollection) Remove(id string) Action {
	return NewAction(c.RemoveType(), id)
}

// Slice places the collection under key with an empty initial value.
func (c EntityCollection) Slice(key string) Slice {
	return Slice{Key: key, Initial: NewCollection(), Reduce: c.Reduce}
}

func (c EntityCollection) Reduce(state any, action Action) (any, error) {
	coll, _ := state.(*tree.Object)
	if coll == nil {
		coll = NewCollection()
	}
	switch action.Type {
	case c.AddType():
		entity, ok := action.Payload.(*tree.Object)
		if !ok {
			return state, fmt.Errorf("%s: %w", action.Type, ErrMalformedPayload)
		}
		next, err := AddOne(coll, entity)
		if err != nil {
			return state, fmt.Errorf("%s: %w", action.Type, err)
		}
		return next, nil
	case c.UpdateType():
		update, ok := action.Payload.(*tree.Object)
		if !ok {
			return state, fmt.Errorf("%s: %w", action.Type, ErrMalformedPayload)
		}
		id, _ := update.String("id")
		changes := update.Object("changes")
		if id == "" || changes == nil {
			return state, fmt.Errorf("%s: %w", action.Type, ErrMalformedPayload)
		}
		return UpdateOne(coll, id, changes), nil
	case c.RemoveType():
		id, ok := action.Payload.(string)
		if !ok {
			return state, fmt.Errorf("%s: %w", action.Type, ErrMalformedPayload)
		}
		return RemoveOne(coll, id), nil
	default:
		return state, nil
	}
}
