// Package persist saves and loads the authoritative state tree.
package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/astromechza/statesync/pkg/tree"
)

// DefaultStoreID names the store when none is configured.
const DefaultStoreID = "default"

// ErrNotFound is returned by Load when nothing has been saved for the store yet.
var ErrNotFound = errors.New("state not found")

// Persister keeps the content of one store.
type Persister interface {
	Save(ctx context.Context, root *tree.Object) error
	Load(ctx context.Context) (*tree.Object, error)
	Close() error
}

// Open picks a backend by the scheme of dsn: redis:// and rediss:// use redis, postgres://
// and postgresql:// use postgres, memory: keeps the state in process, and anything else is
// a sqlite path with an optional sqlite: prefix.
func Open(ctx context.Context, dsn string, storeID string) (Persister, error) {
	if storeID == "" {
		storeID = DefaultStoreID
	}
	switch {
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return OpenRedis(ctx, dsn, storeID)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn, storeID)
	case dsn == "memory:":
		return NewMemory(), nil
	case dsn == "":
		return nil, fmt.Errorf("empty persistence dsn")
	default:
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite:"), storeID)
	}
}

func encode(root *tree.Object) (string, error) {
	raw, err := tree.Encode(root)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	return string(raw), nil
}

func decode(content string) (*tree.Object, error) {
	root, err := tree.DecodeObject([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return root, nil
}
