package persist

import (
	"context"
	"sync"

	"github.com/astromechza/statesync/pkg/tree"
)

// Memory keeps the saved state in process.
type Memory struct {
	mu    sync.Mutex
	root  *tree.Object
	saves int
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Save(_ context.Context, root *tree.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = root
	m.saves++
	return nil
}

func (m *Memory) Load(_ context.Context) (*tree.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil {
		return nil, ErrNotFound
	}
	return m.root, nil
}

// Saves returns the number of successful saves.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Close() error {
	return nil
}
