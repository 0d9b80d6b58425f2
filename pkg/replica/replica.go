// Package replica holds a client's copy of the canonical state, kept current by the
// snapshots and patches the server sends.
package replica

import (
	"errors"
	"sync"

	"github.com/astromechza/statesync/pkg/patch"
	"github.com/astromechza/statesync/pkg/tree"
)

// ErrNoSnapshot is returned when a patch arrives before the first snapshot.
var ErrNoSnapshot = errors.New("no snapshot received yet")

type Replica struct {
	mu          sync.Mutex
	state       *tree.Object
	subscribers []*func(*tree.Object)
}

func New() *Replica {
	return &Replica{}
}

// ApplySnapshot replaces the whole replica.
func (r *Replica) ApplySnapshot(root *tree.Object) {
	if root == nil {
		root = tree.EmptyObject()
	}
	r.mu.Lock()
	r.state = root
	subs := r.snapshotSubscribers()
	r.mu.Unlock()
	notify(subs, root)
}

// ApplyPatch applies p on top of the current state.
func (r *Replica) ApplyPatch(p patch.Patch) error {
	r.mu.Lock()
	if r.state == nil {
		r.mu.Unlock()
		return ErrNoSnapshot
	}
	r.state = patch.Apply(r.state, p)
	state := r.state
	subs := r.snapshotSubscribers()
	r.mu.Unlock()
	notify(subs, state)
	return nil
}

// State returns the current replica. It is nil until the first snapshot.
func (r *Replica) State() *tree.Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Ready reports whether a snapshot has been received.
func (r *Replica) Ready() bool {
	return r.State() != nil
}

// Reset forgets the state, for example after the connection to the server was lost.
func (r *Replica) Reset() {
	r.mu.Lock()
	r.state = nil
	r.mu.Unlock()
}

// Subscribe registers fn to be called after each applied message.
func (r *Replica) Subscribe(fn func(*tree.Object)) func() {
	entry := &fn
	r.mu.Lock()
	r.subscribers = append(r.subscribers, entry)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, each := range r.subscribers {
				if each == entry {
					r.subscribers = append(r.subscribers[:i:i], r.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Replica) snapshotSubscribers() []*func(*tree.Object) {
	return append([]*func(*tree.Object){}, r.subscribers...)
}

func notify(subs []*func(*tree.Object), state *tree.Object) {
	for _, fn := range subs {
		(*fn)(state)
	}
}
