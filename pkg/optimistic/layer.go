// Package optimistic shows local edits before the server confirms them. A Layer keeps the
// predicted view: the replica with every unconfirmed action set reduced on top. Dispatchers
// send action sets to the server, either immediately or debounced per edit key.
package optimistic

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/statesync/pkg/patch"
	"github.com/astromechza/statesync/pkg/replica"
	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tree"
)

// Transport delivers an action set to the server. An empty optimisticUpdateID means the
// set carries no prediction to confirm.
type Transport interface {
	SendActions(actions []store.Action, optimisticUpdateID string) error
}

type prediction struct {
	key      string
	updateID string
	actions  []store.Action
}

type Option func(*Layer)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) {
		l.logger = logger
	}
}

type Layer struct {
	replica   *replica.Replica
	reducer   store.Reducer
	transport Transport
	logger    *slog.Logger

	mu          sync.Mutex
	predictions []*prediction
	sent        map[string]bool
	view        *tree.Object
	subscribers []*func(*tree.Object)
}

func NewLayer(r *replica.Replica, reducer store.Reducer, transport Transport, opts ...Option) *Layer {
	l := &Layer{
		replica:   r,
		reducer:   reducer,
		transport: transport,
		logger:    slog.Default(),
		sent:      map[string]bool{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.view = r.State()
	return l
}

// ApplySnapshot replaces the replica and drops the predictions the server confirmed.
func (l *Layer) ApplySnapshot(root *tree.Object, finished []string) {
	l.replica.ApplySnapshot(root)
	l.update(func() { l.removeFinished(finished) })
}

// ApplyPatch patches the replica and drops the predictions the server confirmed.
func (l *Layer) ApplyPatch(p patch.Patch, finished []string) error {
	if err := l.replica.ApplyPatch(p); err != nil {
		return fmt.Errorf("failed to apply patch: %w", err)
	}
	l.update(func() { l.removeFinished(finished) })
	return nil
}

// State returns the predicted view. It is nil until the replica has a snapshot.
func (l *Layer) State() *tree.Object {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view
}

// Pending returns the number of live predictions.
func (l *Layer) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.predictions)
}

// Subscribe registers fn to be called with every new view.
func (l *Layer) Subscribe(fn func(*tree.Object)) func() {
	entry := &fn
	l.mu.Lock()
	l.subscribers = append(l.subscribers, entry)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, each := range l.subscribers {
				if each == entry {
					l.subscribers = append(l.subscribers[:i:i], l.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

// DropSent removes every prediction whose actions went out on a connection that has since
// been lost. The server may or may not have applied them; the next snapshot tells.
func (l *Layer) DropSent() {
	l.update(func() {
		kept := l.predictions[:0:0]
		for _, p := range l.predictions {
			if !l.sent[p.updateID] {
				kept = append(kept, p)
			}
		}
		l.predictions = kept
		l.sent = map[string]bool{}
	})
}

// NewDispatcher returns a dispatcher with its own key space.
func (l *Layer) NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	return newDispatcher(l, opts...)
}

// predict registers actions under key, replacing what the key predicted before.
func (l *Layer) predict(key, updateID string, actions []store.Action) {
	l.update(func() {
		l.removeKey(key)
		l.predictions = append(l.predictions, &prediction{key: key, updateID: updateID, actions: actions})
	})
}

// forget removes the prediction registered under key if it still belongs to updateID.
func (l *Layer) forget(key, updateID string) {
	l.update(func() {
		for _, p := range l.predictions {
			if p.key == key && p.updateID == updateID {
				l.removeKey(key)
				return
			}
		}
	})
}

func (l *Layer) markSent(updateID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.predictions {
		if p.updateID == updateID {
			l.sent[updateID] = true
			return
		}
	}
}

func (l *Layer) removeKey(key string) {
	for i, p := range l.predictions {
		if p.key == key {
			delete(l.sent, p.updateID)
			l.predictions = append(l.predictions[:i:i], l.predictions[i+1:]...)
			return
		}
	}
}

func (l *Layer) removeFinished(finished []string) {
	if len(finished) == 0 {
		return
	}
	done := make(map[string]bool, len(finished))
	for _, id := range finished {
		done[id] = true
		delete(l.sent, id)
	}
	kept := l.predictions[:0:0]
	for _, p := range l.predictions {
		if !done[p.updateID] {
			kept = append(kept, p)
		}
	}
	l.predictions = kept
}

// update runs change under the lock, recomputes the view and notifies subscribers if the
// view changed.
func (l *Layer) update(change func()) {
	l.mu.Lock()
	change()
	view := l.recompute()
	changed := !tree.Same(view, l.view)
	l.view = view
	subs := append([]*func(*tree.Object){}, l.subscribers...)
	l.mu.Unlock()

	if changed {
		for _, fn := range subs {
			(*fn)(view)
		}
	}
}

func (l *Layer) recompute() *tree.Object {
	view := l.replica.State()
	if view == nil {
		return nil
	}
	for _, p := range l.predictions {
		for _, action := range p.actions {
			view = l.apply(view, action)
		}
	}
	return view
}

func (l *Layer) apply(view *tree.Object, action store.Action) (out *tree.Object) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("reducer panicked on prediction", "type", action.Type, "panic", fmt.Sprint(r))
			out = view
		}
	}()
	next, _ := l.reducer(view, action)
	if obj, ok := next.(*tree.Object); ok && obj != nil {
		return obj
	}
	return view
}
