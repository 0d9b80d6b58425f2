package optimistic

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/astromechza/statesync/pkg/store"
)

// ErrReleased is returned by Dispatch after Release.
var ErrReleased = errors.New("dispatcher released")

// Options controls how one action set is sent.
type Options struct {
	// OptimisticKey names the edited field. Sets with a key are shown in the view until the
	// server confirms them, and a newer set under the same key replaces an older one.
	OptimisticKey string
	// Throttle debounces sends under OptimisticKey: the set goes out once no newer set for
	// the key arrived for this long. Without a key the set is sent immediately.
	Throttle time.Duration
}

// ReleasePolicy decides what happens to debounced sets that have not gone out yet.
type ReleasePolicy int

const (
	FlushPending ReleasePolicy = iota
	DropPending
)

// Timer is the part of *time.Timer the dispatcher uses.
type Timer interface {
	Stop() bool
}

type DispatcherOption func(*Dispatcher)

// WithAfterFunc replaces time.AfterFunc, mostly for tests.
func WithAfterFunc(fn func(time.Duration, func()) Timer) DispatcherOption {
	return func(d *Dispatcher) {
		d.afterFunc = fn
	}
}

type pendingSend struct {
	key      string
	updateID string
	actions  []store.Action
	timer    Timer
	gen      uint64
	order    uint64
}

// Dispatcher sends the action sets of one editor. Keys are scoped to the dispatcher, so
// two editors using the same key do not replace each other's predictions.
type Dispatcher struct {
	layer     *Layer
	key       string
	afterFunc func(time.Duration, func()) Timer

	mu       sync.Mutex
	pending  map[string]*pendingSend
	gen      uint64
	released bool
	policy   ReleasePolicy
}

func newDispatcher(l *Layer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		layer: l,
		key:   ulid.Make().String(),
		afterFunc: func(after time.Duration, f func()) Timer {
			return time.AfterFunc(after, f)
		},
		pending: map[string]*pendingSend{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Key returns the dispatcher key that scopes its optimistic keys.
func (d *Dispatcher) Key() string {
	return d.key
}

func (d *Dispatcher) predictionKey(key string) string {
	return d.key + "/" + key
}

func newUpdateID() string {
	return ulid.Make().String()
}

// Dispatch sends actions according to opts. Every call with a key gets a fresh update id.
func (d *Dispatcher) Dispatch(actions []store.Action, opts Options) error {
	if len(actions) == 0 {
		return nil
	}
	d.mu.Lock()
	released := d.released
	d.mu.Unlock()
	if released {
		return ErrReleased
	}

	if opts.OptimisticKey == "" {
		return d.layer.transport.SendActions(actions, "")
	}

	updateID := newUpdateID()
	d.layer.predict(d.predictionKey(opts.OptimisticKey), updateID, actions)

	// predict notifies subscribers, which may have released the dispatcher meanwhile.
	d.mu.Lock()
	if d.released {
		policy := d.policy
		d.mu.Unlock()
		if policy == DropPending {
			d.layer.forget(d.predictionKey(opts.OptimisticKey), updateID)
			return ErrReleased
		}
		return d.send(&pendingSend{key: opts.OptimisticKey, updateID: updateID, actions: actions})
	}

	if opts.Throttle <= 0 {
		if existing, ok := d.pending[opts.OptimisticKey]; ok {
			existing.timer.Stop()
			delete(d.pending, opts.OptimisticKey)
		}
		d.mu.Unlock()
		return d.send(&pendingSend{key: opts.OptimisticKey, updateID: updateID, actions: actions})
	}

	defer d.mu.Unlock()
	d.gen++
	entry, ok := d.pending[opts.OptimisticKey]
	if ok {
		entry.timer.Stop()
	} else {
		entry = &pendingSend{key: opts.OptimisticKey, order: d.gen}
		d.pending[opts.OptimisticKey] = entry
	}
	entry.actions = actions
	entry.updateID = updateID
	entry.gen = d.gen
	gen := d.gen
	entry.timer = d.afterFunc(opts.Throttle, func() { d.fire(opts.OptimisticKey, gen) })
	return nil
}

func (d *Dispatcher) fire(key string, gen uint64) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	if !ok || entry.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	if err := d.send(entry); err != nil {
		d.layer.logger.Warn("failed to send debounced actions", "key", key, "err", err)
	}
}

// take removes the pending sets for keys, or all of them when keys is empty, and stops their
// timers. It returns them in the order they were first scheduled.
func (d *Dispatcher) take(keys ...string) []*pendingSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*pendingSend
	if len(keys) == 0 {
		for k := range d.pending {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		if entry, ok := d.pending[k]; ok {
			entry.timer.Stop()
			delete(d.pending, k)
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Flush sends the pending set for key now.
func (d *Dispatcher) Flush(key string) error {
	var errs []error
	for _, entry := range d.take(key) {
		errs = append(errs, d.send(entry))
	}
	return errors.Join(errs...)
}

// FlushAll sends every pending set now.
func (d *Dispatcher) FlushAll() error {
	var errs []error
	for _, entry := range d.take() {
		errs = append(errs, d.send(entry))
	}
	return errors.Join(errs...)
}

// Release ends the dispatcher. Pending sets are sent or dropped according to policy;
// dropped sets also lose their predictions. A set whose Dispatch is still running follows
// the same policy. Releasing again is a no-op.
func (d *Dispatcher) Release(policy ReleasePolicy) error {
	if policy != FlushPending && policy != DropPending {
		return fmt.Errorf("unknown release policy %d", policy)
	}
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil
	}
	d.released = true
	d.policy = policy
	d.mu.Unlock()

	entries := d.take()
	if policy == DropPending {
		for _, entry := range entries {
			d.layer.forget(d.predictionKey(entry.key), entry.updateID)
		}
		return nil
	}
	var errs []error
	for _, entry := range entries {
		errs = append(errs, d.send(entry))
	}
	return errors.Join(errs...)
}

// Pending returns the number of debounced sets waiting for their timer.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) send(entry *pendingSend) error {
	if err := d.layer.transport.SendActions(entry.actions, entry.updateID); err != nil {
		d.layer.forget(d.predictionKey(entry.key), entry.updateID)
		return fmt.Errorf("failed to send actions: %w", err)
	}
	d.layer.markSent(entry.updateID)
	return nil
}
