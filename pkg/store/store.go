// Package store is the authoritative state store. It owns the canonical tree, applies
// actions through a reducer one dispatch at a time and notifies subscribers.
package store

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/astromechza/statesync/pkg/tree"
)

// Version is one canonical state. Seq increases by one every time the root changes, so
// two versions with the same Seq always hold the same root.
type Version struct {
	Seq  uint64
	Root *tree.Object
}

// Listener is called after every dispatch with the resulting version.
type Listener func(Version)

type Option func(*Store)

// WithLogger sets the logger used for reducer diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithDevelopment turns on reporting of reducer diagnostics and the validator.
func WithDevelopment(enabled bool) Option {
	return func(s *Store) {
		s.development = enabled
	}
}

// WithValidator installs a schema check that runs after each dispatch in development mode.
// Failures are logged, never returned.
func WithValidator(validate func(*tree.Object) error) Option {
	return func(s *Store) {
		s.validate = validate
	}
}

type subscription struct {
	fn Listener
}

type Store struct {
	reducer     Reducer
	logger      *slog.Logger
	development bool
	validate    func(*tree.Object) error

	// mu serialises dispatches and the notification that follows each one.
	mu          sync.Mutex
	current     atomic.Pointer[Version]
	subscribers []*subscription
}

func New(reducer Reducer, initial *tree.Object, opts ...Option) *Store {
	if initial == nil {
		initial = tree.EmptyObject()
	}
	s := &Store{reducer: reducer, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&Version{Seq: 1, Root: initial})
	return s
}

// State returns the current version. It never blocks on a running dispatch.
func (s *Store) State() Version {
	return *s.current.Load()
}

// Root returns the current canonical tree.
func (s *Store) Root() *tree.Object {
	return s.current.Load().Root
}

// Dispatch applies the actions in order and then notifies every subscriber once. Listeners
// run synchronously while the dispatch lock is held, so they must not dispatch themselves.
func (s *Store) Dispatch(actions ...Action) Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	root := prev.Root
	for _, action := range actions {
		root = s.apply(root, action)
	}
	next := prev
	if !tree.Same(root, prev.Root) {
		next = &Version{Seq: prev.Seq + 1, Root: root}
		s.current.Store(next)
	}

	if s.development && s.validate != nil {
		if err := s.validate(next.Root); err != nil {
			s.logger.Error("state failed validation", "seq", next.Seq, "err", err)
		}
	}

	for _, sub := range s.subscribers {
		sub.fn(*next)
	}
	return *next
}

func (s *Store) apply(root *tree.Object, action Action) (out *tree.Object) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reducer panicked", "type", action.Type, "panic", fmt.Sprint(r))
			out = root
		}
	}()
	next, err := s.reducer(root, action)
	if err != nil && s.development {
		s.logger.Warn("reducer rejected action", "type", action.Type, "err", err)
	}
	obj, ok := next.(*tree.Object)
	if !ok || obj == nil {
		s.logger.Error("reducer returned a non-object root", "type", action.Type, "got", fmt.Sprintf("%T", next))
		return root
	}
	return obj
}

// Subscribe registers fn and returns a function that removes it again.
func (s *Store) Subscribe(fn Listener) func() {
	sub := &subscription{fn: fn}
	s.mu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, each := range s.subscribers {
				if each == sub {
					s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}
