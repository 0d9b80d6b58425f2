// Package replication keeps connected clients in step with the authoritative store. Each
// connection is a session that remembers the last version it was sent; after every change
// the manager sends each session the patch from that version to the current one.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/statesync/pkg/patch"
	"github.com/astromechza/statesync/pkg/protocol"
	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/tree"
)

// ErrSessionClosed is returned for operations on a session that has been disconnected.
var ErrSessionClosed = errors.New("session closed")

// DefaultThrottle is how long the broadcast loop waits after a change before sending, so
// that bursts of dispatches go out as one round.
const DefaultThrottle = 100 * time.Millisecond

// Sender delivers encoded frames to one client. Send must not block: a slow or dead
// client has to return an error instead.
type Sender interface {
	Send(data []byte) error
	Close() error
}

// Presence turns a player joining or leaving into store actions. Join is called when a
// session binds a player, Leave when the last session of a player goes away. Both run with
// the manager lock held and must not call back into the manager.
type Presence interface {
	Join(root *tree.Object, playerID string) []store.Action
	Leave(root *tree.Object, playerID string) []store.Action
}

type Session struct {
	ID     ulid.ULID
	sender Sender

	// guarded by Manager.mu
	lastSent *store.Version
	playerID string
	finished []string
	closed   bool
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithThrottle sets the broadcast coalescing window. Zero broadcasts on every change.
func WithThrottle(d time.Duration) Option {
	return func(m *Manager) {
		m.throttle = d
	}
}

// WithServerVersion sets the version announced in SERVER_INFO.
func WithServerVersion(version string) Option {
	return func(m *Manager) {
		m.serverVersion = version
	}
}

func WithPresence(p Presence) Option {
	return func(m *Manager) {
		m.presence = p
	}
}

type Manager struct {
	store         *store.Store
	logger        *slog.Logger
	throttle      time.Duration
	serverVersion string
	presence      Presence

	mu       sync.Mutex
	sessions map[ulid.ULID]*Session
	cache    *patchCache

	changed     chan struct{}
	unsubscribe func()
}

func NewManager(s *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:         s,
		logger:        slog.Default(),
		throttle:      DefaultThrottle,
		serverVersion: "dev",
		sessions:      map[ulid.ULID]*Session{},
		cache:         newPatchCache(),
		changed:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unsubscribe = s.Subscribe(func(store.Version) {
		m.notify()
	})
	return m
}

func (m *Manager) notify() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// Connect registers a new session and sends it the server info and a full snapshot.
func (m *Manager) Connect(sender Sender) (*Session, error) {
	session := &Session{ID: ulid.Make(), sender: sender}

	m.mu.Lock()
	current := m.store.State()
	err := m.send(session, protocol.ServerInfo(m.serverVersion))
	if err == nil {
		err = m.send(session, protocol.SetState(current.Root, nil))
	}
	if err != nil {
		m.mu.Unlock()
		_ = sender.Close()
		return nil, fmt.Errorf("failed to send initial state: %w", err)
	}
	m.advance(session, current)
	m.sessions[session.ID] = session
	mSessions.Inc()
	m.mu.Unlock()

	m.logger.Info("session connected", "session", session.ID, "seq", current.Seq)
	return session, nil
}

// Disconnect removes the session. It is safe to call more than once.
func (m *Manager) Disconnect(session *Session) {
	m.mu.Lock()
	m.leaveLocked(m.remove(session))
	m.mu.Unlock()
	if session.sender != nil {
		_ = session.sender.Close()
	}
}

// remove deletes the session and returns the player that no longer has any session, if any.
// The caller holds mu.
func (m *Manager) remove(session *Session) string {
	if session.closed {
		return ""
	}
	session.closed = true
	delete(m.sessions, session.ID)
	if session.lastSent != nil {
		m.cache.release(session.lastSent.Seq)
		session.lastSent = nil
	}
	mSessions.Dec()
	m.logger.Info("session disconnected", "session", session.ID)

	player := session.playerID
	if player == "" || m.playerSessions(player) > 0 {
		return ""
	}
	return player
}

func (m *Manager) playerSessions(playerID string) int {
	n := 0
	for _, s := range m.sessions {
		if s.playerID == playerID {
			n++
		}
	}
	return n
}

// joinLocked and leaveLocked dispatch presence actions with mu held, so the player count they
// check is the one the store sees. Store listeners must not take mu; the manager's own
// listener only calls notify.
func (m *Manager) joinLocked(playerID string) {
	if playerID == "" || m.presence == nil {
		return
	}
	if actions := m.presence.Join(m.store.Root(), playerID); len(actions) > 0 {
		m.store.Dispatch(actions...)
	}
}

func (m *Manager) leaveLocked(playerID string) {
	if playerID == "" || m.presence == nil || m.playerSessions(playerID) > 0 {
		return
	}
	if actions := m.presence.Leave(m.store.Root(), playerID); len(actions) > 0 {
		m.store.Dispatch(actions...)
	}
}

// advance moves the session's last sent version to v. The caller holds mu.
func (m *Manager) advance(session *Session, v store.Version) {
	if session.lastSent != nil {
		if session.lastSent.Seq == v.Seq {
			return
		}
		m.cache.release(session.lastSent.Seq)
	}
	m.cache.retain(v.Seq)
	session.lastSent = &v
}

func (m *Manager) send(session *Session, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return m.sendFrame(session, msg.Type, data)
}

func (m *Manager) sendFrame(session *Session, t protocol.Type, data []byte) error {
	if err := session.sender.Send(data); err != nil {
		return err
	}
	mMessagesTotal.WithLabelValues(string(t)).Inc()
	return nil
}

// HandleMessage applies one decoded client message on behalf of session.
func (m *Manager) HandleMessage(session *Session, msg protocol.Message) error {
	m.mu.Lock()
	closed := session.closed
	m.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	switch msg.Type {
	case protocol.TypeAction:
		m.store.Dispatch(msg.AllActions()...)
		if msg.OptimisticUpdateID != "" {
			m.mu.Lock()
			session.finished = append(session.finished, msg.OptimisticUpdateID)
			m.mu.Unlock()
			m.notify()
		}
	case protocol.TypeSetPlayerID:
		return m.setPlayer(session, *msg.PlayerID)
	case protocol.TypeBroadcastMsg:
		m.relay(session, msg.Payload)
	default:
		return fmt.Errorf("unexpected %s message from client", msg.Type)
	}
	return nil
}

func (m *Manager) setPlayer(session *Session, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.closed {
		return ErrSessionClosed
	}
	previous := session.playerID
	session.playerID = playerID
	m.logger.Info("player bound", "session", session.ID, "player", playerID)

	m.joinLocked(playerID)
	if previous != playerID {
		m.leaveLocked(previous)
	}
	return nil
}

func (m *Manager) relay(from *Session, payload json.RawMessage) {
	data, err := protocol.Encode(protocol.Broadcast(payload))
	if err != nil {
		m.logger.Warn("failed to encode relayed message", "session", from.ID, "err", err)
		return
	}
	m.mu.Lock()
	var failed []*Session
	for _, s := range m.sessions {
		if s == from {
			continue
		}
		if err := s.sender.Send(data); err != nil {
			failed = append(failed, s)
			continue
		}
		mMessagesTotal.WithLabelValues(string(protocol.TypeBroadcastMsg)).Inc()
	}
	m.dropLocked(failed)
	m.mu.Unlock()
	closeSenders(failed)
}

// Broadcast runs one round: every session is sent the change from its last sent version
// to the current version.
func (m *Manager) Broadcast() {
	m.mu.Lock()
	current := m.store.State()
	var failed []*Session
	for _, s := range m.sessions {
		if err := m.sync(s, current); err != nil {
			m.logger.Warn("dropping session", "session", s.ID, "err", err)
			failed = append(failed, s)
		}
	}
	m.dropLocked(failed)
	mBroadcastsTotal.Inc()
	m.mu.Unlock()
	closeSenders(failed)
}

func (m *Manager) sync(s *Session, current store.Version) error {
	finished := s.finished
	var err error
	if s.lastSent == nil {
		err = m.send(s, protocol.SetState(current.Root, finished))
	} else {
		p, hit := m.cache.get(*s.lastSent, current)
		if hit {
			mPatchCacheTotal.WithLabelValues("hit").Inc()
		} else {
			mPatchCacheTotal.WithLabelValues("miss").Inc()
		}
		switch {
		case len(finished) > 0:
			err = m.send(s, protocol.PatchState(p, finished))
		case patch.IsEmpty(p):
			return nil
		default:
			var data []byte
			if data, err = m.cache.frame(*s.lastSent, current, p); err == nil {
				err = m.sendFrame(s, protocol.TypePatchState, data)
			}
		}
	}
	if err != nil {
		return err
	}
	s.finished = nil
	m.advance(s, current)
	return nil
}

// dropLocked removes failed sessions and takes their players offline if no session is left.
func (m *Manager) dropLocked(failed []*Session) {
	for _, s := range failed {
		mDroppedSessionsTotal.Inc()
		m.leaveLocked(m.remove(s))
	}
}

func closeSenders(failed []*Session) {
	for _, s := range failed {
		_ = s.sender.Close()
	}
}

// Run broadcasts after every change to the store until ctx is done. Changes that arrive
// within the throttle window of each other are sent together.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.changed:
		}
		if m.throttle > 0 {
			t := time.NewTimer(m.throttle)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
		m.Broadcast()
	}
}

// Close disconnects every session and stops listening to the store.
func (m *Manager) Close() {
	m.unsubscribe()
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		m.Disconnect(s)
	}
}

// Sessions returns the number of connected sessions.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
