// Package client connects a replica and its optimistic layer to a state server and keeps
// the connection up.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/astromechza/statesync/pkg/optimistic"
	"github.com/astromechza/statesync/pkg/protocol"
	"github.com/astromechza/statesync/pkg/replica"
	"github.com/astromechza/statesync/pkg/store"
	"github.com/astromechza/statesync/pkg/wsconn"
)

// ErrQueueFull is returned when an action set cannot be queued for sending.
var ErrQueueFull = errors.New("send queue full")

type Settings struct {
	Conn             wsconn.Settings
	QueueSize        int
	HandshakeTimeout time.Duration
	MinReconnect     time.Duration
	MaxReconnect     time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Conn:             wsconn.DefaultSettings(),
		QueueSize:        256,
		HandshakeTimeout: 2 * time.Second,
		MinReconnect:     250 * time.Millisecond,
		MaxReconnect:     10 * time.Second,
	}
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBroadcastHandler sets the hook that receives BROADCAST_MSG payloads from other clients.
func WithBroadcastHandler(fn func(json.RawMessage)) Option {
	return func(c *Client) {
		c.onBroadcast = fn
	}
}

type Client struct {
	url         string
	settings    Settings
	logger      *slog.Logger
	layer       *optimistic.Layer
	onBroadcast func(json.RawMessage)

	ready     chan struct{}
	readyOnce sync.Once

	mu            sync.Mutex
	conn          *wsconn.Conn
	backlog       [][]byte
	playerID      *string
	serverVersion string
}

// New returns a client for the websocket endpoint at url. The client owns a replica and an
// optimistic layer that reduces predictions with reducer.
func New(url string, reducer store.Reducer, settings Settings, opts ...Option) *Client {
	c := &Client{
		url:      url,
		settings: settings,
		logger:   slog.Default(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.layer = optimistic.NewLayer(replica.New(), reducer, c, optimistic.WithLogger(c.logger))
	return c
}

// Layer returns the predicted view that application code reads and dispatches through.
func (c *Client) Layer() *optimistic.Layer {
	return c.layer
}

// Ready is closed once the first snapshot has arrived.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// ServerVersion returns the version the server announced on the last connection.
func (c *Client) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// SendActions queues an ACTION message. While disconnected, messages wait in a bounded
// backlog that is sent after the next connect.
func (c *Client) SendActions(actions []store.Action, optimisticUpdateID string) error {
	data, err := protocol.Encode(protocol.ActionSet(actions, optimisticUpdateID))
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// Broadcast sends payload to every other connected client.
func (c *Client) Broadcast(payload json.RawMessage) error {
	data, err := protocol.Encode(protocol.Broadcast(payload))
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// SetPlayerID binds the connection to a player. It is sent again on every reconnect. An
// empty id clears the binding.
func (c *Client) SetPlayerID(playerID string) error {
	c.mu.Lock()
	c.playerID = &playerID
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	data, err := protocol.Encode(protocol.SetPlayerID(playerID))
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		return fmt.Errorf("failed to send player id: %w", err)
	}
	return nil
}

func (c *Client) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if err := c.conn.Send(data); err != nil {
			if errors.Is(err, wsconn.ErrBufferFull) {
				return ErrQueueFull
			}
			return err
		}
		return nil
	}
	if len(c.backlog) >= c.settings.QueueSize {
		return ErrQueueFull
	}
	c.backlog = append(c.backlog, data)
	return nil
}

// Run keeps a connection to the server until ctx is done, reconnecting with exponential
// backoff whenever it drops.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.settings.MinReconnect
	b.MaxInterval = c.settings.MaxReconnect
	b.MaxElapsedTime = 0

	for {
		connected, err := c.connectAndSync(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.logger.Warn("connection lost", "url", c.url, "err", err, "retry", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Client) connectAndSync(ctx context.Context) (bool, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: c.settings.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	conn := wsconn.New(ws, c.settings.Conn, c.logger)

	c.mu.Lock()
	var initial [][]byte
	if c.playerID != nil {
		data, err := protocol.Encode(protocol.SetPlayerID(*c.playerID))
		if err != nil {
			c.mu.Unlock()
			_ = conn.Close()
			return false, err
		}
		initial = append(initial, data)
	}
	initial = append(initial, c.backlog...)
	c.backlog = nil
	for _, data := range initial {
		if err := conn.Send(data); err != nil {
			c.mu.Unlock()
			_ = conn.Close()
			return false, fmt.Errorf("failed to send queued messages: %w", err)
		}
	}
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("connected", "url", c.url)

	err = conn.Run(ctx, c.handle)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.layer.DropSent()
	return true, err
}

func (c *Client) handle(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("skipping malformed message", "err", err)
		return
	}
	switch msg.Type {
	case protocol.TypeSetState:
		c.layer.ApplySnapshot(msg.State, msg.FinishedOptimisticUpdateIDs)
		c.readyOnce.Do(func() { close(c.ready) })
	case protocol.TypePatchState:
		if err := c.layer.ApplyPatch(*msg.Patch, msg.FinishedOptimisticUpdateIDs); err != nil {
			c.logger.Warn("failed to apply patch", "err", err)
		}
	case protocol.TypeServerInfo:
		c.mu.Lock()
		c.serverVersion = msg.Version
		c.mu.Unlock()
		c.logger.Info("server info", "version", msg.Version)
	case protocol.TypeBroadcastMsg:
		if c.onBroadcast != nil {
			c.onBroadcast(msg.Payload)
		}
	default:
		c.logger.Warn("unexpected message from server", "type", msg.Type)
	}
}
