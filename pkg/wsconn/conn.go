// Package wsconn pumps text frames over a websocket connection with one reader and one
// writer goroutine. Sends never block: they go into a bounded queue that the writer drains.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrClosed     = errors.New("connection closed")
	ErrBufferFull = errors.New("send buffer full")
)

type Settings struct {
	SendBuffer   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

func DefaultSettings() Settings {
	return Settings{
		SendBuffer:   64,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
		PingInterval: 5 * time.Second,
		ReadLimit:    8 << 20,
	}
}

type Conn struct {
	ws       *websocket.Conn
	settings Settings
	logger   *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func New(ws *websocket.Conn, settings Settings, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultSettings()
	if settings.SendBuffer <= 0 {
		settings.SendBuffer = defaults.SendBuffer
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = defaults.WriteTimeout
	}
	if settings.ReadTimeout <= 0 {
		settings.ReadTimeout = defaults.ReadTimeout
	}
	if settings.PingInterval <= 0 {
		settings.PingInterval = defaults.PingInterval
	}
	if settings.ReadLimit <= 0 {
		settings.ReadLimit = defaults.ReadLimit
	}
	return &Conn{
		ws:       ws,
		settings: settings,
		logger:   logger,
		send:     make(chan []byte, settings.SendBuffer),
		done:     make(chan struct{}),
	}
}

// Send queues one text frame.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

// Close stops both pumps and closes the underlying connection. It is safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Run pumps frames until the connection fails, Close is called or ctx is done. Every text
// frame read is handed to onMessage from the reader goroutine. The returned error is the
// one that ended the read loop.
func (c *Conn) Run(ctx context.Context, onMessage func([]byte)) error {
	defer c.Close()

	c.ws.SetReadLimit(c.settings.ReadLimit)
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	})

	var readErr error
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.Close()
		for {
			if err := c.readMessage(onMessage); err != nil {
				readErr = err
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.Close()
		if err := c.writeLoop(ctx); err != nil {
			c.logger.Debug("writer stopped", "err", err)
		}
	}()

	wg.Wait()
	return readErr
}

func (c *Conn) readMessage(onMessage func([]byte)) error {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	mt, p, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	switch mt {
	case websocket.TextMessage:
		onMessage(p)
	default:
	}
	return nil
}

func (c *Conn) writeLoop(ctx context.Context) error {
	t := time.NewTicker(c.settings.PingInterval)
	defer t.Stop()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("failed to write message: %w", err)
			}
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
				return fmt.Errorf("failed to write ping: %w", err)
			}
		case <-ctx.Done():
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(c.settings.WriteTimeout),
			)
			return ctx.Err()
		case <-c.done:
			return nil
		}
	}
}
