package replication

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/astromechza/statesync/pkg/protocol"
	"github.com/astromechza/statesync/pkg/wsconn"
)

// Handler upgrades requests to websockets and runs one session per connection.
type Handler struct {
	Manager  *Manager
	Settings wsconn.Settings
	Logger   *slog.Logger
	Upgrader websocket.Upgrader
}

func NewHandler(m *Manager, settings wsconn.Settings) *Handler {
	return &Handler{
		Manager:  m,
		Settings: settings,
		Logger:   m.logger,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	ws, err := h.Upgrader.Upgrade(writer, request, nil)
	if err != nil {
		h.Logger.Error("failed to upgrade", "err", err)
		return
	}
	conn := wsconn.New(ws, h.Settings, h.Logger)
	session, err := h.Manager.Connect(conn)
	if err != nil {
		h.Logger.Error("failed to start session", "err", err)
		return
	}
	defer h.Manager.Disconnect(session)

	err = conn.Run(request.Context(), func(data []byte) {
		msg, err := protocol.Decode(data)
		if err != nil {
			h.Logger.Warn("skipping malformed message", "session", session.ID, "err", err)
			return
		}
		if err := h.Manager.HandleMessage(session, msg); err != nil {
			h.Logger.Warn("failed to handle message", "session", session.ID, "type", msg.Type, "err", err)
		}
	})
	h.Logger.Debug("connection ended", "session", session.ID, "err", err)
}
