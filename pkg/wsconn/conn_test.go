package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoServer runs a Conn per request that sends every frame it reads straight back.
func echoServer(t *testing.T, settings Settings) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ws, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		conn := New(ws, settings, nil)
		_ = conn.Run(request.Context(), func(data []byte) {
			_ = conn.Send(data)
		})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func TestConn_Echo(t *testing.T) {
	url := echoServer(t, DefaultSettings())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := New(dial(t, url), DefaultSettings(), nil)
	received := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(ctx, func(data []byte) { received <- string(data) })
	}()

	require.NoError(t, conn.Send([]byte("one")))
	require.NoError(t, conn.Send([]byte("two")))
	require.Equal(t, "one", <-received)
	require.Equal(t, "two", <-received)

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.ErrorIs(t, conn.Send([]byte("late")), ErrClosed)
}

func TestConn_SendIsBounded(t *testing.T) {
	url := echoServer(t, DefaultSettings())
	conn := New(dial(t, url), Settings{SendBuffer: 1}, nil)

	require.NoError(t, conn.Send([]byte("queued")))
	require.ErrorIs(t, conn.Send([]byte("overflow")), ErrBufferFull)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.Send([]byte("closed")), ErrClosed)
	select {
	case <-conn.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestConn_ServerCloseEndsClientRun(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ws, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte("bye"))
		_ = ws.Close()
	}))
	defer srv.Close()

	conn := New(dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")), DefaultSettings(), nil)
	var got []string
	err := conn.Run(context.Background(), func(data []byte) { got = append(got, string(data)) })
	require.Error(t, err)
	require.Equal(t, []string{"bye"}, got)
}

func TestNew_FillsDefaults(t *testing.T) {
	url := echoServer(t, DefaultSettings())
	conn := New(dial(t, url), Settings{WriteTimeout: time.Second}, nil)
	defer conn.Close()

	defaults := DefaultSettings()
	require.Equal(t, time.Second, conn.settings.WriteTimeout)
	require.Equal(t, defaults.SendBuffer, conn.settings.SendBuffer)
	require.Equal(t, defaults.ReadLimit, conn.settings.ReadLimit)
}
