package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubSendsInitialEventAndBroadcasts(t *testing.T) {
	hub := NewHub(func() Event {
		return Event{Type: TypeSnapshot, Data: map[string]string{"state": "idle"}}
	}, DefaultOptions())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)

	require.Equal(t, "snapshot", readEvent(t, a)["type"])
	require.Equal(t, "snapshot", readEvent(t, b)["type"])
	require.Eventually(t, func() bool { return hub.Count() == 2 }, time.Second, 5*time.Millisecond)

	hub.Publish(Event{Type: TypeVoice, Data: map[string]string{"state": "listening"}})
	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		require.Equal(t, "voice", ev["type"])
		require.Equal(t, map[string]any{"state": "listening"}, ev["data"])
	}
}

func TestHubForgetsClosedClients(t *testing.T) {
	hub := NewHub(nil, DefaultOptions())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 5*time.Millisecond)

	hub.Publish(Event{Type: TypeSnapshot})
	hub.CloseAll()
	require.Zero(t, hub.Count())
}
