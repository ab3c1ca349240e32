package broadcast

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pingsantohq/tcpping/pkg/types"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients got %d", n, h.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastsRounds(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	round := types.Round{Row: types.Row{5, 1, 1700000000, 420, types.SentinelError}, Targets: []string{"a:1", "b:2"}}
	if err := hub.Send(context.Background(), []types.Round{round}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Kind != 5 || msg.Version != 1 || msg.Timestamp != 1700000000 {
		t.Fatalf("unexpected header %+v", msg)
	}
	if len(msg.Values) != 2 || msg.Values[0] != 420 || msg.Values[1] != types.SentinelError {
		t.Fatalf("unexpected values %v", msg.Values)
	}
	if len(msg.Targets) != 2 || msg.Targets[1] != "b:2" {
		t.Fatalf("unexpected targets %v", msg.Targets)
	}
}

func TestHubReplaysRecentRounds(t *testing.T) {
	hub := NewHub(WithHistory(time.Minute, 8))
	defer hub.Close()

	// Sub-second intervals put several rounds in the same timestamp second.
	rounds := []types.Round{
		{Row: types.Row{1, 1, 100, 1}, Targets: []string{"a:1"}},
		{Row: types.Row{1, 1, 100, 2}, Targets: []string{"a:1"}},
		{Row: types.Row{1, 2, 101, 3}, Targets: []string{"a:1"}},
	}
	if err := hub.Send(context.Background(), rounds); err != nil {
		t.Fatalf("Send: %v", err)
	}

	srv := httptest.NewServer(hub)
	defer srv.Close()
	conn := dial(t, srv)

	for i, want := range []int32{1, 2, 3} {
		msg := readMessage(t, conn)
		if len(msg.Values) != 1 || msg.Values[0] != want {
			t.Fatalf("replay %d: expected value %d got %v", i, want, msg.Values)
		}
	}
}

func TestHubForgetsClosedClients(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitForClients(t, hub, 1)
	conn.Close()
	waitForClients(t, hub, 0)
}
