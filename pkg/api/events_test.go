package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xibo-players/mediacache/pkg/download"
)

func TestEventsWebsocketFeed(t *testing.T) {
	s, _ := newTestServer(t)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Give the server a beat to register the subscriber.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.hub.mu.Lock()
		n := len(s.hub.clients)
		s.hub.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	want := download.Event{
		Type:            download.EventProgress,
		StoreKey:        "media/99",
		ChunkIndex:      3,
		DownloadedBytes: 1024,
		TotalBytes:      4096,
	}
	s.Events().Broadcast(want)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got download.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got != want {
		t.Errorf("wrong event: %+v, want %+v", got, want)
	}
}

func TestHubDropsDeadSubscribers(t *testing.T) {
	s, _ := newTestServer(t)
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()

	// Broadcasting to the closed connection evicts it.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.Events().Broadcast(download.Event{Type: download.EventProgress})
		s.hub.mu.Lock()
		n := len(s.hub.clients)
		s.hub.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("dead subscriber never evicted")
}
