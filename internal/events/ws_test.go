package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jlia0/tinyclaw/pkg/protocol"
)

func TestWebSocketHandlerStreamsPublishedEvent(t *testing.T) {
	b := New(t.TempDir())
	srv := httptest.NewServer(b.WebSocketHandler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Publish(protocol.Event{Name: protocol.EventResponseEmitted})
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev protocol.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Name != protocol.EventResponseEmitted {
		t.Fatalf("unexpected event name: %q", ev.Name)
	}
}
