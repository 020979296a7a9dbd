package hub

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHubBroadcastReachesClients(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()
	defer h.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return h.ClientCount() == 1 }, "client never registered")

	h.Broadcast(Event{Type: "view_changed", Fingerprint: "deadbeef", TargetID: "page-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Type != "view_changed" || evt.Fingerprint != "deadbeef" {
		t.Fatalf("event = %+v; want view_changed/deadbeef", evt)
	}
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()
	defer h.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return h.ClientCount() == 1 }, "client never registered")

	conn.Close()
	waitFor(t, func() bool { return h.ClientCount() == 0 }, "client never unregistered")

	// Broadcasting with no clients is a no-op.
	h.Broadcast(Event{Type: "view_changed"})
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return h.ClientCount() == 1 }, "client never registered")

	h.Close()
	if got := h.ClientCount(); got != 0 {
		t.Fatalf("ClientCount() after Close = %d; want 0", got)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestSSEHandlerStreamsEvents(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q; want text/event-stream", ct)
	}

	waitFor(t, func() bool { return b.SubscriberCount() == 1 }, "SSE stream never subscribed")
	b.Publish(Event{Type: "view_changed", Fingerprint: "cafe"})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
	}

	if eventLine != "view_changed" {
		t.Fatalf("event = %q; want view_changed", eventLine)
	}
	var evt Event
	if err := json.Unmarshal([]byte(dataLine), &evt); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if evt.Fingerprint != "cafe" {
		t.Fatalf("fingerprint = %q; want cafe", evt.Fingerprint)
	}
}
