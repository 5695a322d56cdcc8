package socket

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func quietManager(url string) *Manager {
	return NewManager(url, WithLogger(log.New(io.Discard, "", 0)))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestConnect_RejectsEmptyToken(t *testing.T) {
	m := quietManager("ws://127.0.0.1:1/ws")
	if err := m.Connect(""); err != ErrEmptyToken {
		t.Fatalf("Connect(\"\") = %v, want ErrEmptyToken", err)
	}
}

func TestConnect_DeliversEventsAndToken(t *testing.T) {
	gotAuth := make(chan string, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		payload := map[string]interface{}{
			"type": "new_message",
			"payload": map[string]interface{}{
				"message":        map[string]string{"id": "m1", "conversation_id": "c1", "text": "hi"},
				"conversationId": "c1",
			},
		}
		conn.WriteJSON(payload)
		<-release
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	m := quietManager(wsURL(srv))
	events := make(chan Event, 10)
	for _, name := range []string{EventConnected, EventNewMessage, EventDisconnected, EventError} {
		m.On(name, func(ev Event) { events <- ev })
	}

	if err := m.Connect("tok-1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if auth := <-gotAuth; auth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer tok-1")
	}

	if ev := waitEvent(t, events); ev.Name != EventConnected {
		t.Fatalf("first event = %q, want connected", ev.Name)
	}
	if err := m.Connect("tok-1"); err != ErrAlreadyConnected {
		t.Errorf("second Connect() = %v, want ErrAlreadyConnected", err)
	}

	ev := waitEvent(t, events)
	if ev.Name != EventNewMessage {
		t.Fatalf("second event = %q, want new_message", ev.Name)
	}
	var p struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.ConversationID != "c1" {
		t.Errorf("payload conversationId = %q (err %v), want c1", p.ConversationID, err)
	}

	close(release)
	if ev := waitEvent(t, events); ev.Name != EventDisconnected {
		t.Fatalf("third event = %q, want disconnected", ev.Name)
	}
	if m.Connected() {
		t.Errorf("Connected() = true after server close")
	}
}

func TestConnect_DialFailureIsEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := quietManager(wsURL(srv))
	events := make(chan Event, 1)
	m.On(EventError, func(ev Event) { events <- ev })

	if err := m.Connect("bad"); err != nil {
		t.Fatalf("Connect() error = %v, want nil", err)
	}
	ev := waitEvent(t, events)
	if ev.Err == nil {
		t.Errorf("error event without Err")
	}
	// The manager is idle again and may be retried.
	if err := m.Connect("bad"); err != nil {
		t.Errorf("retry Connect() error = %v", err)
	}
}

func TestDisconnect_IdempotentAndReleasesListeners(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := quietManager(wsURL(srv))
	connected := make(chan Event, 1)
	m.On(EventConnected, func(ev Event) { connected <- ev })
	disconnected := make(chan Event, 2)
	m.On(EventDisconnected, func(ev Event) { disconnected <- ev })

	m.Disconnect() // before any connection
	// Disconnect released the listeners registered above.
	m.On(EventConnected, func(ev Event) { connected <- ev })
	m.On(EventDisconnected, func(ev Event) { disconnected <- ev })

	if err := m.Connect("tok"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitEvent(t, connected)

	m.Disconnect()
	if ev := waitEvent(t, disconnected); ev.Name != EventDisconnected {
		t.Fatalf("event = %q, want disconnected", ev.Name)
	}
	m.Disconnect()

	if m.Connected() {
		t.Errorf("Connected() = true after Disconnect")
	}
	m.mu.Lock()
	n := len(m.listeners)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("listeners left after Disconnect: %d", n)
	}
	select {
	case ev := <-disconnected:
		t.Errorf("unexpected extra event %q", ev.Name)
	case <-time.After(100 * time.Millisecond):
	}
}
