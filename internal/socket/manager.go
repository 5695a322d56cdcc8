// Package socket owns the client side of the real-time channel: one
// authenticated WebSocket connection per session and the lifecycle events
// that come with it.
package socket

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rentchat/internal/models"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Lifecycle and payload event names.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
	EventNewMessage   = models.EventNewMessage
)

var (
	ErrEmptyToken       = errors.New("socket: empty auth token")
	ErrAlreadyConnected = errors.New("socket: connection already open")
)

// Event is delivered to listeners. Payload is set for server-sent events,
// Err for EventError.
type Event struct {
	Name    string
	Payload json.RawMessage
	Err     error
}

// Listener handles one event. Listeners run on the connection's read
// goroutine, one at a time and in arrival order.
type Listener func(Event)

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateOpen
)

// Manager establishes and tears down the session's socket connection.
type Manager struct {
	url    string
	dialer *websocket.Dialer
	logger *log.Logger

	mu        sync.Mutex
	state     state
	gen       uint64
	conn      *websocket.Conn
	done      chan struct{}
	writeMu   sync.Mutex
	listeners map[string]map[int]Listener
	nextID    int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger replaces the default stdout logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func NewManager(url string, opts ...Option) *Manager {
	m := &Manager{
		url:       url,
		dialer:    websocket.DefaultDialer,
		logger:    log.New(os.Stdout, "[SOCKET] ", log.LstdFlags|log.Lshortfile),
		listeners: make(map[string]map[int]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// On subscribes to one event name and returns an unsubscribe function.
func (m *Manager) On(name string, l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.listeners[name] == nil {
		m.listeners[name] = make(map[int]Listener)
	}
	m.listeners[name][id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners[name], id)
		m.mu.Unlock()
	}
}

// Connected reports whether the connection is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateOpen
}

// Connect starts opening a connection authenticated with token. It returns
// an error only for misuse; the dial outcome arrives as EventConnected or
// EventError.
func (m *Manager) Connect(token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	m.mu.Lock()
	if m.state != stateIdle {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.state = stateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.run(gen, token)
	return nil
}

// Disconnect closes the connection and releases every listener. Calling it
// while already disconnected does nothing beyond clearing listeners.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	wasOpen := m.state == stateOpen
	conn := m.conn
	done := m.done
	m.gen++
	m.state = stateIdle
	m.conn = nil
	m.done = nil
	m.mu.Unlock()

	if conn != nil {
		close(done)
		m.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	if wasOpen {
		m.logger.Println("Disconnected by client")
		m.emit(Event{Name: EventDisconnected})
	}

	m.mu.Lock()
	m.listeners = make(map[string]map[int]Listener)
	m.mu.Unlock()
}

func (m *Manager) run(gen uint64, token string) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Cookie", (&http.Cookie{Name: "auth_token", Value: token}).String())

	conn, resp, err := m.dialer.Dial(m.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.logger.Printf("Failed to connect to %s: %v", m.url, err)
		if m.finish(gen) {
			m.emit(Event{Name: EventError, Err: err})
		}
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		// Disconnect won the race.
		m.mu.Unlock()
		conn.Close()
		return
	}
	done := make(chan struct{})
	m.conn = conn
	m.done = done
	m.state = stateOpen
	m.mu.Unlock()

	m.logger.Printf("Connected to %s", m.url)
	m.emit(Event{Name: EventConnected})

	go m.pingPump(conn, done)
	m.readPump(gen, conn)
}

// finish resets the manager to idle if gen is still current.
func (m *Manager) finish(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	if m.done != nil {
		close(m.done)
	}
	m.state = stateIdle
	m.conn = nil
	m.done = nil
	return true
}

// readPump decodes server envelopes and emits them by type. It owns all
// reads on conn.
func (m *Manager) readPump(gen uint64, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Printf("Read error: %v", err)
			}
			conn.Close()
			if m.finish(gen) {
				if !errors.Is(err, io.EOF) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					m.emit(Event{Name: EventError, Err: err})
				}
				m.emit(Event{Name: EventDisconnected})
			}
			return
		}

		var envelope struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			m.logger.Printf("Error unmarshaling message: %v", err)
			continue
		}
		if envelope.Type == "" {
			continue
		}
		m.emit(Event{Name: envelope.Type, Payload: envelope.Payload})
	}
}

func (m *Manager) pingPump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	ls := make([]Listener, 0, len(m.listeners[ev.Name]))
	for _, l := range m.listeners[ev.Name] {
		ls = append(ls, l)
	}
	m.mu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}
