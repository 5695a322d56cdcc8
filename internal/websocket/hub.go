package websocket

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rentchat/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Client is one socket held by a user. A user may hold several.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
	}
}

// Hub tracks connected clients by user and fans conversation events out
// to participants.
type Hub struct {
	clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	userMap    map[string]map[*Client]bool
	mu         sync.RWMutex
	logger     *log.Logger
	done       chan struct{}
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stdout, "[WEBSOCKET] ", log.LstdFlags|log.Lshortfile)
	}
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		userMap:    make(map[string]map[*Client]bool),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Add registers client. It returns false once the hub has stopped.
func (h *Hub) Add(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Run processes registrations until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Println("WebSocket hub started")
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			if h.userMap[client.userID] == nil {
				h.userMap[client.userID] = make(map[*Client]bool)
			}
			h.userMap[client.userID][client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Printf("Client connected: %s, total clients: %d", client.userID, total)

			welcomeMsg := models.WebSocketMessage{
				Type: models.EventSystem,
				Payload: map[string]interface{}{
					"message": "Connected to chat server",
				},
			}
			if data, err := json.Marshal(welcomeMsg); err == nil {
				client.send <- data
			}

		case client := <-h.Unregister:
			h.remove(client)

		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.userMap = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			h.logger.Println("WebSocket hub stopped")
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if set := h.userMap[client.userID]; set != nil {
		delete(set, client)
		if len(set) == 0 {
			delete(h.userMap, client.userID)
		}
	}
	close(client.send)
	h.logger.Printf("Client disconnected: %s, remaining clients: %d", client.userID, len(h.clients))
}

// Connected reports whether userID holds at least one socket.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userMap[userID]) > 0
}

// DisconnectUser closes every socket userID holds.
func (h *Hub) DisconnectUser(userID string) {
	h.mu.RLock()
	var clients []*Client
	for client := range h.userMap[userID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		h.remove(client)
	}
}

// SendToConversation delivers message to every connected participant.
// Clients whose buffers are full are dropped.
func (h *Hub) SendToConversation(conversationID string, message interface{}, participants []string) error {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Printf("Failed to marshal conversation message: %v", err)
		return err
	}

	var slow []*Client
	h.mu.RLock()
	for _, userID := range participants {
		for client := range h.userMap[userID] {
			select {
			case client.send <- data:
			default:
				h.logger.Printf("Failed to send to participant %s in conversation %s", userID, conversationID)
				slow = append(slow, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.remove(client)
	}
	return nil
}

// NotifyNewMessage pushes a new_message event for msg.
func (h *Hub) NotifyNewMessage(msg *models.Message, participants []string) error {
	return h.SendToConversation(msg.ConversationID, models.WebSocketMessage{
		Type: models.EventNewMessage,
		Payload: models.NewMessagePayload{
			Message:        *msg,
			ConversationID: msg.ConversationID,
		},
	}, participants)
}

// ReadPump keeps the connection alive. Clients do not send events; inbound
// frames are discarded.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Printf("read error for %s: %v", c.userID, err)
			}
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
