package models

import "time"

// Conversation types
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Socket event types
const (
	EventNewMessage = "new_message"
	EventSystem     = "system"
)

type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Password  string    `json:"-" db:"password"`
	FirstName string    `json:"first_name" db:"first_name"`
	LastName  string    `json:"last_name" db:"last_name"`
	Role      string    `json:"role" db:"role"` // admin, agent or tenant
	Avatar    string    `json:"avatar,omitempty" db:"avatar"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Participant is the summary of a user embedded in a conversation.
type Participant struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
	Avatar    string `json:"avatar,omitempty"`
}

type Conversation struct {
	ID           string        `json:"id" db:"id"`
	Type         string        `json:"type" db:"type"` // "direct" or "group"
	Title        string        `json:"title,omitempty" db:"title"`
	Participants []Participant `json:"participants"`
	LastMessage  string        `json:"last_message,omitempty"`
	LastActivity time.Time     `json:"last_activity"`
	UnreadCount  int           `json:"unread_count"`
}

type Message struct {
	ID              string    `json:"id" db:"id"`
	ConversationID  string    `json:"conversation_id" db:"conversation_id"`
	SenderID        string    `json:"sender_id" db:"sender_id"`
	Text            string    `json:"text" db:"text"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	ParentMessageID string    `json:"parent_message_id,omitempty" db:"parent_message_id"`
}

// Request/Response structures
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
	Avatar    string `json:"avatar"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	Title          string   `json:"title,omitempty"`
	Type           string   `json:"type"`
}

type CreateConversationResponse struct {
	ID string `json:"id"`
}

type SendMessageRequest struct {
	Text            string `json:"text"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
}

type MarkAsReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MessagePage is one page of a conversation's history, oldest first.
type MessagePage struct {
	Items   []Message `json:"items"`
	Page    int       `json:"page"`
	HasMore bool      `json:"has_more"`
}

type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewMessagePayload is the payload of a new_message socket event.
type NewMessagePayload struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversationId"`
}
