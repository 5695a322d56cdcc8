// Package store holds conversation and message state for one session.
//
// All mutation goes through Reduce, a pure function of (State, Action).
// Store wraps it with a mutex and change notifications.
package store

import (
	"sync"

	"rentchat/internal/models"
)

// State is the full client-side view of the chat.
type State struct {
	Conversations      []models.Conversation
	ActiveConversation *models.Conversation
	// Messages maps conversation id to messages in dispatch order.
	Messages        map[string][]models.Message
	SocketConnected bool
}

// Action is one of the action types below.
type Action interface {
	actionName() string
}

// SetConversations replaces the full conversation list.
type SetConversations struct {
	Conversations []models.Conversation
}

// SetActiveConversation changes the selection. Nil clears it.
type SetActiveConversation struct {
	Conversation *models.Conversation
}

// SetMessages replaces the message list of one conversation.
type SetMessages struct {
	ConversationID string
	Messages       []models.Message
}

// AddMessage appends a message unless its id is already present.
type AddMessage struct {
	ConversationID string
	Message        models.Message
}

// SetSocketConnected records connectivity.
type SetSocketConnected struct {
	Connected bool
}

func (SetConversations) actionName() string      { return "SET_CONVERSATIONS" }
func (SetActiveConversation) actionName() string { return "SET_ACTIVE_CONVERSATION" }
func (SetMessages) actionName() string           { return "SET_MESSAGES" }
func (AddMessage) actionName() string            { return "ADD_MESSAGE" }
func (SetSocketConnected) actionName() string    { return "SET_SOCKET_CONNECTED" }

// Name returns the wire-style name of an action, for logs.
func Name(a Action) string { return a.actionName() }

// Reduce returns the state that results from applying a to s. s is not
// modified; slices and maps that change are copied.
func Reduce(s State, a Action) State {
	switch act := a.(type) {
	case SetConversations:
		s.Conversations = append([]models.Conversation(nil), act.Conversations...)
	case SetActiveConversation:
		if act.Conversation == nil {
			s.ActiveConversation = nil
		} else {
			c := *act.Conversation
			s.ActiveConversation = &c
		}
	case SetMessages:
		s.Messages = withMessages(s.Messages, act.ConversationID, append([]models.Message(nil), act.Messages...))
	case AddMessage:
		current := s.Messages[act.ConversationID]
		for _, m := range current {
			if m.ID == act.Message.ID {
				return s
			}
		}
		next := make([]models.Message, len(current), len(current)+1)
		copy(next, current)
		s.Messages = withMessages(s.Messages, act.ConversationID, append(next, act.Message))
	case SetSocketConnected:
		s.SocketConnected = act.Connected
	}
	return s
}

func withMessages(m map[string][]models.Message, id string, list []models.Message) map[string][]models.Message {
	out := make(map[string][]models.Message, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[id] = list
	return out
}

// Listener is called after every dispatch with the new state.
type Listener func(State)

// Store is the single shared instance of State for a session.
type Store struct {
	mu        sync.Mutex
	state     State
	listeners map[int]Listener
	nextID    int
}

func New() *Store {
	return &Store{
		state:     State{Messages: map[string][]models.Message{}},
		listeners: make(map[int]Listener),
	}
}

// Dispatch applies a and notifies listeners outside the lock. Each listener
// call gets its own snapshot.
func (s *Store) Dispatch(a Action) {
	s.mu.Lock()
	s.state = Reduce(s.state, a)
	next := s.state
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	// Reduce never writes to a published map, so copying next here is safe.
	for _, l := range ls {
		l(copyMessages(next))
	}
}

// State returns a snapshot of the current state. The Messages map is a
// copy; the slices in it are shared and must be treated as read-only.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// snapshot must be called with mu held.
func (s *Store) snapshot() State {
	return copyMessages(s.state)
}

func copyMessages(st State) State {
	m := make(map[string][]models.Message, len(st.Messages))
	for k, v := range st.Messages {
		m[k] = v
	}
	st.Messages = m
	return st
}

// Messages returns the cached messages of one conversation and whether a
// list exists for it. A single pushed message is enough to create one.
func (s *Store) Messages(conversationID string) ([]models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.state.Messages[conversationID]
	return list, ok
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
