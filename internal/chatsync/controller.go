// Package chatsync keeps the conversation store in step with the REST API
// and the socket channel. It is the only component that talks to both.
package chatsync

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"rentchat/internal/dedup"
	"rentchat/internal/models"
	"rentchat/internal/socket"
	"rentchat/internal/store"
)

var (
	ErrEmptyMessage        = errors.New("chatsync: message text is empty")
	ErrInvalidConversation = errors.New("chatsync: invalid conversation request")
)

// API is the subset of the REST client the controller uses.
type API interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	GetMessages(ctx context.Context, conversationID string, page int) (*models.MessagePage, error)
	SendMessage(ctx context.Context, conversationID, text, parentMessageID string) (*models.Message, error)
	CreateConversation(ctx context.Context, participantIDs []string, title, convType string) (string, error)
	ListAvailableUsers(ctx context.Context) ([]models.User, error)
	MarkAsRead(ctx context.Context, messageIDs []string) error
}

// inflight tracks history fetches for one conversation and the messages
// pushed over the socket while they were running.
type inflight struct {
	refs   int
	pushed []models.Message
}

type Controller struct {
	api     API
	rt      Realtime
	store   *store.Store
	dedup   *dedup.Deduplicator
	logger  *log.Logger
	metrics *Metrics

	// applyMu serializes every section that dispatches message actions, so a
	// history fetch and a socket push for the same conversation cannot
	// interleave. Store listeners run while it is held and must not call
	// back into the controller synchronously.
	applyMu  sync.Mutex
	inflight map[string]*inflight
	// loaded holds conversations whose first history page has been applied.
	// A push alone creates a message list, so the store cannot tell.
	loaded map[string]bool

	mu            sync.Mutex
	everConnected bool
	unsubscribe   []func()
}

type Option func(*Controller)

func WithRealtime(rt Realtime) Option {
	return func(c *Controller) { c.rt = rt }
}

func WithStore(s *store.Store) Option {
	return func(c *Controller) { c.store = s }
}

func WithDeduplicator(d *dedup.Deduplicator) Option {
	return func(c *Controller) { c.dedup = d }
}

func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New builds a controller over api. Without WithRealtime it runs on
// NopRealtime and only reflects what it fetches and sends.
func New(api API, opts ...Option) *Controller {
	c := &Controller{
		api:      api,
		rt:       NopRealtime{},
		inflight: make(map[string]*inflight),
		loaded:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = store.New()
	}
	if c.dedup == nil {
		c.dedup = dedup.New(dedup.DefaultCapacity)
	}
	if c.logger == nil {
		c.logger = log.New(os.Stdout, "[SYNC] ", log.LstdFlags|log.Lshortfile)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

// Store exposes the store for reading and subscribing.
func (c *Controller) Store() *store.Store { return c.store }

// State is a shortcut for Store().State().
func (c *Controller) State() store.State { return c.store.State() }

// Start loads the conversation list, subscribes to socket events and opens
// the connection. A failed initial load is returned; the connection outcome
// is reported through the store's connected flag.
func (c *Controller) Start(ctx context.Context, token string) error {
	c.mu.Lock()
	if len(c.unsubscribe) == 0 {
		c.unsubscribe = []func(){
			c.rt.On(socket.EventConnected, c.onConnected),
			c.rt.On(socket.EventDisconnected, c.onDisconnected),
			c.rt.On(socket.EventError, c.onError),
			c.rt.On(socket.EventNewMessage, c.onNewMessage),
		}
	}
	c.mu.Unlock()

	if err := c.LoadConversations(ctx); err != nil {
		return err
	}
	if err := c.rt.Connect(token); err != nil && err != socket.ErrAlreadyConnected {
		return errors.Wrap(err, "connect")
	}
	return nil
}

// Reconnect opens the connection again after a drop. A successful
// reconnection triggers a conversation reload.
func (c *Controller) Reconnect(token string) error {
	return c.rt.Connect(token)
}

// Stop drops the socket listeners and disconnects. Store contents are kept.
func (c *Controller) Stop() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	c.rt.Disconnect()
	c.store.Dispatch(store.SetSocketConnected{Connected: false})
}

// LoadConversations replaces the conversation list with the server's.
func (c *Controller) LoadConversations(ctx context.Context) error {
	list, err := c.api.ListConversations(ctx)
	if err != nil {
		c.metrics.SyncErrors.WithLabelValues("load_conversations").Inc()
		return errors.Wrap(err, "load conversations")
	}
	c.store.Dispatch(store.SetConversations{Conversations: list})
	return nil
}

// LoadMessages replaces the cached history of one conversation with the
// first page from the server. Cached messages older than that page are
// kept. Messages pushed or sent while the fetch was running are appended
// again if the page does not have them.
func (c *Controller) LoadMessages(ctx context.Context, conversationID string) error {
	c.applyMu.Lock()
	f := c.inflight[conversationID]
	if f == nil {
		f = &inflight{}
		c.inflight[conversationID] = f
	}
	f.refs++
	c.applyMu.Unlock()

	page, err := c.api.GetMessages(ctx, conversationID, 1)

	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	f.refs--
	pushed := f.pushed
	if f.refs == 0 {
		delete(c.inflight, conversationID)
	}
	if err != nil {
		c.metrics.SyncErrors.WithLabelValues("load_messages").Inc()
		return errors.Wrapf(err, "load messages for %s", conversationID)
	}

	history := page.Items
	current, _ := c.store.Messages(conversationID)
	merged := append(olderThan(current, history), history...)
	c.store.Dispatch(store.SetMessages{ConversationID: conversationID, Messages: merged})
	c.loaded[conversationID] = true
	for _, m := range history {
		c.dedup.Record(m.ID)
	}
	for _, m := range pushed {
		if !containsMessage(history, m.ID) {
			c.store.Dispatch(store.AddMessage{ConversationID: conversationID, Message: m})
		}
	}
	return nil
}

// LoadOlderMessages fetches an older history page and puts it in front of
// the cached messages. It reports whether more pages remain.
func (c *Controller) LoadOlderMessages(ctx context.Context, conversationID string, page int) (bool, error) {
	if page < 2 {
		return false, errors.Wrapf(ErrInvalidConversation, "page %d is not an older page", page)
	}
	res, err := c.api.GetMessages(ctx, conversationID, page)
	if err != nil {
		c.metrics.SyncErrors.WithLabelValues("load_older_messages").Inc()
		return false, errors.Wrapf(err, "load page %d for %s", page, conversationID)
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	current, _ := c.store.Messages(conversationID)
	merged := make([]models.Message, 0, len(res.Items)+len(current))
	for _, m := range res.Items {
		if !containsMessage(current, m.ID) && !containsMessage(merged, m.ID) {
			merged = append(merged, m)
		}
	}
	merged = append(merged, current...)
	c.store.Dispatch(store.SetMessages{ConversationID: conversationID, Messages: merged})
	for _, m := range res.Items {
		c.dedup.Record(m.ID)
	}
	return res.HasMore, nil
}

// SelectConversation makes conv active and loads its history the first
// time it is selected. A nil conv clears the selection.
func (c *Controller) SelectConversation(ctx context.Context, conv *models.Conversation) error {
	c.store.Dispatch(store.SetActiveConversation{Conversation: conv})
	if conv == nil {
		return nil
	}
	c.applyMu.Lock()
	loaded := c.loaded[conv.ID]
	c.applyMu.Unlock()
	if loaded {
		return nil
	}
	return c.LoadMessages(ctx, conv.ID)
}

// SendMessage persists text and appends the server's copy of the message.
func (c *Controller) SendMessage(ctx context.Context, conversationID, text, parentMessageID string) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	msg, err := c.api.SendMessage(ctx, conversationID, text, parentMessageID)
	if err != nil {
		c.metrics.SyncErrors.WithLabelValues("send_message").Inc()
		return nil, errors.Wrap(err, "send message")
	}

	// the socket echo may already have applied it
	c.applyMu.Lock()
	if c.dedup.ShouldApply(msg.ID) {
		if f := c.inflight[conversationID]; f != nil {
			f.pushed = append(f.pushed, *msg)
		}
		c.addMessage(conversationID, *msg)
	}
	c.applyMu.Unlock()
	return msg, nil
}

// CreateConversation creates a conversation and reloads the list so it
// shows up. It returns the new conversation's id.
func (c *Controller) CreateConversation(ctx context.Context, participantIDs []string, title, convType string) (string, error) {
	if len(participantIDs) == 0 {
		return "", errors.Wrap(ErrInvalidConversation, "no participants")
	}
	if convType != models.ConversationDirect && convType != models.ConversationGroup {
		return "", errors.Wrapf(ErrInvalidConversation, "unknown type %q", convType)
	}
	if convType == models.ConversationDirect && len(participantIDs) != 1 {
		return "", errors.Wrap(ErrInvalidConversation, "direct conversations take exactly one participant")
	}

	id, err := c.api.CreateConversation(ctx, participantIDs, title, convType)
	if err != nil {
		c.metrics.SyncErrors.WithLabelValues("create_conversation").Inc()
		return "", errors.Wrap(err, "create conversation")
	}
	if err := c.LoadConversations(ctx); err != nil {
		return id, err
	}
	return id, nil
}

// AvailableUsers lists users eligible for a new conversation.
func (c *Controller) AvailableUsers(ctx context.Context) ([]models.User, error) {
	users, err := c.api.ListAvailableUsers(ctx)
	if err != nil {
		c.metrics.SyncErrors.WithLabelValues("available_users").Inc()
		return nil, errors.Wrap(err, "available users")
	}
	return users, nil
}

// MarkAsRead marks messages read and reloads the list for fresh unread counts.
func (c *Controller) MarkAsRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := c.api.MarkAsRead(ctx, messageIDs); err != nil {
		c.metrics.SyncErrors.WithLabelValues("mark_as_read").Inc()
		return errors.Wrap(err, "mark as read")
	}
	return c.LoadConversations(ctx)
}

func (c *Controller) onConnected(socket.Event) {
	c.mu.Lock()
	reconnect := c.everConnected
	c.everConnected = true
	c.mu.Unlock()

	c.store.Dispatch(store.SetSocketConnected{Connected: true})
	if reconnect {
		c.logger.Println("Reconnected, reloading conversations")
		if err := c.LoadConversations(context.Background()); err != nil {
			c.logger.Printf("Failed to resync after reconnect: %v", err)
		}
	}
}

func (c *Controller) onDisconnected(socket.Event) {
	c.store.Dispatch(store.SetSocketConnected{Connected: false})
}

func (c *Controller) onError(ev socket.Event) {
	c.logger.Printf("Socket error: %v", ev.Err)
	c.store.Dispatch(store.SetSocketConnected{Connected: false})
}

func (c *Controller) onNewMessage(ev socket.Event) {
	var p models.NewMessagePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		c.logger.Printf("Error decoding new_message: %v", err)
		return
	}
	if !c.HandleNewMessage(p) {
		return
	}
	if err := c.LoadConversations(context.Background()); err != nil {
		c.logger.Printf("Failed to refresh conversations: %v", err)
	}
}

// HandleNewMessage applies one pushed message. It reports false when the
// message was already applied or carries no id.
func (c *Controller) HandleNewMessage(p models.NewMessagePayload) bool {
	conversationID := p.ConversationID
	if conversationID == "" {
		conversationID = p.Message.ConversationID
	}
	if p.Message.ID == "" || conversationID == "" {
		c.logger.Printf("Ignoring new_message without ids")
		return false
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	if !c.dedup.ShouldApply(p.Message.ID) {
		c.metrics.MessagesDuplicate.Inc()
		return false
	}
	if f := c.inflight[conversationID]; f != nil {
		f.pushed = append(f.pushed, p.Message)
	}
	c.addMessage(conversationID, p.Message)
	return true
}

// addMessage must be called with applyMu held.
func (c *Controller) addMessage(conversationID string, m models.Message) {
	c.store.Dispatch(store.AddMessage{ConversationID: conversationID, Message: m})
	c.metrics.MessagesApplied.Inc()
}

// olderThan returns the cached messages in front of the first message of
// page. It is empty when the cache does not reach back to that message.
func olderThan(cached, page []models.Message) []models.Message {
	if len(page) == 0 {
		return nil
	}
	for i, m := range cached {
		if m.ID == page[0].ID {
			return append([]models.Message(nil), cached[:i]...)
		}
	}
	return nil
}

func containsMessage(list []models.Message, id string) bool {
	for _, m := range list {
		if m.ID == id {
			return true
		}
	}
	return false
}
