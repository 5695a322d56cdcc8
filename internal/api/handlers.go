package api

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	gorilla "github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"rentchat/internal/config"
	"rentchat/internal/db"
	"rentchat/internal/models"
	"rentchat/internal/websocket"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

var roles = map[string]bool{"admin": true, "agent": true, "tenant": true}

type Handlers struct {
	db       *db.DB
	hub      *websocket.Hub
	secret   []byte
	origins  map[string]bool
	limiter  *limiterPool
	upgrader gorilla.Upgrader
	logger   *log.Logger
}

func NewHandlers(database *db.DB, hub *websocket.Hub, cfg *config.Config, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = log.New(os.Stdout, "[API] ", log.LstdFlags|log.Lshortfile)
	}
	h := &Handlers{
		db:      database,
		hub:     hub,
		secret:  []byte(cfg.JWTSecret),
		origins: make(map[string]bool),
		limiter: &limiterPool{rps: cfg.RateLimitRPS, burst: cfg.RateLimitBurst},
		logger:  logger,
	}
	for _, o := range cfg.AllowedOrigins {
		h.origins[o] = true
	}
	h.upgrader = gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// non-browser clients send no Origin
			origin := r.Header.Get("Origin")
			return origin == "" || h.origins[origin]
		},
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Auth handlers
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" || req.FirstName == "" {
		http.Error(w, "email, password and first_name are required", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = "tenant"
	}
	if !roles[req.Role] {
		http.Error(w, "Unknown role", http.StatusBadRequest)
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	user, err := h.db.CreateUser(&models.User{
		Email:     req.Email,
		Password:  string(hashedPassword),
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
		Avatar:    req.Avatar,
	})
	if err != nil {
		h.logger.Printf("Failed to create user %s: %v", req.Email, err)
		http.Error(w, "Email already registered", http.StatusConflict)
		return
	}

	h.respondWithToken(w, http.StatusCreated, user)
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := h.db.GetUserByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	h.respondWithToken(w, http.StatusOK, user)
}

func (h *Handlers) respondWithToken(w http.ResponseWriter, status int, user *models.User) {
	tokenString, err := h.issueToken(user.ID)
	if err != nil {
		http.Error(w, "Failed to create token", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    tokenString,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(tokenTTL.Seconds()),
	})
	writeJSON(w, status, models.LoginResponse{Token: tokenString, User: *user})
}

// HandleLogout clears the auth cookie and drops the caller's live sockets.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if user, err := h.authenticate(r); err == nil {
		h.hub.DisconnectUser(user.ID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}

// Conversation handlers
func (h *Handlers) HandleConversations(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	conversations, err := h.db.GetUserConversations(user.ID)
	if err != nil {
		h.logger.Printf("Failed to fetch conversations for %s: %v", user.ID, err)
		http.Error(w, "Failed to fetch conversations", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type != models.ConversationDirect && req.Type != models.ConversationGroup {
		http.Error(w, "type must be direct or group", http.StatusBadRequest)
		return
	}

	// participants other than the caller, without duplicates
	seen := map[string]bool{user.ID: true}
	var others []string
	for _, id := range req.ParticipantIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := h.db.GetUserByID(id); err != nil {
			http.Error(w, "Unknown participant "+id, http.StatusBadRequest)
			return
		}
		others = append(others, id)
	}
	if len(others) == 0 {
		http.Error(w, "At least one other participant is required", http.StatusBadRequest)
		return
	}

	if req.Type == models.ConversationDirect {
		if len(others) != 1 {
			http.Error(w, "Direct conversations have exactly one other participant", http.StatusBadRequest)
			return
		}
		existing, err := h.db.GetExistingDirectConversation(user.ID, others[0])
		if err != nil {
			http.Error(w, "Failed to check existing conversation", http.StatusInternalServerError)
			return
		}
		if existing != "" {
			writeJSON(w, http.StatusOK, models.CreateConversationResponse{ID: existing})
			return
		}
		// direct conversations are titled from the participants
		req.Title = ""
	}

	id, err := h.db.CreateConversation(req.Type, req.Title, append(others, user.ID))
	if err != nil {
		h.logger.Printf("Failed to create conversation: %v", err)
		http.Error(w, "Failed to create conversation", http.StatusInternalServerError)
		return
	}
	h.logger.Printf("Conversation %s created by %s", id, user.ID)
	writeJSON(w, http.StatusCreated, models.CreateConversationResponse{ID: id})
}

// requireParticipant writes 403 and returns false unless the caller is in
// the conversation.
func (h *Handlers) requireParticipant(w http.ResponseWriter, r *http.Request, conversationID string) bool {
	ok, err := h.db.IsParticipant(conversationID, currentUser(r).ID)
	if err != nil {
		http.Error(w, "Failed to check conversation", http.StatusInternalServerError)
		return false
	}
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if !h.requireParticipant(w, r, conversationID) {
		return
	}

	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid page", http.StatusBadRequest)
			return
		}
		page = n
	}
	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}

	messages, err := h.db.GetConversationMessages(conversationID, page, limit)
	if err != nil {
		h.logger.Printf("Failed to fetch messages for %s: %v", conversationID, err)
		http.Error(w, "Failed to fetch messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	user := currentUser(r)

	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if !h.requireParticipant(w, r, conversationID) {
		return
	}
	if req.ParentMessageID != "" {
		parent, err := h.db.GetMessage(req.ParentMessageID)
		if err != nil || parent.ConversationID != conversationID {
			http.Error(w, "Unknown parent message", http.StatusBadRequest)
			return
		}
	}

	saved, err := h.db.SaveMessage(&models.Message{
		ConversationID:  conversationID,
		SenderID:        user.ID,
		Text:            req.Text,
		ParentMessageID: req.ParentMessageID,
	})
	if err != nil {
		h.logger.Printf("Failed to save message: %v", err)
		http.Error(w, "Failed to save message", http.StatusInternalServerError)
		return
	}

	participants, err := h.db.GetConversationParticipantIDs(conversationID)
	if err != nil {
		h.logger.Printf("Failed to get conversation participants: %v", err)
	} else if err := h.hub.NotifyNewMessage(saved, participants); err != nil {
		h.logger.Printf("Failed to push message %s: %v", saved.ID, err)
	}

	writeJSON(w, http.StatusCreated, saved)
}

func (h *Handlers) HandleMarkAsRead(w http.ResponseWriter, r *http.Request) {
	var req models.MarkAsReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.db.MarkMessagesRead(currentUser(r).ID, req.MessageIDs); err != nil {
		h.logger.Printf("Failed to mark messages read: %v", err)
		http.Error(w, "Failed to mark messages read", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// User handlers
func (h *Handlers) HandleAvailableUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.db.GetAvailableUsers(currentUser(r).ID)
	if err != nil {
		http.Error(w, "Failed to get users", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// WebSocket handler
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := h.authenticate(r)
	if err != nil {
		h.logger.Printf("WebSocket rejected from %s: %v", r.RemoteAddr, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := websocket.NewClient(h.hub, conn, user.ID)
	if !h.hub.Add(client) {
		conn.Close()
		return
	}
	h.logger.Printf("WebSocket authenticated for user %s", user.ID)

	go client.WritePump()
	go client.ReadPump()
}
