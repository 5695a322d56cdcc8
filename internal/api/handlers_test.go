package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"rentchat/internal/config"
	"rentchat/internal/db"
	"rentchat/internal/models"
	"rentchat/internal/websocket"
)

type testServer struct {
	db      *db.DB
	hub     *websocket.Hub
	handler http.Handler
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{JWTSecret: "test-secret", RateLimitRPS: 1000, RateLimitBurst: 1000}
	}
	database, err := db.NewDB("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	hub := websocket.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		database.Close()
	})

	h := NewHandlers(database, hub, cfg, logger)
	return &testServer{db: database, hub: hub, handler: NewRouter(h, prometheus.NewRegistry())}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:5555"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(t *testing.T, email, first string) models.LoginResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/auth/register", "", models.RegisterRequest{
		Email: email, Password: "secret", FirstName: first, LastName: "Test",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", email, rec.Code, rec.Body.String())
	}
	var resp models.LoginResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	return resp
}

func TestRegisterAndLogin(t *testing.T) {
	s := newTestServer(t, nil)
	reg := s.register(t, "Alice@Example.com", "Alice")
	if reg.Token == "" || reg.User.Role != "tenant" || reg.User.Email != "alice@example.com" {
		t.Errorf("unexpected register response %+v", reg)
	}

	stored, _ := s.db.GetUserByEmail("alice@example.com")
	if bcrypt.CompareHashAndPassword([]byte(stored.Password), []byte("secret")) != nil {
		t.Error("password not stored as bcrypt hash")
	}

	tests := []struct {
		name     string
		password string
		want     int
	}{
		{"valid", "secret", http.StatusOK},
		{"wrong password", "nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/auth/login", "", models.LoginRequest{Email: "alice@example.com", Password: tt.password})
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusOK {
				if !strings.Contains(rec.Header().Get("Set-Cookie"), authCookie) {
					t.Error("login did not set the auth cookie")
				}
				if strings.Contains(rec.Body.String(), "password") {
					t.Error("login response leaked the password")
				}
			}
		})
	}

	if rec := s.do(t, http.MethodPost, "/api/auth/register", "", models.RegisterRequest{
		Email: "alice@example.com", Password: "x", FirstName: "Again",
	}); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on duplicate email, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, nil)
	paths := []string{"/api/conversations", "/api/users/available", "/api/auth/verify"}
	for _, p := range paths {
		if rec := s.do(t, http.MethodGet, p, "", nil); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", p, rec.Code)
		}
		if rec := s.do(t, http.MethodGet, p, "garbage", nil); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: expected 401, got %d", p, rec.Code)
		}
	}
}

func TestCookieAuth(t *testing.T) {
	s := newTestServer(t, nil)
	alice := s.register(t, "alice@example.com", "Alice")

	req := httptest.NewRequest(http.MethodGet, "/api/auth/verify", nil)
	req.AddCookie(&http.Cookie{Name: authCookie, Value: alice.Token})
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with cookie, got %d", rec.Code)
	}
}

func TestCreateConversation(t *testing.T) {
	s := newTestServer(t, nil)
	alice := s.register(t, "alice@example.com", "Alice")
	bob := s.register(t, "bob@example.com", "Bob")
	carol := s.register(t, "carol@example.com", "Carol")

	tests := []struct {
		name string
		req  models.CreateConversationRequest
		want int
	}{
		{"unknown type", models.CreateConversationRequest{ParticipantIDs: []string{bob.User.ID}, Type: "channel"}, http.StatusBadRequest},
		{"no participants", models.CreateConversationRequest{Type: models.ConversationGroup}, http.StatusBadRequest},
		{"only self", models.CreateConversationRequest{ParticipantIDs: []string{alice.User.ID}, Type: models.ConversationDirect}, http.StatusBadRequest},
		{"direct with two", models.CreateConversationRequest{ParticipantIDs: []string{bob.User.ID, carol.User.ID}, Type: models.ConversationDirect}, http.StatusBadRequest},
		{"unknown user", models.CreateConversationRequest{ParticipantIDs: []string{"ghost"}, Type: models.ConversationDirect}, http.StatusBadRequest},
		{"group", models.CreateConversationRequest{ParticipantIDs: []string{bob.User.ID, carol.User.ID}, Title: "Flat 4", Type: models.ConversationGroup}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := s.do(t, http.MethodPost, "/api/conversations", alice.Token, tt.req); rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	direct := models.CreateConversationRequest{ParticipantIDs: []string{bob.User.ID}, Type: models.ConversationDirect}
	rec := s.do(t, http.MethodPost, "/api/conversations", alice.Token, direct)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var first models.CreateConversationResponse
	json.NewDecoder(rec.Body).Decode(&first)

	// the reverse direction reuses the same conversation
	reverse := models.CreateConversationRequest{ParticipantIDs: []string{alice.User.ID}, Type: models.ConversationDirect}
	rec = s.do(t, http.MethodPost, "/api/conversations", bob.Token, reverse)
	var second models.CreateConversationResponse
	json.NewDecoder(rec.Body).Decode(&second)
	if rec.Code != http.StatusOK || second.ID != first.ID {
		t.Errorf("expected reuse of %s, got %d %s", first.ID, rec.Code, second.ID)
	}
}

func TestMessages(t *testing.T) {
	s := newTestServer(t, nil)
	alice := s.register(t, "alice@example.com", "Alice")
	bob := s.register(t, "bob@example.com", "Bob")
	mallory := s.register(t, "mallory@example.com", "Mallory")

	rec := s.do(t, http.MethodPost, "/api/conversations", alice.Token,
		models.CreateConversationRequest{ParticipantIDs: []string{bob.User.ID}, Type: models.ConversationDirect})
	var conv models.CreateConversationResponse
	json.NewDecoder(rec.Body).Decode(&conv)
	path := "/api/conversations/" + conv.ID + "/messages"

	if rec := s.do(t, http.MethodPost, path, alice.Token, models.SendMessageRequest{Text: "  "}); rec.Code != http.StatusBadRequest {
		t.Errorf("blank text: expected 400, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, path, mallory.Token, models.SendMessageRequest{Text: "hi"}); rec.Code != http.StatusForbidden {
		t.Errorf("outsider send: expected 403, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, path, mallory.Token, nil); rec.Code != http.StatusForbidden {
		t.Errorf("outsider read: expected 403, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, path, alice.Token, models.SendMessageRequest{Text: "hello"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("send: expected 201, got %d", rec.Code)
	}
	var sent models.Message
	json.NewDecoder(rec.Body).Decode(&sent)

	rec = s.do(t, http.MethodPost, path, bob.Token, models.SendMessageRequest{Text: "hi back", ParentMessageID: sent.ID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("reply: expected 201, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, path, bob.Token, models.SendMessageRequest{Text: "x", ParentMessageID: "missing"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown parent: expected 400, got %d", rec.Code)
	}

	rec = s.do(t, http.MethodGet, path+"?page=1&limit=1", bob.Token, nil)
	var page models.MessagePage
	json.NewDecoder(rec.Body).Decode(&page)
	if len(page.Items) != 1 || page.Items[0].Text != "hi back" || page.Items[0].ParentMessageID != sent.ID || !page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}
	if rec := s.do(t, http.MethodGet, path+"?page=0", bob.Token, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("page 0: expected 400, got %d", rec.Code)
	}

	// bob has alice's message unread until he marks it
	rec = s.do(t, http.MethodGet, "/api/conversations", bob.Token, nil)
	var convs []models.Conversation
	json.NewDecoder(rec.Body).Decode(&convs)
	if len(convs) != 1 || convs[0].UnreadCount != 1 || convs[0].LastMessage != "hi back" {
		t.Fatalf("unexpected conversations %+v", convs)
	}
	if rec := s.do(t, http.MethodPost, "/api/messages/read", bob.Token, models.MarkAsReadRequest{MessageIDs: []string{sent.ID}}); rec.Code != http.StatusNoContent {
		t.Fatalf("mark read: expected 204, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/api/conversations", bob.Token, nil)
	json.NewDecoder(rec.Body).Decode(&convs)
	if convs[0].UnreadCount != 0 {
		t.Errorf("expected 0 unread, got %d", convs[0].UnreadCount)
	}
}

func TestAvailableUsers(t *testing.T) {
	s := newTestServer(t, nil)
	alice := s.register(t, "alice@example.com", "Alice")
	s.register(t, "bob@example.com", "Bob")

	rec := s.do(t, http.MethodGet, "/api/users/available", alice.Token, nil)
	var users []models.User
	json.NewDecoder(rec.Body).Decode(&users)
	if len(users) != 1 || users[0].FirstName != "Bob" {
		t.Errorf("unexpected users %+v", users)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, &config.Config{JWTSecret: "k", RateLimitRPS: 0.001, RateLimitBurst: 2})
	var codes []int
	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodPost, "/api/auth/login", "", models.LoginRequest{Email: "x@example.com", Password: "x"})
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusUnauthorized || codes[1] != http.StatusUnauthorized || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence %v", codes)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodGet, "/api/conversations", "", nil)

	rec := s.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "rentchat_http_requests_total{") || !strings.Contains(body, `status="401"`) {
		t.Errorf("request counter missing from:\n%s", body)
	}
}
