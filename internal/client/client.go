// Package client calls the rentchat REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"rentchat/internal/models"
)

// DefaultPageSize is the history page size requested by GetMessages.
const DefaultPageSize = 50

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient returns a copy of c that sends requests through hc.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	cp := *c
	cp.httpClient = hc
	return &cp
}

// WithToken returns a copy of c authenticated with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) Token() string { return c.token }

func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.LoginResponse, error) {
	var resp models.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", req, &resp); err != nil {
		return nil, errors.Wrap(err, "register")
	}
	return &resp, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*models.LoginResponse, error) {
	var resp models.LoginResponse
	req := models.LoginRequest{Email: email, Password: password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", req, &resp); err != nil {
		return nil, errors.Wrap(err, "login")
	}
	return &resp, nil
}

// ListConversations returns the caller's conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	return out, nil
}

// GetMessages returns one page of history. Pages start at 1.
func (c *Client) GetMessages(ctx context.Context, conversationID string, page int) (*models.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(DefaultPageSize))
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var out models.MessagePage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, errors.Wrapf(err, "get messages for %s", conversationID)
	}
	return &out, nil
}

// SendMessage persists a message and returns the stored copy.
func (c *Client) SendMessage(ctx context.Context, conversationID, text, parentMessageID string) (*models.Message, error) {
	req := models.SendMessageRequest{Text: text, ParentMessageID: parentMessageID}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"

	var out models.Message
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, errors.Wrapf(err, "send message to %s", conversationID)
	}
	return &out, nil
}

// CreateConversation returns the id of the new (or reused direct) conversation.
func (c *Client) CreateConversation(ctx context.Context, participantIDs []string, title, convType string) (string, error) {
	req := models.CreateConversationRequest{ParticipantIDs: participantIDs, Title: title, Type: convType}
	var out models.CreateConversationResponse
	if err := c.do(ctx, http.MethodPost, "/api/conversations", req, &out); err != nil {
		return "", errors.Wrap(err, "create conversation")
	}
	return out.ID, nil
}

// ListAvailableUsers returns users the caller can start a conversation with.
func (c *Client) ListAvailableUsers(ctx context.Context) ([]models.User, error) {
	var out []models.User
	if err := c.do(ctx, http.MethodGet, "/api/users/available", nil, &out); err != nil {
		return nil, errors.Wrap(err, "list available users")
	}
	return out, nil
}

func (c *Client) MarkAsRead(ctx context.Context, messageIDs []string) error {
	req := models.MarkAsReadRequest{MessageIDs: messageIDs}
	if err := c.do(ctx, http.MethodPost, "/api/messages/read", req, nil); err != nil {
		return errors.Wrap(err, "mark as read")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
