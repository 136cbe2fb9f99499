package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatline/internal/auth"
	"chatline/internal/models"
)

// ErrUnauthorized is returned for 401 and 403 responses and when the session
// credential is no longer usable.
var ErrUnauthorized = auth.ErrUnauthorized

const maxErrorBody = 4 << 10

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token() (string, error)
}

// StatusError is returned for non-2xx responses other than auth failures.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// Client talks to the REST backend of the social network.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

func New(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

type sendRoomRequest struct {
	Text   string `json:"text"`
	UserID string `json:"userId"`
}

type sendPrivateRequest struct {
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
}

// History returns the messages of a conversation, oldest first.
func (c *Client) History(ctx context.Context, conv models.Conversation) ([]models.Message, error) {
	var path string
	switch conv.Kind {
	case models.ConversationRoom:
		path = "/api/rooms/" + url.PathEscape(conv.Room.ID) + "/messages"
	case models.ConversationPrivate:
		path = "/api/messages/" + url.PathEscape(conv.Peer.ID)
	default:
		return nil, fmt.Errorf("unknown conversation kind %q", conv.Kind)
	}

	var messages []models.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, fmt.Errorf("failed to fetch history of %s: %w", conv.Name(), err)
	}
	return messages, nil
}

// Send persists a new message and returns it as stored by the backend.
func (c *Client) Send(ctx context.Context, conv models.Conversation, sender models.UserRef, text string) (models.Message, error) {
	var (
		path string
		body any
	)
	switch conv.Kind {
	case models.ConversationRoom:
		path = "/api/rooms/" + url.PathEscape(conv.Room.ID) + "/messages"
		body = sendRoomRequest{Text: text, UserID: sender.ID}
	case models.ConversationPrivate:
		path = "/chat/private"
		body = sendPrivateRequest{Receiver: conv.Peer.ID, Text: text}
	default:
		return models.Message{}, fmt.Errorf("unknown conversation kind %q", conv.Kind)
	}

	var msg models.Message
	if err := c.do(ctx, http.MethodPost, path, body, &msg); err != nil {
		return models.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	return msg, nil
}

// Rooms lists the chat rooms.
func (c *Client) Rooms(ctx context.Context) ([]models.RoomRef, error) {
	var rooms []models.RoomRef
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

// Friends lists the users the current user can chat with privately.
func (c *Client) Friends(ctx context.Context) ([]models.UserRef, error) {
	var friends []models.UserRef
	if err := c.do(ctx, http.MethodGet, "/api/users/friends", nil, &friends); err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}
	return friends, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
