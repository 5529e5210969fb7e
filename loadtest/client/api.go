package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Account is a registered user with a live access token.
type Account struct {
	UserID   string
	Username string
	Token    string
}

// Message is the persisted message returned by POST /api/messages.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsRead     bool      `json:"is_read"`
}

// HTTPClient talks to the REST API.
type HTTPClient struct {
	Base string
	HTTP *http.Client
}

// NewHTTP returns an HTTPClient for the API rooted at base, e.g.
// http://localhost:8080.
func NewHTTP(base string) *HTTPClient {
	return &HTTPClient{
		Base: base,
		HTTP: &http.Client{Timeout: 10 * time.Second},
	}
}

// Register creates a user and returns its account.
func (c *HTTPClient) Register(ctx context.Context, username, email, password string) (*Account, error) {
	var out struct {
		AccessToken string `json:"access_token"`
		User        struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"user"`
	}
	body := map[string]string{"username": username, "email": email, "password": password}
	if err := c.do(ctx, "POST", "/api/register", "", body, &out); err != nil {
		return nil, fmt.Errorf("register %s: %w", username, err)
	}
	return &Account{UserID: out.User.ID, Username: out.User.Username, Token: out.AccessToken}, nil
}

// SendMessage posts a message from the token's owner to receiverID.
func (c *HTTPClient) SendMessage(ctx context.Context, token, receiverID, content string) (*Message, error) {
	var out Message
	body := map[string]string{"receiver_id": receiverID, "content": content}
	if err := c.do(ctx, "POST", "/api/messages", token, body, &out); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &out, nil
}

// History returns the conversation between the token's owner and otherID.
func (c *HTTPClient) History(ctx context.Context, token, otherID string) ([]Message, error) {
	var out []Message
	if err := c.do(ctx, "GET", "/api/messages/"+otherID, token, nil, &out); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return out, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Status, http.StatusText(e.Status))
}

func (c *HTTPClient) do(ctx context.Context, method, path, token string, in, out interface{}) error {
	var buf bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
