package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx response from the meeting API. The session layer
// translates it into a session error kind; nothing above that layer
// inspects it.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("meeting api: status %d: %s", e.Status, e.Message)
}

// Terminal reports whether the error is user-facing rather than retryable.
// Authorization and room-state failures do not heal on retry.
func (e *APIError) Terminal() bool {
	return e.Status >= 400 && e.Status < 500
}

// Client talks to the REST meeting API used for authorization and
// metadata around the live signaling connection.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetToken installs the JWT used on subsequent authorized calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) Token() string {
	return c.token
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login authenticates and stores the issued JWT on the client.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp loginResponse

	err := c.postJSON(ctx, "/api/auth/login", loginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}

	c.token = resp.Token

	return resp.Token, nil
}

// JoinGrant is the server's authorization to enter a room over signaling.
type JoinGrant struct {
	MeetingID string `json:"meeting_id"`
	RoomID    string `json:"room_id"`
	Role      string `json:"role"`
}

func (c *Client) JoinMeeting(ctx context.Context, roomID string) (*JoinGrant, error) {
	var grant JoinGrant

	err := c.postJSON(ctx, "/api/v1/meetings/"+roomID+"/join", nil, &grant)
	if err != nil {
		return nil, fmt.Errorf("join meeting %s: %w", roomID, err)
	}

	return &grant, nil
}

func (c *Client) LeaveMeeting(ctx context.Context, meetingID string) error {
	if err := c.postJSON(ctx, "/api/v1/meetings/"+meetingID+"/leave", nil, nil); err != nil {
		return fmt.Errorf("leave meeting %s: %w", meetingID, err)
	}

	return nil
}

// postJSON performs a POST, drains the body and decodes a JSON response
// into v when v is non-nil. Non-2xx statuses become *APIError.
func (c *Client) postJSON(ctx context.Context, path string, body, v any) error {
	var reader io.Reader

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}

		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return &APIError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	if v == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func readErrorMessage(body io.Reader) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return ""
	}

	if payload.Error != "" {
		return payload.Error
	}

	return payload.Message
}
