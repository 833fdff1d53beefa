package telehealth

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

const defaultTimeout = 10 * time.Second

// Client talks to the video provider's REST API. Rooms are created
// idempotently by name; token minting is stateless on our side.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

type createRoomRequest struct {
	Name string `json:"name"`
}

type createRoomResponse struct {
	Handle string `json:"handle"`
}

type mintTokenRequest struct {
	Identity   string `json:"identity"`
	Room       string `json:"room"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type mintTokenResponse struct {
	Token string `json:"token"`
}

func (c *Client) CreateRoom(ctx context.Context, name string) (string, error) {
	var resp createRoomResponse
	if err := c.post(ctx, "/v1/rooms", createRoomRequest{Name: name}, &resp); err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return "", fmt.Errorf("video provider returned empty room handle for %q", name)
	}
	return resp.Handle, nil
}

func (c *Client) MintToken(ctx context.Context, identity, room string, ttl time.Duration) (string, error) {
	req := mintTokenRequest{
		Identity:   identity,
		Room:       room,
		TTLSeconds: int(ttl.Seconds()),
	}
	var resp mintTokenResponse
	if err := c.post(ctx, "/v1/tokens", req, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("video provider returned empty token for room %q", room)
	}
	return resp.Token, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call video provider: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("video provider %s returned %d: %s", path, resp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
