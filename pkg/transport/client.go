package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dataspace/pkg/httpx"
	"dataspace/pkg/models"
)

// TokenSource supplies the DAT attached to outbound messages.
type TokenSource interface {
	CurrentToken(ctx context.Context) (string, error)
}

// Client delivers envelopes to remote connector endpoints over HTTP.
// It implements the message transport contract of the negotiation
// package.
type Client struct {
	HTTPClient *http.Client
	Tokens     TokenSource
	Retries    int
	RetryDelay time.Duration
}

func NewClient(timeout time.Duration, tokens TokenSource) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		Tokens:     tokens,
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Send posts an envelope to the recipient's message endpoint and
// decodes the reply envelope.
func (c *Client) Send(ctx context.Context, env models.Envelope, recipient string) (models.Envelope, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return models.Envelope{}, fmt.Errorf("recipient address required")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("encode envelope: %w", err)
	}
	headers, err := c.headers(ctx)
	if err != nil {
		return models.Envelope{}, err
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.httpClient(), http.MethodPost, recipient, body, headers, c.Retries, c.RetryDelay)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("send to %s: %w", recipient, err)
	}
	if status >= 300 {
		return models.Envelope{}, fmt.Errorf("send to %s: status=%d body=%s", recipient, status, truncate(respBody))
	}
	var reply models.Envelope
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return models.Envelope{}, fmt.Errorf("decode reply from %s: %w", recipient, err)
	}
	return reply, nil
}

// Notify posts an envelope to a duty endpoint and discards the body.
// A 2xx status is the only success signal.
func (c *Client) Notify(ctx context.Context, endpoint string, env models.Envelope) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("notification endpoint required")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	headers, err := c.headers(ctx)
	if err != nil {
		return err
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.httpClient(), http.MethodPost, endpoint, body, headers, c.Retries, c.RetryDelay)
	if err != nil {
		return fmt.Errorf("notify %s: %w", endpoint, err)
	}
	if status >= 300 {
		return fmt.Errorf("notify %s: status=%d body=%s", endpoint, status, truncate(respBody))
	}
	return nil
}

func (c *Client) headers(ctx context.Context) (map[string]string, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	if c.Tokens != nil {
		token, err := c.Tokens.CurrentToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	}
	return headers, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func truncate(body []byte) string {
	const limit = 512
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
