package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PIP fetches facts from a policy information point over HTTP. The
// response body is the bare value.
type PIP struct {
	HTTPClient *http.Client
	Tokens     TokenSource
}

func NewPIP(timeout time.Duration, tokens TokenSource) *PIP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PIP{HTTPClient: &http.Client{Timeout: timeout}, Tokens: tokens}
}

func (p *PIP) Value(ctx context.Context, endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("pip endpoint required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	if p.Tokens != nil {
		token, err := p.Tokens.CurrentToken(ctx)
		if err != nil {
			return "", fmt.Errorf("acquire token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pip %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("pip %s: status=%d", endpoint, resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}
