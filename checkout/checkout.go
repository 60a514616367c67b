// Package checkout is the client for the payment provider's checkout-session endpoint.
package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tunaaoguzhann/paygate/core"
)

var ErrUnavailable = errors.New("checkout unavailable")

type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
	}
}

type sessionRequest struct {
	Type string `json:"type"`
}

type sessionResponse struct {
	URL string `json:"url"`
}

// CreateSession asks the provider for a payment page selling a token of typ.
func (c *Client) CreateSession(ctx context.Context, typ core.TokenType) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("%w: unknown plan %q", core.ErrInvalidInput, typ)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := json.Marshal(sessionRequest{Type: string(typ)})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/create-checkout-session", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: provider returned %d", ErrUnavailable, resp.StatusCode)
	}

	var body sessionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if body.URL == "" {
		return "", fmt.Errorf("%w: empty checkout url", ErrUnavailable)
	}
	return body.URL, nil
}
