package access

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

	"github.com/tunaaoguzhann/paygate/core"
)

const maxResponseBytes = 64 << 10

type clientAddrKey struct{}

// WithClientAddr records the end user's address on ctx. StoreClient forwards it so the
// store rate-limits per buyer rather than per calculator instance.
func WithClientAddr(ctx context.Context, addr string) context.Context {
	if addr == "" {
		return ctx
	}
	return context.WithValue(ctx, clientAddrKey{}, addr)
}

func clientAddr(ctx context.Context) string {
	addr, _ := ctx.Value(clientAddrKey{}).(string)
	return addr
}

// StoreClient talks to a remote Token Store over HTTP. Every call is bounded by the
// configured timeout and a timeout is reported as core.ErrConnectivity.
type StoreClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

var _ TokenStore = (*StoreClient)(nil)

type ClientOption func(*StoreClient)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(s *StoreClient) {
		s.http = c
	}
}

func NewStoreClient(baseURL string, timeout time.Duration, opts ...ClientOption) *StoreClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &StoreClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *StoreClient) Validate(ctx context.Context, token string) ValidationResult {
	if token == "" {
		return invalidResult(core.ErrInvalidToken)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/validate-token?token="+url.QueryEscape(token), http.NoBody)
	if err != nil {
		return invalidResult(core.ErrConnectivity)
	}
	var body ValidateResponse
	if err := c.do(req, &body); err != nil {
		return invalidResult(err)
	}
	if !body.Valid {
		return invalidResult(core.ErrorForCode(body.Code))
	}

	typ := core.TokenType(body.Type)
	if !typ.Valid() || body.Remaining == nil || *body.Remaining <= 0 {
		// A "valid" answer we cannot interpret must not unlock anything.
		return invalidResult(core.ErrConnectivity)
	}
	return ValidationResult{
		Valid:     true,
		Type:      typ,
		Remaining: *body.Remaining,
		ExpiresAt: time.UnixMilli(body.ExpiresAt).UTC(),
	}
}

func (c *StoreClient) Consume(ctx context.Context, token, requestID string) (core.ConsumeResult, error) {
	if token == "" {
		return core.ConsumeResult{}, core.ErrInvalidToken
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := json.Marshal(ConsumeRequest{Token: token, RequestID: requestID})
	if err != nil {
		return core.ConsumeResult{}, fmt.Errorf("%w: encode request: %v", core.ErrConnectivity, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/consume-token", bytes.NewReader(raw))
	if err != nil {
		return core.ConsumeResult{}, fmt.Errorf("%w: %v", core.ErrConnectivity, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var body ConsumeResponse
	if err := c.do(req, &body); err != nil {
		return core.ConsumeResult{}, err
	}
	if !body.Success {
		return core.ConsumeResult{}, core.ErrorForCode(body.Code)
	}
	if body.Remaining == nil {
		return core.ConsumeResult{}, fmt.Errorf("%w: consume response without remaining", core.ErrConnectivity)
	}
	return core.ConsumeResult{Remaining: *body.Remaining, Replayed: body.Replayed}, nil
}

// do sends req and decodes a JSON body. Any failure short of a decodable 2xx or
// 4xx answer is a connectivity error.
func (c *StoreClient) do(req *http.Request, out any) error {
	if addr := clientAddr(req.Context()); addr != "" {
		req.Header.Set("X-Forwarded-For", addr)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConnectivity, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return core.ErrRateLimitExceeded
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: store returned %d", core.ErrConnectivity, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", core.ErrConnectivity, err)
	}
	return nil
}
