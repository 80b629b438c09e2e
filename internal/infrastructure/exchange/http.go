package exchange

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

	"golang.org/x/time/rate"

	"perpengine/internal/domain/model"
)

// StatusError non-2xx response; unwraps to model.ErrNetwork
type StatusError struct {
	Provider string
	Code     int
	Body     []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s http %d: %s", e.Provider, e.Code, strings.TrimSpace(string(e.Body)))
}

func (e *StatusError) Unwrap() error { return model.ErrNetwork }

// JSONClient 限流的 JSON REST 客户端，每个请求都有超时
type JSONClient struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewJSONClient rps <= 0 表示不限流
func NewJSONClient(name, baseURL string, timeout time.Duration, rps float64) *JSONClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &JSONClient{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Name provider name used in errors
func (c *JSONClient) Name() string { return c.name }

// BaseURL configured base url
func (c *JSONClient) BaseURL() string { return c.baseURL }

// GetJSON GET {base}{path}?{query} and decode into out
func (c *JSONClient) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.name, err)
	}
	return c.do(req, out)
}

// PostJSON POST json body to {base}{path} and decode into out
func (c *JSONClient) PostJSON(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %s: encode body: %v", model.ErrInvalidArgument, c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *JSONClient) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("%w: %s rate limiter: %v", model.ErrNetwork, c.name, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrNetwork, c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s read body: %v", model.ErrNetwork, c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Provider: c.name, Code: resp.StatusCode, Body: body}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s decode: %v", model.ErrNetwork, c.name, err)
	}
	return nil
}
