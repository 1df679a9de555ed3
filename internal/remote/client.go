package remote

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

	"xccmsync/internal/editctx"
	"xccmsync/internal/logging"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 16 << 20

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration

	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int

	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client is the HTTP implementation of Remote.
type Client struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    hc,
		limiter: limiter,
		logger:  logger.WithComponent("remote"),
	}
}

type saveRequest struct {
	Context editctx.EditContext `json:"context"`
	Content string              `json:"content"`
}

type contentResponse struct {
	Content string `json:"content"`
}

// SaveContent stores content for ec.
func (c *Client) SaveContent(ctx context.Context, ec editctx.EditContext, content string) error {
	body, err := json.Marshal(saveRequest{Context: ec, Content: content})
	if err != nil {
		return fmt.Errorf("encode save request: %w", err)
	}
	_, err = c.do(ctx, http.MethodPut, "/v1/content", nil, body)
	return err
}

// FetchContent loads the stored content for ec.
func (c *Client) FetchContent(ctx context.Context, ec editctx.EditContext) (string, error) {
	q := url.Values{}
	q.Set("kind", string(ec.Kind))
	q.Set("path", ec.PathKey())
	q.Set("entityId", ec.EntityID)
	data, err := c.do(ctx, http.MethodGet, "/v1/content", q, nil)
	if err != nil {
		return "", err
	}
	var resp contentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode content response: %w", err)
	}
	return resp.Content, nil
}

// FetchStructure loads and validates the project tree.
func (c *Client) FetchStructure(ctx context.Context, project string) (*Tree, error) {
	data, err := c.do(ctx, http.MethodGet, "/v1/projects/"+url.PathEscape(project)+"/structure", nil, nil)
	if err != nil {
		return nil, err
	}
	return DecodeTree(data)
}

// Ping checks that the backend answers its health route.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	return err
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if id := logging.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("remote request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		apiErr.Status = resp.StatusCode
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, apiErr)
		}
		return nil, apiErr
	}
	return data, nil
}
