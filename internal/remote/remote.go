// Package remote talks to the persistence and structure APIs that live
// outside this process: an HTTP backend, or Postgres directly for
// self-hosted deployments.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"xccmsync/internal/config"
	"xccmsync/internal/editctx"
	"xccmsync/internal/logging"
)

// Errors
var (
	ErrInvalidTree     = errors.New("remote: invalid structure tree")
	ErrNotFound        = errors.New("remote: not found")
	ErrUnknownRemote   = errors.New("remote: unknown remote type")
	ErrMissingEndpoint = errors.New("remote: endpoint not configured")
)

// Saver persists the content of one granule. Implementations must be
// idempotent for a given (context, content) pair.
type Saver interface {
	SaveContent(ctx context.Context, ec editctx.EditContext, content string) error
}

// StructureFetcher loads a project's tree. It has no side effects.
type StructureFetcher interface {
	FetchStructure(ctx context.Context, project string) (*Tree, error)
}

// ContentFetcher loads the stored content of one granule.
type ContentFetcher interface {
	FetchContent(ctx context.Context, ec editctx.EditContext) (string, error)
}

// Remote is everything the agent needs from the outside world.
type Remote interface {
	Saver
	StructureFetcher
	ContentFetcher
	Close() error
}

// APIError is a non-2xx response from the HTTP backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: %d %s", e.Status, e.Message)
}

// Retriable reports whether repeating the request may succeed.
func (e *APIError) Retriable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout
}

// IsRetriable classifies any error returned by this package. Timeouts and
// transient server responses are retriable; validation failures and 4xx
// responses are not.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retriable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// New builds the remote named by cfg.Type.
func New(ctx context.Context, cfg config.RemoteConfig, logger *logging.Logger) (Remote, error) {
	switch cfg.Type {
	case "", "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("%w: remote.base_url", ErrMissingEndpoint)
		}
		return NewClient(ClientConfig{
			BaseURL:   cfg.BaseURL,
			Token:     cfg.Token,
			Timeout:   cfg.Timeout(),
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
			Logger:    logger,
		}), nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("%w: remote.postgres_dsn", ErrMissingEndpoint)
		}
		return OpenPG(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRemote, cfg.Type)
	}
}
