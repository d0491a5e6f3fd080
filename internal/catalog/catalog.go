package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ms-reservation/internal/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TokenProvider supplies bearer tokens for calls to the event service.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// HTTPCatalog asks the event service whether an event exists.
type HTTPCatalog struct {
	baseURL string
	client  *http.Client
	tokens  TokenProvider
	logger  *logger.Logger
}

func NewHTTPCatalog(baseURL string, timeout time.Duration, log *logger.Logger) *HTTPCatalog {
	if log == nil {
		log = logger.NewNop()
	}
	return &HTTPCatalog{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  log,
	}
}

// WithTokens authenticates every request with a service token.
func (c *HTTPCatalog) WithTokens(tokens TokenProvider) *HTTPCatalog {
	c.tokens = tokens
	return c
}

// EventExists returns true on 200 and false on 404. Anything else is an error.
func (c *HTTPCatalog) EventExists(ctx context.Context, eventID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/internal/v1/events/%s", c.baseURL, url.PathEscape(eventID))
	c.logger.Debug("CATALOG", fmt.Sprintf("Checking event: %s", endpoint))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create event request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return false, fmt.Errorf("get service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("CATALOG", fmt.Sprintf("Event service error: %v", err))
		return false, fmt.Errorf("event service error: %w", err)
	}
	defer func(Body io.ReadCloser) {
		_, _ = io.Copy(io.Discard, Body)
		if err := Body.Close(); err != nil {
			c.logger.Error("CATALOG", fmt.Sprintf("Failed to close event response body: %v", err))
		}
	}(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		c.logger.Warn("CATALOG", fmt.Sprintf("Event not found: %s", eventID))
		return false, nil
	default:
		return false, fmt.Errorf("event service returned status: %d", resp.StatusCode)
	}
}

// Static is a fixed set of known events, used for local runs and tests.
type Static struct {
	mu     sync.RWMutex
	events map[string]struct{}
}

func NewStatic(eventIDs ...string) *Static {
	s := &Static{events: make(map[string]struct{}, len(eventIDs))}
	for _, id := range eventIDs {
		s.events[id] = struct{}{}
	}
	return s
}

func (s *Static) Add(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[eventID] = struct{}{}
}

func (s *Static) EventExists(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}
