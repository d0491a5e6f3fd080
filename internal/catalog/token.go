package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/utils"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// M2MTokenKey is where the service token is shared between instances.
	M2MTokenKey = "reservation:m2m_token"
	// tokenExpiryBuffer refreshes tokens this long before they expire.
	tokenExpiryBuffer = 60 * time.Second
	defaultTokenLife  = 5 * time.Minute
)

// ClientCredentials identifies the service to the OpenID Connect provider.
type ClientCredentials struct {
	KeycloakURL   string
	KeycloakRealm string
	ClientID      string
	ClientSecret  string
}

func (c ClientCredentials) tokenURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", strings.TrimRight(c.KeycloakURL, "/"), c.KeycloakRealm)
}

// CachedToken is an access token with its expiry.
type CachedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the token can still be sent at now.
func (t *CachedToken) ValidAt(now time.Time) bool {
	if t == nil || t.Token == "" {
		return false
	}
	return now.Add(tokenExpiryBuffer).Before(t.ExpiresAt)
}

type TokenStore interface {
	GetToken(ctx context.Context) (*CachedToken, error)
	SetToken(ctx context.Context, token CachedToken, ttl time.Duration) error
}

// RedisTokenStore shares one service token across instances.
type RedisTokenStore struct {
	Client *redis.Client
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{Client: client}
}

// GetToken returns nil when no token is cached.
func (s *RedisTokenStore) GetToken(ctx context.Context) (*CachedToken, error) {
	raw, err := s.Client.Get(ctx, M2MTokenKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token from Redis: %w", err)
	}
	var tok CachedToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token cache: %w", err)
	}
	return &tok, nil
}

func (s *RedisTokenStore) SetToken(ctx context.Context, tok CachedToken, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal token cache: %w", err)
	}
	if err := s.Client.Set(ctx, M2MTokenKey, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token in Redis: %w", err)
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// TokenSource fetches client-credentials tokens and reuses them until they
// are close to expiry. The store is optional.
type TokenSource struct {
	creds  ClientCredentials
	client *http.Client
	store  TokenStore
	clock  utils.Clock
	logger *logger.Logger

	mu    sync.Mutex
	local *CachedToken
}

func NewTokenSource(creds ClientCredentials, client *http.Client, store TokenStore, clock utils.Clock, log *logger.Logger) *TokenSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if clock == nil {
		clock = utils.SystemClock()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &TokenSource{creds: creds, client: client, store: store, clock: clock, logger: log}
}

// Token returns a bearer token for service-to-service calls.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.local.ValidAt(now) {
		return s.local.Token, nil
	}

	if s.store != nil {
		tok, err := s.store.GetToken(ctx)
		if err != nil {
			s.logger.Warn("AUTH", fmt.Sprintf("token cache read failed: %v", err))
		} else if tok.ValidAt(now) {
			s.local = tok
			return tok.Token, nil
		}
	}

	tok, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.local = tok
	if s.store != nil {
		if err := s.store.SetToken(ctx, *tok, tok.ExpiresAt.Sub(s.clock.Now())); err != nil {
			s.logger.Warn("AUTH", fmt.Sprintf("token cache write failed: %v", err))
		}
	}
	return tok.Token, nil
}

func (s *TokenSource) fetch(ctx context.Context) (*CachedToken, error) {
	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", s.creds.ClientID)
	data.Set("client_secret", s.creds.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.creds.tokenURL(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	s.logger.Debug("AUTH", fmt.Sprintf("Requesting M2M token for client %s", s.creds.ClientID))
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Error("AUTH", fmt.Sprintf("token endpoint returned %s: %s", resp.Status, body))
		return nil, fmt.Errorf("failed to get token, status: %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response carries no access token")
	}

	now := s.clock.Now()
	expiresAt := now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	if tr.ExpiresIn <= 0 {
		expiresAt = tokenExpiry(tr.AccessToken, now)
	}
	s.logger.Info("AUTH", fmt.Sprintf("M2M token acquired, valid until %s", expiresAt.Format(time.RFC3339)))
	return &CachedToken{Token: tr.AccessToken, ExpiresAt: expiresAt}, nil
}

// tokenExpiry reads the unverified exp claim, falling back to a short default.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return now.Add(defaultTokenLife)
}
