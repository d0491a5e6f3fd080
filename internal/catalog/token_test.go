package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func tokenServer(t *testing.T, calls *int32, resp tokenResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		assert.Equal(t, "/realms/evently/protocol/openid-connect/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "reservation", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func creds(url string) ClientCredentials {
	return ClientCredentials{KeycloakURL: url, KeycloakRealm: "evently", ClientID: "reservation", ClientSecret: "secret"}
}

func TestTokenSourceReusesUntilNearExpiry(t *testing.T) {
	var calls int32
	srv := tokenServer(t, &calls, tokenResponse{AccessToken: "tok-1", ExpiresIn: 300})
	defer srv.Close()

	clock := utils.NewManualClock(t0)
	src := NewTokenSource(creds(srv.URL), srv.Client(), nil, clock, logger.NewNop())
	ctx := context.Background()

	tok, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	clock.Advance(200 * time.Second)
	_, err = src.Token(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// Inside the refresh buffer.
	clock.Advance(50 * time.Second)
	_, err = src.Token(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestTokenSourceSharesThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	var calls int32
	srv := tokenServer(t, &calls, tokenResponse{AccessToken: "shared", ExpiresIn: 300})
	defer srv.Close()

	clock := utils.NewManualClock(t0)
	store := NewRedisTokenStore(client)
	first := NewTokenSource(creds(srv.URL), srv.Client(), store, clock, logger.NewNop())
	second := NewTokenSource(creds(srv.URL), srv.Client(), store, clock, logger.NewNop())

	tok, err := first.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shared", tok)
	assert.Equal(t, 300*time.Second, mr.TTL(M2MTokenKey))

	tok, err = second.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shared", tok)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestTokenSourceReadsExpiryFromJWT(t *testing.T) {
	jwtToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(t0.Add(10 * time.Minute)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	var calls int32
	srv := tokenServer(t, &calls, tokenResponse{AccessToken: jwtToken})
	defer srv.Close()

	clock := utils.NewManualClock(t0)
	src := NewTokenSource(creds(srv.URL), srv.Client(), nil, clock, logger.NewNop())

	_, err = src.Token(context.Background())
	require.NoError(t, err)
	require.NotNil(t, src.local)
	assert.True(t, src.local.ExpiresAt.Equal(t0.Add(10*time.Minute)))
}

func TestTokenSourceRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := NewTokenSource(creds(srv.URL), srv.Client(), nil, utils.NewManualClock(t0), logger.NewNop())
	_, err := src.Token(context.Background())
	assert.Error(t, err)
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func TestHTTPCatalogSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer svc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPCatalog(srv.URL, time.Second, logger.NewNop()).WithTokens(staticToken("svc"))
	ok, err := c.EventExists(context.Background(), "ev1")
	require.NoError(t, err)
	assert.True(t, ok)
}
