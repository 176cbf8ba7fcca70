package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
)

// TokenCache holds Ozon Performance OAuth2 bearers. Tokens live in a
// process cache behind a mutex with a Redis fallback so parallel
// workers reuse one grant per shop.
type TokenCache struct {
	client *Client
	state  *state.Store

	mu     sync.Mutex
	tokens map[int64]cachedToken

	now func() time.Time
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewTokenCache builds the cache over the outbound client.
func NewTokenCache(client *Client, st *state.Store) *TokenCache {
	return &TokenCache{
		client: client,
		state:  st,
		tokens: make(map[int64]cachedToken),
		now:    time.Now,
	}
}

// BearerHeader returns the per-call headers override carrying the
// bearer for shop, fetching a fresh token when needed.
func (t *TokenCache) BearerHeader(ctx context.Context, shopID int64, creds *domain.Credentials) (http.Header, error) {
	token, err := t.Token(ctx, shopID, creds)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// Token returns a valid bearer for the shop.
func (t *TokenCache) Token(ctx context.Context, shopID int64, creds *domain.Credentials) (string, error) {
	if creds.PerfClientID == "" || creds.PerfClientSecret == "" {
		return "", errors.New("marketplace: shop has no performance credentials")
	}

	t.mu.Lock()
	cached, ok := t.tokens[shopID]
	t.mu.Unlock()
	if ok && t.now().Before(cached.expiresAt) {
		return cached.token, nil
	}

	// Another worker may have refreshed already.
	if token, err := t.state.GetString(ctx, state.PerformanceTokenKey(shopID)); err == nil && token != "" {
		t.remember(shopID, token, 5*time.Minute)
		return token, nil
	}

	return t.refresh(ctx, shopID, creds)
}

// refresh performs the client_credentials grant against the dedicated
// token endpoint.
func (t *TokenCache) refresh(ctx context.Context, shopID int64, creds *domain.Credentials) (string, error) {
	resp, err := t.client.Do(ctx, shopID, nil, Request{
		Endpoint: OzonPerformance,
		Method:   http.MethodPost,
		Path:     "/api/client/token",
		Body: map[string]string{
			"client_id":     creds.PerfClientID,
			"client_secret": creds.PerfClientSecret,
			"grant_type":    "client_credentials",
		},
	})
	if err != nil {
		return "", fmt.Errorf("marketplace: performance token grant: %w", err)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := resp.JSON(&grant); err != nil {
		return "", &DataFormatError{Endpoint: OzonPerformance, Detail: "token grant decode: " + err.Error(), Payload: resp.Raw}
	}
	if grant.AccessToken == "" {
		return "", &DataFormatError{Endpoint: OzonPerformance, Detail: "empty access_token", Payload: resp.Raw}
	}

	// Cache for 5/6 of the server-declared lifetime so the token never
	// expires mid-call.
	ttl := time.Duration(grant.ExpiresIn) * time.Second * 5 / 6
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if err := t.state.SetString(ctx, state.PerformanceTokenKey(shopID), grant.AccessToken, ttl); err != nil {
		// Redis miss only costs an extra grant on the next worker.
		ttl = min(ttl, 5*time.Minute)
	}
	t.remember(shopID, grant.AccessToken, ttl)
	return grant.AccessToken, nil
}

func (t *TokenCache) remember(shopID int64, token string, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[shopID] = cachedToken{token: token, expiresAt: t.now().Add(ttl)}
}
