// Package marketplace is the single outbound HTTP path to the commerce
// APIs. It composes the circuit breaker, the distributed rate limiter
// and the sticky proxy pool, impersonates a browser TLS fingerprint and
// retries transient failures with jittered exponential backoff.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/observability"
	"github.com/sellerpulse/sellerpulse/ingestd/proxypool"
	"github.com/sellerpulse/sellerpulse/ingestd/ratelimit"
)

// Request describes one logical marketplace call.
type Request struct {
	Endpoint Endpoint
	Method   string
	Path     string
	Query    url.Values
	// Headers are per-call overrides. Auth headers set here win over
	// the endpoint's default auth shape (OAuth2 bearer for Ozon
	// Performance arrives this way).
	Headers http.Header
	// Body is marshaled to JSON when non-nil ([]byte passes through raw).
	Body any
	// NoProxy issues the call directly, skipping the proxy pool.
	NoProxy bool
	// Binary marks responses that must not be treated as text. The
	// client never decodes bodies either way; the flag only suppresses
	// payload logging.
	Binary bool
}

const (
	maxAttempts    = 3
	backoffBase    = 2 * time.Second
	backoffCap     = 60 * time.Second
	defaultTimeout = 90 * time.Second
)

// Gate is the circuit breaker surface the client needs.
type Gate interface {
	Allow(ctx context.Context, shopID int64) error
	RecordAuthFailure(ctx context.Context, shopID, proxyID int64) error
	RecordSuccess(ctx context.Context, shopID int64) error
}

// Limiter is the distributed rate limiter surface.
type Limiter interface {
	Acquire(ctx context.Context, scope ratelimit.Scope, shopID int64) error
	Penalize(ctx context.Context, scope ratelimit.Scope, shopID int64) error
}

// ProxyLeaser issues sticky proxy leases.
type ProxyLeaser interface {
	Lease(ctx context.Context, shopID int64) (*proxypool.Lease, error)
}

// CallRecord is the structured trace of one finished call.
type CallRecord struct {
	ShopID     int64
	Endpoint   string
	Method     string
	Path       string
	StatusCode int
	Attempts   int
	ProxyID    int64
	DurationMS int64
	Outcome    string
}

// CallLogger persists call traces. Best-effort: a log-write failure
// must never fail the caller.
type CallLogger interface {
	LogCall(ctx context.Context, rec CallRecord)
}

// Client is the hardened outbound HTTP client.
type Client struct {
	gate    Gate
	limiter Limiter
	proxies ProxyLeaser
	calls   CallLogger
	logger  *log.Logger

	timeout time.Duration
	// httpFactory builds the HTTP client for one lease. Swapped by
	// tests for a plain client.
	httpFactory func(proxy *domain.Proxy) *http.Client
}

// New builds the client.
func New(gate Gate, limiter Limiter, proxies ProxyLeaser, calls CallLogger, logger *log.Logger) *Client {
	return &Client{
		gate:    gate,
		limiter: limiter,
		proxies: proxies,
		calls:   calls,
		logger:  logger.Named("marketplace"),
		timeout: defaultTimeout,
		httpFactory: func(proxy *domain.Proxy) *http.Client {
			return &http.Client{Transport: newTransport(proxy)}
		},
	}
}

// WithHTTPFactory overrides transport construction. Used by tests.
func (c *Client) WithHTTPFactory(f func(proxy *domain.Proxy) *http.Client) *Client {
	c.httpFactory = f
	return c
}

// Do executes the call for a shop. Every attempt holds exactly one
// proxy lease for its duration and releases it with the classified
// outcome before the next attempt starts.
func (c *Client) Do(ctx context.Context, shopID int64, creds *domain.Credentials, req Request) (*Response, error) {
	if !req.Endpoint.Valid() {
		return nil, fmt.Errorf("marketplace: unknown endpoint %q", req.Endpoint)
	}
	if err := c.gate.Allow(ctx, shopID); err != nil {
		return nil, err
	}

	start := time.Now()
	scope := req.Endpoint.Scope()
	var lastErr error
	var lastStatus int

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx, scope, shopID); err != nil {
			return nil, err
		}

		var lease *proxypool.Lease
		var proxy *domain.Proxy
		if !req.NoProxy {
			var err error
			lease, err = c.proxies.Lease(ctx, shopID)
			if err != nil {
				return nil, err
			}
			proxy = lease.Proxy
		}

		resp, err := c.execute(ctx, creds, req, proxy)
		if err != nil {
			if lease != nil {
				lease.Release(ctx, proxypool.OutcomeTransient)
			}
			if ctx.Err() != nil {
				// A canceled attempt does not count against the
				// retry budget.
				return nil, ctx.Err()
			}
			lastErr = err
			c.logAttempt(shopID, req, 0, attempt, proxy, "transient", err)
			if !c.backoff(ctx, attempt) {
				return nil, ctx.Err()
			}
			continue
		}
		lastStatus = resp.StatusCode

		switch {
		case resp.OK():
			if lease != nil {
				lease.Release(ctx, proxypool.OutcomeOK)
			}
			if err := c.gate.RecordSuccess(ctx, shopID); err != nil {
				c.logger.Warn("breaker success record failed", zap.Int64("shop_id", shopID), zap.Error(err))
			}
			c.finish(ctx, shopID, req, resp.StatusCode, attempt, proxy, "ok", start)
			return resp, nil

		case resp.StatusCode == http.StatusUnauthorized:
			// The proxy itself behaved; the credentials did not.
			if lease != nil {
				lease.Release(ctx, proxypool.OutcomeOK)
			}
			var proxyID int64
			if proxy != nil {
				proxyID = proxy.ID
			}
			if err := c.gate.RecordAuthFailure(ctx, shopID, proxyID); err != nil {
				c.logger.Warn("breaker failure record failed", zap.Int64("shop_id", shopID), zap.Error(err))
			}
			c.finish(ctx, shopID, req, resp.StatusCode, attempt, proxy, "auth_fail", start)
			return nil, &AuthError{Endpoint: req.Endpoint, ShopID: shopID}

		case resp.StatusCode == http.StatusForbidden:
			if lease != nil {
				lease.Release(ctx, proxypool.OutcomeBanned)
			}
			lastErr = fmt.Errorf("marketplace: %s returned 403", req.Endpoint)
			c.logAttempt(shopID, req, resp.StatusCode, attempt, proxy, "banned", nil)

		case resp.StatusCode == http.StatusTooManyRequests:
			if lease != nil {
				lease.Release(ctx, proxypool.OutcomeRateLimited)
			}
			if err := c.limiter.Penalize(ctx, scope, shopID); err != nil {
				c.logger.Warn("limiter penalty failed", zap.Error(err))
			}
			lastErr = ErrRateLimited
			c.logAttempt(shopID, req, resp.StatusCode, attempt, proxy, "rate_limited", nil)

		case resp.StatusCode >= 500:
			if lease != nil {
				lease.Release(ctx, proxypool.OutcomeServerError)
			}
			lastErr = fmt.Errorf("marketplace: %s returned %d", req.Endpoint, resp.StatusCode)
			c.logAttempt(shopID, req, resp.StatusCode, attempt, proxy, "transient", nil)

		default:
			// Unexpected 4xx: not retryable, surface with the body for
			// the caller's DataFormat handling.
			if lease != nil {
				lease.Release(ctx, proxypool.OutcomeOK)
			}
			c.finish(ctx, shopID, req, resp.StatusCode, attempt, proxy, "client_error", start)
			return resp, fmt.Errorf("marketplace: %s returned %d", req.Endpoint, resp.StatusCode)
		}

		if !c.backoff(ctx, attempt) {
			return nil, ctx.Err()
		}
	}

	c.finish(ctx, shopID, req, lastStatus, maxAttempts, nil, "exhausted", start)
	if errors.Is(lastErr, ErrRateLimited) {
		return nil, ErrRateLimited
	}
	return nil, &TransientError{Endpoint: req.Endpoint, Err: fmt.Errorf("%w: %v", ErrRetryBudgetExhausted, lastErr)}
}

// execute performs a single HTTP attempt.
func (c *Client) execute(ctx context.Context, creds *domain.Credentials, req Request, proxy *domain.Proxy) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := req.Endpoint.BaseURL() + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		switch b := req.Body.(type) {
		case []byte:
			body = bytes.NewReader(b)
		default:
			data, err := json.Marshal(req.Body)
			if err != nil {
				return nil, fmt.Errorf("marketplace: encode request body: %w", err)
			}
			body = bytes.NewReader(data)
		}
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, u, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if creds != nil {
		req.Endpoint.applyAuth(httpReq.Header, creds)
	}

	httpResp, err := c.httpFactory(proxy).Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	// Raw bytes, always. ZIP/Excel bodies corrupt under any text
	// decoding.
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("marketplace: read response body: %w", err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Raw: raw}, nil
}

// backoff sleeps before the next attempt; returns false when ctx ended.
// No sleep after the final attempt.
func (c *Client) backoff(ctx context.Context, attempt int) bool {
	if attempt >= maxAttempts {
		return true
	}
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		d = backoffCap
	}
	// ±25% jitter.
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	timer := time.NewTimer(d + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) logAttempt(shopID int64, req Request, status, attempt int, proxy *domain.Proxy, outcome string, err error) {
	fields := []zap.Field{
		zap.Int64("shop_id", shopID),
		zap.String("endpoint", string(req.Endpoint)),
		zap.String("path", req.Path),
		zap.Int("status", status),
		zap.Int("attempt", attempt),
		zap.String("outcome", outcome),
	}
	if proxy != nil {
		fields = append(fields, zap.Int64("proxy_id", proxy.ID))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Info("marketplace call attempt", fields...)
}

// finish records metrics and the structured call trace.
func (c *Client) finish(ctx context.Context, shopID int64, req Request, status, attempts int, proxy *domain.Proxy, outcome string, start time.Time) {
	duration := time.Since(start)
	observability.APIRequests.WithLabelValues(string(req.Endpoint), outcome).Inc()
	observability.APIRequestDuration.WithLabelValues(string(req.Endpoint)).Observe(duration.Seconds())

	rec := CallRecord{
		ShopID:     shopID,
		Endpoint:   string(req.Endpoint),
		Method:     req.Method,
		Path:       req.Path,
		StatusCode: status,
		Attempts:   attempts,
		DurationMS: duration.Milliseconds(),
		Outcome:    outcome,
	}
	if proxy != nil {
		rec.ProxyID = proxy.ID
	}
	if c.calls != nil {
		c.calls.LogCall(ctx, rec)
	}
}
