package marketplace

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/proxypool"
	"github.com/sellerpulse/sellerpulse/ingestd/ratelimit"
)

type fakeGate struct {
	allowErr     error
	authFailures int
	successes    int
}

func (g *fakeGate) Allow(context.Context, int64) error { return g.allowErr }
func (g *fakeGate) RecordAuthFailure(_ context.Context, _, _ int64) error {
	g.authFailures++
	return nil
}
func (g *fakeGate) RecordSuccess(context.Context, int64) error {
	g.successes++
	return nil
}

type fakeLimiter struct {
	acquires  int
	penalties int
}

func (l *fakeLimiter) Acquire(_ context.Context, _ ratelimit.Scope, _ int64) error {
	l.acquires++
	return nil
}
func (l *fakeLimiter) Penalize(_ context.Context, _ ratelimit.Scope, _ int64) error {
	l.penalties++
	return nil
}

type noLeaser struct{}

func (noLeaser) Lease(context.Context, int64) (*proxypool.Lease, error) {
	return nil, errors.New("no proxies in this test")
}

type callSink struct {
	records []CallRecord
}

func (s *callSink) LogCall(_ context.Context, rec CallRecord) {
	s.records = append(s.records, rec)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// scriptedClient serves canned status/body pairs in order and records
// the requests it saw.
func scriptedClient(responses []*http.Response, seen *[]*http.Request) func(*domain.Proxy) *http.Client {
	i := 0
	return func(*domain.Proxy) *http.Client {
		return &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			*seen = append(*seen, r)
			resp := responses[i]
			if i < len(responses)-1 {
				i++
			}
			return resp, nil
		})}
	}
}

func canned(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testClient(gate *fakeGate, limiter *fakeLimiter, calls *callSink, responses ...*http.Response) (*Client, *[]*http.Request) {
	var seen []*http.Request
	c := New(gate, limiter, noLeaser{}, calls, log.New(zapcore.ErrorLevel)).
		WithHTTPFactory(scriptedClient(responses, &seen))
	return c, &seen
}

func TestDoReturnsRawBytes(t *testing.T) {
	gate := &fakeGate{}
	limiter := &fakeLimiter{}
	calls := &callSink{}
	// A ZIP magic prefix with invalid UTF-8: any text decoding would
	// corrupt it.
	binary := string([]byte{0x50, 0x4b, 0x03, 0x04, 0xff, 0xfe, 0x00})
	c, _ := testClient(gate, limiter, calls, canned(200, binary))

	resp, err := c.Do(context.Background(), 1, &domain.Credentials{Token: "tok"}, Request{
		Endpoint: WBAnalytics,
		Method:   http.MethodGet,
		Path:     "/api/v2/nm-report/downloads/file/abc",
		NoProxy:  true,
		Binary:   true,
	})
	require.NoError(t, err)
	require.Equal(t, []byte(binary), resp.Raw)
	require.Equal(t, 1, limiter.acquires)
	require.Equal(t, 1, gate.successes)
	require.Len(t, calls.records, 1)
	require.Equal(t, "ok", calls.records[0].Outcome)
	require.Equal(t, 1, calls.records[0].Attempts)
}

func TestDoAppliesWBAuth(t *testing.T) {
	c, seen := testClient(&fakeGate{}, &fakeLimiter{}, &callSink{}, canned(200, "{}"))

	_, err := c.Do(context.Background(), 1, &domain.Credentials{Token: "wb-token"}, Request{
		Endpoint: WBStatistics,
		Method:   http.MethodGet,
		Path:     "/api/v1/supplier/orders",
		NoProxy:  true,
	})
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	require.Equal(t, "wb-token", (*seen)[0].Header.Get("Authorization"))
}

func TestDoAppliesOzonAuth(t *testing.T) {
	c, seen := testClient(&fakeGate{}, &fakeLimiter{}, &callSink{}, canned(200, "{}"))

	_, err := c.Do(context.Background(), 1, &domain.Credentials{Token: "api-key", OzonClientID: "555"}, Request{
		Endpoint: OzonSeller,
		Method:   http.MethodPost,
		Path:     "/v3/product/list",
		Body:     map[string]any{"limit": 1},
		NoProxy:  true,
	})
	require.NoError(t, err)
	req := (*seen)[0]
	require.Equal(t, "api-key", req.Header.Get("Api-Key"))
	require.Equal(t, "555", req.Header.Get("Client-Id"))
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestDoCallerHeaderWinsOverEndpointAuth(t *testing.T) {
	c, seen := testClient(&fakeGate{}, &fakeLimiter{}, &callSink{}, canned(200, "{}"))

	headers := http.Header{}
	headers.Set("Authorization", "Bearer oauth-token")
	_, err := c.Do(context.Background(), 1, &domain.Credentials{Token: "ignored"}, Request{
		Endpoint: OzonPerformance,
		Method:   http.MethodGet,
		Path:     "/api/client/campaign",
		Headers:  headers,
		NoProxy:  true,
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer oauth-token", (*seen)[0].Header.Get("Authorization"))
}

func TestDoAuthFailureTripsOnce(t *testing.T) {
	gate := &fakeGate{}
	calls := &callSink{}
	c, seen := testClient(gate, &fakeLimiter{}, calls, canned(401, `{"error":"unauthorized"}`))

	_, err := c.Do(context.Background(), 1, &domain.Credentials{Token: "bad"}, Request{
		Endpoint: WBStatistics,
		Method:   http.MethodGet,
		Path:     "/api/v1/supplier/orders",
		NoProxy:  true,
	})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, int64(1), authErr.ShopID)

	// 401 is terminal: exactly one attempt, one failure record.
	require.Len(t, *seen, 1)
	require.Equal(t, 1, gate.authFailures)
	require.Equal(t, "auth_fail", calls.records[0].Outcome)
}

func TestDoBreakerOpenShortCircuits(t *testing.T) {
	gate := &fakeGate{allowErr: errors.New("shop disabled")}
	limiter := &fakeLimiter{}
	c, seen := testClient(gate, limiter, &callSink{}, canned(200, "{}"))

	_, err := c.Do(context.Background(), 1, &domain.Credentials{Token: "t"}, Request{
		Endpoint: WBStatistics,
		Method:   http.MethodGet,
		Path:     "/ping",
		NoProxy:  true,
	})
	require.ErrorIs(t, err, gate.allowErr)
	require.Empty(t, *seen)
	require.Zero(t, limiter.acquires)
}

func TestDoUnexpectedClientErrorNotRetried(t *testing.T) {
	calls := &callSink{}
	c, seen := testClient(&fakeGate{}, &fakeLimiter{}, calls, canned(400, `{"error":"bad cursor"}`))

	resp, err := c.Do(context.Background(), 1, &domain.Credentials{Token: "t"}, Request{
		Endpoint: WBContent,
		Method:   http.MethodPost,
		Path:     "/content/v2/get/cards/list",
		NoProxy:  true,
	})
	require.Error(t, err)
	// The body still reaches the caller for diagnostics.
	require.NotNil(t, resp)
	require.Contains(t, string(resp.Raw), "bad cursor")
	require.Len(t, *seen, 1)
	require.Equal(t, "client_error", calls.records[0].Outcome)
}

func TestDoRetriesRateLimitWithPenalty(t *testing.T) {
	limiter := &fakeLimiter{}
	calls := &callSink{}
	c, seen := testClient(&fakeGate{}, limiter, calls,
		canned(429, ""), canned(200, `{"ok":true}`))

	resp, err := c.Do(context.Background(), 1, &domain.Credentials{Token: "t"}, Request{
		Endpoint: OzonSeller,
		Method:   http.MethodPost,
		Path:     "/v3/product/list",
		NoProxy:  true,
	})
	require.NoError(t, err)
	require.True(t, resp.OK())
	require.Len(t, *seen, 2)
	require.Equal(t, 1, limiter.penalties)
	require.Equal(t, 2, limiter.acquires)
	require.Equal(t, 2, calls.records[len(calls.records)-1].Attempts)
}

func TestDoInvalidEndpoint(t *testing.T) {
	c, _ := testClient(&fakeGate{}, &fakeLimiter{}, &callSink{}, canned(200, "{}"))
	_, err := c.Do(context.Background(), 1, nil, Request{Endpoint: "bogus"})
	require.Error(t, err)
}
