package proxypool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
)

type fakeCounters struct {
	proxies   []*domain.Proxy
	successes map[int64]int
	failures  map[int64]int
	statuses  map[int64]domain.ProxyStatus
}

func newFakeCounters(proxies ...*domain.Proxy) *fakeCounters {
	return &fakeCounters{
		proxies:   proxies,
		successes: map[int64]int{},
		failures:  map[int64]int{},
		statuses:  map[int64]domain.ProxyStatus{},
	}
}

func (f *fakeCounters) SetProxyStatus(_ context.Context, proxyID int64, status domain.ProxyStatus) error {
	f.statuses[proxyID] = status
	return nil
}

func (f *fakeCounters) IncrProxySuccess(_ context.Context, proxyID int64) error {
	f.successes[proxyID]++
	return nil
}

func (f *fakeCounters) IncrProxyFailure(_ context.Context, proxyID int64) error {
	f.failures[proxyID]++
	return nil
}

func (f *fakeCounters) ListActiveProxies(context.Context) ([]*domain.Proxy, error) {
	return f.proxies, nil
}

func activeProxy(id int64) *domain.Proxy {
	return &domain.Proxy{
		ID:       id,
		Host:     "10.0.0.1",
		Port:     3128,
		Protocol: domain.ProxyHTTP,
		Status:   domain.ProxyActive,
	}
}

func testPool(t *testing.T, counters *fakeCounters) (*Pool, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := state.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	p := New(counters, st, log.New(zapcore.ErrorLevel))
	require.NoError(t, p.Refresh(context.Background()))
	return p, mr
}

func TestLeaseEmptyPool(t *testing.T) {
	p, _ := testPool(t, newFakeCounters())
	_, err := p.Lease(context.Background(), 1)
	require.ErrorIs(t, err, ErrNoProxyAvailable)
}

func TestLeaseSticky(t *testing.T) {
	counters := newFakeCounters(activeProxy(10), activeProxy(11))
	p, _ := testPool(t, counters)
	ctx := context.Background()

	first, err := p.Lease(ctx, 1)
	require.NoError(t, err)
	first.Release(ctx, OutcomeOK)

	// The same shop keeps its proxy across leases.
	for i := 0; i < 5; i++ {
		lease, err := p.Lease(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, first.Proxy.ID, lease.Proxy.ID)
		lease.Release(ctx, OutcomeOK)
	}
	require.Equal(t, 6, counters.successes[first.Proxy.ID])
}

func TestReleaseIsOnceOnly(t *testing.T) {
	counters := newFakeCounters(activeProxy(10))
	p, _ := testPool(t, counters)
	ctx := context.Background()

	lease, err := p.Lease(ctx, 1)
	require.NoError(t, err)
	lease.Release(ctx, OutcomeOK)
	lease.Release(ctx, OutcomeOK)
	lease.Release(ctx, OutcomeBanned)

	require.Equal(t, 1, counters.successes[10])
	require.Zero(t, counters.failures[10])
}

func TestBanQuarantinesAndUnbinds(t *testing.T) {
	counters := newFakeCounters(activeProxy(10))
	p, mr := testPool(t, counters)
	ctx := context.Background()

	lease, err := p.Lease(ctx, 1)
	require.NoError(t, err)
	lease.Release(ctx, OutcomeBanned)
	require.Equal(t, 1, counters.failures[10])

	// The only proxy is quarantined: nothing to lease.
	_, err = p.Lease(ctx, 1)
	require.ErrorIs(t, err, ErrNoProxyAvailable)

	// After the ban window the proxy serves again.
	mr.FastForward(31 * time.Minute)
	lease, err = p.Lease(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), lease.Proxy.ID)
}

func TestQuarantinedProxyLosesStickySessions(t *testing.T) {
	counters := newFakeCounters(activeProxy(10), activeProxy(11))
	p, _ := testPool(t, counters)
	ctx := context.Background()

	lease, err := p.Lease(ctx, 1)
	require.NoError(t, err)
	bad := lease.Proxy.ID
	lease.Release(ctx, OutcomeRateLimited)

	// The next lease must move off the quarantined proxy.
	lease, err = p.Lease(ctx, 1)
	require.NoError(t, err)
	require.NotEqual(t, bad, lease.Proxy.ID)
}

func TestTransientNotAttributedToProxy(t *testing.T) {
	counters := newFakeCounters(activeProxy(10))
	p, _ := testPool(t, counters)
	ctx := context.Background()

	lease, err := p.Lease(ctx, 1)
	require.NoError(t, err)
	lease.Release(ctx, OutcomeTransient)

	require.Zero(t, counters.failures[10])
	// No quarantine either: the proxy still serves.
	_, err = p.Lease(ctx, 1)
	require.NoError(t, err)
}

func TestRepeatedBansRetireProxy(t *testing.T) {
	counters := newFakeCounters(activeProxy(10))
	p, mr := testPool(t, counters)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		lease, err := p.Lease(ctx, 1)
		require.NoError(t, err)
		lease.Release(ctx, OutcomeBanned)
		mr.FastForward(31 * time.Minute)
	}

	require.Equal(t, domain.ProxyBanned, counters.statuses[10])
	// Retired for good: the quarantine window expiring changes nothing.
	_, err := p.Lease(ctx, 1)
	require.ErrorIs(t, err, ErrNoProxyAvailable)
}

func TestSuccessClearsBanStrikes(t *testing.T) {
	counters := newFakeCounters(activeProxy(10))
	p, mr := testPool(t, counters)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		lease, err := p.Lease(ctx, 1)
		require.NoError(t, err)
		lease.Release(ctx, OutcomeBanned)
		mr.FastForward(31 * time.Minute)
	}
	lease, err := p.Lease(ctx, 1)
	require.NoError(t, err)
	lease.Release(ctx, OutcomeOK)

	// The streak restarted: one more ban is strike one, not three.
	lease, err = p.Lease(ctx, 1)
	require.NoError(t, err)
	lease.Release(ctx, OutcomeBanned)
	require.Empty(t, counters.statuses)
}

func TestQuarantineCheckFailsClosed(t *testing.T) {
	counters := newFakeCounters(activeProxy(10))
	p, mr := testPool(t, counters)
	ctx := context.Background()

	mr.SetError("state store unavailable")
	_, err := p.Lease(ctx, 1)
	require.ErrorIs(t, err, ErrNoProxyAvailable)

	mr.SetError("")
	_, err = p.Lease(ctx, 1)
	require.NoError(t, err)
}

func TestRefreshDropsInactive(t *testing.T) {
	counters := newFakeCounters(activeProxy(10))
	p, _ := testPool(t, counters)
	ctx := context.Background()

	counters.proxies[0].Status = domain.ProxyBanned
	require.NoError(t, p.Refresh(ctx))

	_, err := p.Lease(ctx, 1)
	require.ErrorIs(t, err, ErrNoProxyAvailable)
}
