package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sellerpulse/sellerpulse/ingestd/state"
)

const testScope Scope = "test-scope"

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testLimiter(t *testing.T, cfg Config) (*Limiter, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := state.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	l := New(st, WithOverride(testScope, cfg))
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l.now = c.now
	return l, c
}

func TestConfigForUnknownScope(t *testing.T) {
	l, _ := testLimiter(t, Config{Window: time.Minute, MaxRequests: 1})
	_, err := l.ConfigFor("no-such-scope")
	require.Error(t, err)
}

func TestOverrideReplacesDefault(t *testing.T) {
	l, _ := testLimiter(t, Config{Window: time.Minute, MaxRequests: 1})
	cfg, err := l.ConfigFor(ScopeWBStatistics)
	require.NoError(t, err)
	require.Equal(t, 63*time.Second, cfg.Window)

	l2, _ := testLimiter(t, Config{})
	l2.configs[ScopeWBStatistics] = Config{Window: 10 * time.Second, MaxRequests: 3}
	cfg, err = l2.ConfigFor(ScopeWBStatistics)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.MaxRequests)
}

func TestWindowCapacity(t *testing.T) {
	cfg := Config{Window: time.Minute, MaxRequests: 2}
	l, c := testLimiter(t, cfg)
	ctx := context.Background()
	key := state.RateWindowKey(string(testScope), 1)

	ok, _, err := l.tryAcquire(ctx, key, cfg)
	require.NoError(t, err)
	require.True(t, ok)

	c.advance(time.Second)
	ok, _, err = l.tryAcquire(ctx, key, cfg)
	require.NoError(t, err)
	require.True(t, ok)

	// Window full: denied, with a wait pointing at the oldest entry's
	// expiry (58s away here) plus bounded jitter.
	c.advance(time.Second)
	ok, wait, err := l.tryAcquire(ctx, key, cfg)
	require.NoError(t, err)
	require.False(t, ok)
	require.GreaterOrEqual(t, wait, 58*time.Second)
	require.LessOrEqual(t, wait, 73*time.Second)

	// After the window slides past the oldest entry a slot opens.
	c.advance(59 * time.Second)
	ok, _, err = l.tryAcquire(ctx, key, cfg)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWindowsAreIsolatedPerShop(t *testing.T) {
	cfg := Config{Window: time.Minute, MaxRequests: 1}
	l, c := testLimiter(t, cfg)
	ctx := context.Background()

	ok, _, err := l.tryAcquire(ctx, state.RateWindowKey(string(testScope), 1), cfg)
	require.NoError(t, err)
	require.True(t, ok)

	c.advance(time.Millisecond)
	ok, _, err = l.tryAcquire(ctx, state.RateWindowKey(string(testScope), 2), cfg)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPenalizeConsumesSlots(t *testing.T) {
	cfg := Config{Window: time.Minute, MaxRequests: 2}
	l, c := testLimiter(t, cfg)
	ctx := context.Background()
	key := state.RateWindowKey(string(testScope), 1)

	require.NoError(t, l.Penalize(ctx, testScope, 1))

	// The synthetic entry occupies one of the two slots.
	ok, _, err := l.tryAcquire(ctx, key, cfg)
	require.NoError(t, err)
	require.True(t, ok)

	c.advance(time.Millisecond)
	ok, _, err = l.tryAcquire(ctx, key, cfg)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAcquireRespectsContext(t *testing.T) {
	l, _ := testLimiter(t, Config{Window: time.Minute, MaxRequests: 1})
	l.now = time.Now

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, testScope, 1))

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, l.Acquire(shortCtx, testScope, 1))
}
