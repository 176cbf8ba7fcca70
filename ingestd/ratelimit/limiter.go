// Package ratelimit enforces per-(marketplace API, shop) request caps
// over a sliding window, coordinated across all workers through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/sellerpulse/sellerpulse/ingestd/observability"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
)

// Scope names a limiter bucket. Scopes embed the marketplace API so two
// APIs of the same provider never share a window.
type Scope string

const (
	ScopeWBStatistics    Scope = "wb-statistics"
	ScopeWBAnalytics     Scope = "wb-analytics"
	ScopeWBContent       Scope = "wb-content"
	ScopeWBMarketplace   Scope = "wb-marketplace"
	ScopeWBAdvert        Scope = "wb-advert"
	ScopeWBPrices        Scope = "wb-prices"
	ScopeWBCommon        Scope = "wb-common"
	ScopeOzonSeller      Scope = "ozon-seller"
	ScopeOzonPerformance Scope = "ozon-performance"
)

// Config is a sliding-window configuration pair.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// defaults per the documented marketplace rate shapes.
var defaults = map[Scope]Config{
	ScopeWBStatistics:    {Window: 63 * time.Second, MaxRequests: 1},
	ScopeWBAnalytics:     {Window: 21 * time.Second, MaxRequests: 1},
	ScopeWBContent:       {Window: 1 * time.Second, MaxRequests: 5},
	ScopeWBMarketplace:   {Window: 1 * time.Second, MaxRequests: 5},
	ScopeWBAdvert:        {Window: 1 * time.Second, MaxRequests: 5},
	ScopeWBPrices:        {Window: 6 * time.Second, MaxRequests: 1},
	ScopeWBCommon:        {Window: 1 * time.Second, MaxRequests: 5},
	ScopeOzonSeller:      {Window: 1 * time.Second, MaxRequests: 10},
	ScopeOzonPerformance: {Window: 1 * time.Second, MaxRequests: 5},
}

// Limiter is the distributed sliding-window limiter. A local token
// bucket per scope sits in front of Redis so a tight acquire loop does
// not hammer the coordination backend.
type Limiter struct {
	store   *state.Store
	configs map[Scope]Config

	mu     sync.Mutex
	guards map[string]*rate.Limiter

	// now is swappable for tests.
	now func() time.Time
}

// Option mutates limiter construction.
type Option func(*Limiter)

// WithOverride replaces the default configuration for a scope.
func WithOverride(scope Scope, cfg Config) Option {
	return func(l *Limiter) {
		l.configs[scope] = cfg
	}
}

// New creates a limiter over the shared state store.
func New(store *state.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		configs: make(map[Scope]Config, len(defaults)),
		guards:  make(map[string]*rate.Limiter),
		now:     time.Now,
	}
	for scope, cfg := range defaults {
		l.configs[scope] = cfg
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ConfigFor returns the active configuration for a scope.
func (l *Limiter) ConfigFor(scope Scope) (Config, error) {
	cfg, ok := l.configs[scope]
	if !ok {
		return Config{}, fmt.Errorf("ratelimit: unknown scope %q", scope)
	}
	return cfg, nil
}

// guard returns the local in-process token bucket for a scope+shop.
func (l *Limiter) guard(scope Scope, shopID int64, cfg Config) *rate.Limiter {
	key := fmt.Sprintf("%s:%d", scope, shopID)
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.guards[key]
	if !ok {
		// Local cap mirrors the distributed one; it only bounds how
		// often this process retries the Redis check.
		g = rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.MaxRequests)), cfg.MaxRequests)
		l.guards[key] = g
	}
	return g
}

// Acquire blocks until a slot is available in the window or ctx is
// canceled. The acquired slot is recorded atomically; cancellation
// before the record leaves the window untouched.
func (l *Limiter) Acquire(ctx context.Context, scope Scope, shopID int64) error {
	cfg, err := l.ConfigFor(scope)
	if err != nil {
		return err
	}
	start := l.now()
	defer func() {
		observability.LimiterWait.WithLabelValues(string(scope)).Observe(l.now().Sub(start).Seconds())
	}()

	if err := l.guard(scope, shopID, cfg).Wait(ctx); err != nil {
		return err
	}

	key := state.RateWindowKey(string(scope), shopID)
	for {
		ok, wait, err := l.tryAcquire(ctx, key, cfg)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// acquireScript trims the window, counts it and either records now (1)
// or returns the score of the oldest surviving entry (0, oldest).
const acquireScript = `
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local cap = tonumber(ARGV[3])
	redis.call("zremrangebyscore", key, "-inf", now - window)
	local count = redis.call("zcard", key)
	if count < cap then
		redis.call("zadd", key, now, ARGV[4])
		redis.call("pexpire", key, window * 2)
		return {1, 0}
	end
	local oldest = redis.call("zrange", key, 0, 0, "WITHSCORES")
	return {0, tonumber(oldest[2])}
`

func (l *Limiter) tryAcquire(ctx context.Context, key string, cfg Config) (bool, time.Duration, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(now.UnixNano(), 10)
	res, err := l.store.Client().Eval(ctx, acquireScript, []string{key},
		nowMs, cfg.Window.Milliseconds(), cfg.MaxRequests, member).Result()
	if err != nil {
		return false, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	granted, _ := vals[0].(int64)
	if granted == 1 {
		return true, 0, nil
	}
	oldest, _ := vals[1].(int64)
	// Sleep until the oldest entry ages out, plus a small jitter so
	// stalled workers do not stampede at the same instant.
	wait := time.Duration(oldest+cfg.Window.Milliseconds()-nowMs) * time.Millisecond
	if wait < 50*time.Millisecond {
		wait = 50 * time.Millisecond
	}
	wait += time.Duration(rand.Int63n(int64(wait)/4 + 1))
	return false, wait, nil
}

// Penalize widens the next wait for a shop after a server-attributed
// 429 by recording extra synthetic entries with jittered timestamps
// (10-30s spread). Thundering-herd avoidance on repeated rate limits.
func (l *Limiter) Penalize(ctx context.Context, scope Scope, shopID int64) error {
	cfg, err := l.ConfigFor(scope)
	if err != nil {
		return err
	}
	key := state.RateWindowKey(string(scope), shopID)
	now := l.now()
	offset := 10*time.Second + time.Duration(rand.Int63n(int64(20*time.Second)))
	score := now.Add(offset - cfg.Window).UnixMilli()
	member := "penalty:" + strconv.FormatInt(now.UnixNano(), 10)
	return l.store.Client().ZAdd(ctx, key, redis.Z{Score: float64(score), Member: member}).Err()
}
