// Package proxypool issues per-shop sticky proxy leases and quarantines
// failing proxies.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/observability"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
)

// ErrNoProxyAvailable is returned when every proxy is quarantined or
// inactive. Fatal for the current attempt.
var ErrNoProxyAvailable = errors.New("proxypool: no proxy available")

// Outcome is the caller-reported result of using a lease.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeTransient   Outcome = "transient"
	OutcomeBanned      Outcome = "banned"       // 403
	OutcomeRateLimited Outcome = "rate_limited" // 429
	OutcomeServerError Outcome = "server_error" // 5xx
)

// Quarantine windows per outcome.
const (
	banQuarantine    = 30 * time.Minute
	rateQuarantine   = 15 * time.Minute
	serverQuarantine = 5 * time.Minute
)

// StickyTTL is how long a shop stays bound to one proxy. Matches the
// longest quarantine horizon so upstream fingerprints stay consistent
// for a full session window.
const StickyTTL = 30 * time.Minute

// Repeated 403 quarantines escalate to a persistent ban: the upstream
// has fingerprinted the exit and a fresh window will not help.
const (
	banStrikes   = 3
	strikeWindow = 24 * time.Hour
)

// CounterStore persists counters and lifecycle status on proxy records.
// Implemented by the OLTP store with atomic UPDATEs.
type CounterStore interface {
	IncrProxySuccess(ctx context.Context, proxyID int64) error
	IncrProxyFailure(ctx context.Context, proxyID int64) error
	SetProxyStatus(ctx context.Context, proxyID int64, status domain.ProxyStatus) error
	ListActiveProxies(ctx context.Context) ([]*domain.Proxy, error)
}

// Lease is an exclusive association between one outgoing call and one
// proxy. Release must be called exactly once on every exit path.
type Lease struct {
	Proxy *domain.Proxy

	pool     *Pool
	shopID   int64
	released bool
	mu       sync.Mutex
}

// Release reports the outcome and ends the lease. Calling it more than
// once is a no-op.
func (l *Lease) Release(ctx context.Context, outcome Outcome) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.report(ctx, l.shopID, l.Proxy, outcome)
}

// Pool selects proxies for shops, preferring sticky bindings, and
// applies quarantine windows on failure reports.
type Pool struct {
	counters CounterStore
	state    *state.Store
	logger   *log.Logger

	mu      sync.RWMutex
	proxies map[int64]*domain.Proxy

	// rng is swappable for deterministic selection tests.
	rng *rand.Rand
}

// New builds a pool over the OLTP proxy table and the shared state
// store. Refresh must be called before the first lease.
func New(counters CounterStore, st *state.Store, logger *log.Logger) *Pool {
	return &Pool{
		counters: counters,
		state:    st,
		logger:   logger.Named("proxypool"),
		proxies:  make(map[int64]*domain.Proxy),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Refresh reloads active proxy records from OLTP. Called at startup and
// on a slow timer so operator changes propagate.
func (p *Pool) Refresh(ctx context.Context) error {
	proxies, err := p.counters.ListActiveProxies(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxies = make(map[int64]*domain.Proxy, len(proxies))
	for _, proxy := range proxies {
		p.proxies[proxy.ID] = proxy
	}
	return nil
}

func quarantineKey(proxyID int64) string {
	return fmt.Sprintf("proxy:quarantine:%d", proxyID)
}

func strikesKey(proxyID int64) string {
	return fmt.Sprintf("proxy:strikes:%d", proxyID)
}

// quarantined fails closed: when the state store cannot be read the
// proxy is treated as quarantined rather than risking a burned exit.
func (p *Pool) quarantined(ctx context.Context, proxyID int64) bool {
	_, err := p.state.GetString(ctx, quarantineKey(proxyID))
	if errors.Is(err, state.ErrNotFound) {
		return false
	}
	if err != nil {
		p.logger.Warn("quarantine check failed, withholding proxy",
			zap.Int64("proxy_id", proxyID), zap.Error(err))
		return true
	}
	return true
}

// Lease returns a proxy for the shop. The previously bound proxy is
// reused when still healthy; otherwise a new one is selected by
// weighted random on success rate and the binding is rewritten.
func (p *Pool) Lease(ctx context.Context, shopID int64) (*Lease, error) {
	bindKey := state.ProxyBindKey(shopID)

	if bound, err := p.state.GetString(ctx, bindKey); err == nil {
		if id, err := strconv.ParseInt(bound, 10, 64); err == nil {
			p.mu.RLock()
			proxy, ok := p.proxies[id]
			p.mu.RUnlock()
			if ok && proxy.Status == domain.ProxyActive && !p.quarantined(ctx, id) {
				observability.ProxyLeases.WithLabelValues("sticky").Inc()
				return &Lease{Proxy: proxy, pool: p, shopID: shopID}, nil
			}
		}
	}

	proxy, err := p.selectWeighted(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.state.SetString(ctx, bindKey, strconv.FormatInt(proxy.ID, 10), StickyTTL); err != nil {
		p.logger.Warn("failed to write sticky binding", zap.Int64("shop_id", shopID), zap.Error(err))
	}
	observability.ProxyLeases.WithLabelValues("fresh").Inc()
	return &Lease{Proxy: proxy, pool: p, shopID: shopID}, nil
}

// selectWeighted picks among non-quarantined active proxies with
// probability proportional to success rate.
func (p *Pool) selectWeighted(ctx context.Context) (*domain.Proxy, error) {
	p.mu.RLock()
	candidates := make([]*domain.Proxy, 0, len(p.proxies))
	for _, proxy := range p.proxies {
		if proxy.Status == domain.ProxyActive {
			candidates = append(candidates, proxy)
		}
	}
	p.mu.RUnlock()

	var eligible []*domain.Proxy
	var total float64
	for _, proxy := range candidates {
		if p.quarantined(ctx, proxy.ID) {
			continue
		}
		eligible = append(eligible, proxy)
		total += proxy.SuccessRate()
	}
	if len(eligible) == 0 {
		return nil, ErrNoProxyAvailable
	}

	p.mu.Lock()
	pick := p.rng.Float64() * total
	p.mu.Unlock()
	for _, proxy := range eligible {
		pick -= proxy.SuccessRate()
		if pick <= 0 {
			return proxy, nil
		}
	}
	return eligible[len(eligible)-1], nil
}

// report applies quarantine windows and persists counters.
func (p *Pool) report(ctx context.Context, shopID int64, proxy *domain.Proxy, outcome Outcome) {
	var window time.Duration
	switch outcome {
	case OutcomeOK:
		proxy.SuccessCount++
		if err := p.counters.IncrProxySuccess(ctx, proxy.ID); err != nil {
			p.logger.Warn("failed to persist proxy success", zap.Int64("proxy_id", proxy.ID), zap.Error(err))
		}
		if err := p.state.Del(ctx, strikesKey(proxy.ID)); err != nil {
			p.logger.Warn("failed to clear proxy strikes", zap.Int64("proxy_id", proxy.ID), zap.Error(err))
		}
		return
	case OutcomeBanned:
		window = banQuarantine
	case OutcomeRateLimited:
		window = rateQuarantine
	case OutcomeServerError:
		window = serverQuarantine
	case OutcomeTransient:
		// Network-level flakes are not attributed to the proxy.
		return
	}

	proxy.FailureCount++
	if err := p.counters.IncrProxyFailure(ctx, proxy.ID); err != nil {
		p.logger.Warn("failed to persist proxy failure", zap.Int64("proxy_id", proxy.ID), zap.Error(err))
	}
	observability.ProxyQuarantines.WithLabelValues(string(outcome)).Inc()

	if err := p.state.SetString(ctx, quarantineKey(proxy.ID), string(outcome), window); err != nil {
		p.logger.Warn("failed to quarantine proxy", zap.Int64("proxy_id", proxy.ID), zap.Error(err))
	}
	// A quarantined proxy must not keep its sticky sessions.
	if err := p.state.Del(ctx, state.ProxyBindKey(shopID)); err != nil {
		p.logger.Warn("failed to clear sticky binding", zap.Int64("shop_id", shopID), zap.Error(err))
	}
	p.logger.Info("proxy quarantined",
		zap.Int64("proxy_id", proxy.ID),
		zap.String("outcome", string(outcome)),
		zap.Duration("window", window))

	if outcome == OutcomeBanned {
		p.escalate(ctx, proxy)
	}
}

// escalate counts ban quarantines and retires the proxy from the
// record once the strike budget is spent.
func (p *Pool) escalate(ctx context.Context, proxy *domain.Proxy) {
	strikes, err := p.state.Incr(ctx, strikesKey(proxy.ID), strikeWindow)
	if err != nil {
		p.logger.Warn("failed to count proxy strike", zap.Int64("proxy_id", proxy.ID), zap.Error(err))
		return
	}
	if strikes < banStrikes {
		return
	}
	if err := p.counters.SetProxyStatus(ctx, proxy.ID, domain.ProxyBanned); err != nil {
		p.logger.Warn("failed to ban proxy", zap.Int64("proxy_id", proxy.ID), zap.Error(err))
		return
	}
	p.mu.Lock()
	delete(p.proxies, proxy.ID)
	p.mu.Unlock()
	p.logger.Warn("proxy banned after repeated blocks",
		zap.Int64("proxy_id", proxy.ID), zap.Int64("strikes", strikes))
}
