// Package breaker gates outbound traffic per shop with a
// CLOSED/OPEN/HALF_OPEN circuit keyed on authentication failures.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/observability"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
)

// ErrShopDisabled is returned by Allow while the circuit is OPEN. No
// HTTP attempt is made for the shop until cooldown elapses or the
// credentials are updated.
var ErrShopDisabled = errors.New("breaker: shop disabled by circuit breaker")

// State is the circuit state per shop.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

const (
	// FailureThreshold is the consecutive-401 count that trips the circuit.
	FailureThreshold = 10
	// MinDistinctProxies guards against a single bad proxy looking like
	// bad credentials.
	MinDistinctProxies = 2
	// Cooldown is the OPEN duration before a single probe is permitted.
	Cooldown = time.Hour
	// failureWindow bounds how long stale failure counts survive.
	failureWindow = 6 * time.Hour
	// probeTTL bounds how long one HALF_OPEN probe holds the admission
	// token. Longer than any request timeout so a live probe is never
	// raced, short enough that a crashed worker frees the slot.
	probeTTL = 2 * time.Minute
)

// StatusWriter persists the shop lifecycle status. Implemented by the
// OLTP store; interface-typed to keep the dependency one-way.
type StatusWriter interface {
	SetShopStatus(ctx context.Context, shopID int64, status domain.ShopStatus, message string) error
}

// Breaker is the per-shop circuit breaker. All state lives in Redis so
// every worker observes the same circuit.
type Breaker struct {
	state  *state.Store
	shops  StatusWriter
	logger *log.Logger

	now func() time.Time
}

// New builds a breaker over the shared state store.
func New(st *state.Store, shops StatusWriter, logger *log.Logger) *Breaker {
	return &Breaker{state: st, shops: shops, logger: logger.Named("breaker"), now: time.Now}
}

// circuit is the serialized scalar: "open:<unix>" or "half_open".
// Absent means CLOSED.

// Current returns the circuit state for a shop, transitioning
// OPEN -> HALF_OPEN when the cooldown has elapsed.
func (b *Breaker) Current(ctx context.Context, shopID int64) (State, error) {
	raw, err := b.state.GetString(ctx, state.BreakerKey(shopID))
	if errors.Is(err, state.ErrNotFound) {
		return Closed, nil
	}
	if err != nil {
		return Closed, err
	}
	if raw == string(HalfOpen) {
		return HalfOpen, nil
	}
	if openedAt, ok := strings.CutPrefix(raw, "open:"); ok {
		ts, err := strconv.ParseInt(openedAt, 10, 64)
		if err != nil {
			return Closed, fmt.Errorf("breaker: corrupt circuit value %q", raw)
		}
		if b.now().Sub(time.Unix(ts, 0)) >= Cooldown {
			// One probe is allowed from here on.
			if err := b.state.SetString(ctx, state.BreakerKey(shopID), string(HalfOpen), failureWindow); err != nil {
				return Open, err
			}
			b.setGauge(shopID, HalfOpen)
			return HalfOpen, nil
		}
		return Open, nil
	}
	return Closed, nil
}

// Allow returns ErrShopDisabled while the circuit is OPEN. In
// HALF_OPEN exactly one caller per TTL window wins the probe token;
// everyone else stays rejected until the probe resolves the circuit.
func (b *Breaker) Allow(ctx context.Context, shopID int64) error {
	st, err := b.Current(ctx, shopID)
	if err != nil {
		return err
	}
	switch st {
	case Open:
		return fmt.Errorf("%w: shop %d", ErrShopDisabled, shopID)
	case HalfOpen:
		ok, err := b.state.AcquireLock(ctx, state.BreakerProbeKey(shopID), string(HalfOpen), probeTTL)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: shop %d (probe in flight)", ErrShopDisabled, shopID)
		}
	}
	return nil
}

// RecordAuthFailure counts a 401 observed through proxyID. The circuit
// trips when the consecutive count reaches the threshold and at least
// two distinct proxies saw failures, ruling out a proxy-local cause.
func (b *Breaker) RecordAuthFailure(ctx context.Context, shopID, proxyID int64) error {
	st, err := b.Current(ctx, shopID)
	if err != nil {
		return err
	}
	if st == HalfOpen {
		// Failed probe: back to OPEN with a fresh cooldown clock.
		return b.trip(ctx, shopID, "authorization probe failed")
	}

	count, err := b.state.Incr(ctx, state.BreakerFailuresKey(shopID), failureWindow)
	if err != nil {
		return err
	}
	proxies, err := b.state.SAddCount(ctx, state.BreakerProxiesKey(shopID), strconv.FormatInt(proxyID, 10), failureWindow)
	if err != nil {
		return err
	}
	if count >= FailureThreshold && proxies >= MinDistinctProxies {
		msg := fmt.Sprintf("marketplace rejected credentials %d times in a row across %d proxies", count, proxies)
		return b.trip(ctx, shopID, msg)
	}
	return nil
}

// RecordSuccess resets the failure streak; a HALF_OPEN probe success
// closes the circuit.
func (b *Breaker) RecordSuccess(ctx context.Context, shopID int64) error {
	st, err := b.Current(ctx, shopID)
	if err != nil {
		return err
	}
	if st == HalfOpen {
		b.logger.Info("probe succeeded, closing circuit", zap.Int64("shop_id", shopID))
		return b.Reset(ctx, shopID)
	}
	return b.state.Del(ctx,
		state.BreakerFailuresKey(shopID),
		state.BreakerProxiesKey(shopID))
}

// trip moves the circuit to OPEN and marks the shop auth_error.
func (b *Breaker) trip(ctx context.Context, shopID int64, message string) error {
	value := "open:" + strconv.FormatInt(b.now().Unix(), 10)
	if err := b.state.SetString(ctx, state.BreakerKey(shopID), value, failureWindow); err != nil {
		return err
	}
	if err := b.state.Del(ctx,
		state.BreakerFailuresKey(shopID),
		state.BreakerProxiesKey(shopID),
		state.BreakerProbeKey(shopID)); err != nil {
		return err
	}
	observability.BreakerTrips.Inc()
	b.setGauge(shopID, Open)
	b.logger.Warn("circuit opened", zap.Int64("shop_id", shopID), zap.String("reason", message))
	if err := b.shops.SetShopStatus(ctx, shopID, domain.ShopAuthError, message); err != nil {
		return fmt.Errorf("breaker: persist auth_error status: %w", err)
	}
	return nil
}

// Reset force-closes the circuit. Called on credential updates and on
// successful probes; restores the shop to active.
func (b *Breaker) Reset(ctx context.Context, shopID int64) error {
	if err := b.state.Del(ctx,
		state.BreakerKey(shopID),
		state.BreakerFailuresKey(shopID),
		state.BreakerProxiesKey(shopID),
		state.BreakerProbeKey(shopID)); err != nil {
		return err
	}
	b.setGauge(shopID, Closed)
	return b.shops.SetShopStatus(ctx, shopID, domain.ShopActive, "")
}

func (b *Breaker) setGauge(shopID int64, st State) {
	var v float64
	switch st {
	case HalfOpen:
		v = 1
	case Open:
		v = 2
	}
	observability.BreakerState.WithLabelValues(strconv.FormatInt(shopID, 10)).Set(v)
}
