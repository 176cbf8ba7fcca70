// Package dispatcher fans periodic poll work out across active shops.
//
// Each (task, shop) pair is guarded by a Redis lock so overlapping
// beat firings never double-submit: the lock is taken before the task
// is enqueued and released by the handler wrapper when the run ends.
// The lock TTL matches the queue's hard limit, so a worker crash
// leaves at most one skipped cycle.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/observability"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
	"github.com/sellerpulse/sellerpulse/ingestd/tasks"
)

// ShopLister narrows the OLTP store to the dispatch read.
type ShopLister interface {
	ListActiveShops(ctx context.Context, mp domain.Marketplace) ([]*domain.Shop, error)
}

// ShopArgs is the payload every fanned-out task receives. The shop id
// is injected here exactly once; handlers never re-derive it.
type ShopArgs struct {
	ShopID int64 `json:"shop_id"`
}

// ParseShopArgs decodes the fan-out payload from a task envelope.
func ParseShopArgs(task *tasks.Task) (ShopArgs, error) {
	var args ShopArgs
	if err := json.Unmarshal(task.Args, &args); err != nil {
		return ShopArgs{}, fmt.Errorf("decode shop args for %s: %w", task.Name, err)
	}
	if args.ShopID == 0 {
		return ShopArgs{}, fmt.Errorf("task %s: missing shop_id", task.Name)
	}
	return args, nil
}

// Dispatcher submits one task per active shop per cycle.
type Dispatcher struct {
	shops    ShopLister
	state    *state.Store
	broker   *tasks.Broker
	registry *tasks.Registry
	limits   map[string]tasks.Limits
	logger   *log.Logger
}

// New assembles a dispatcher. Passing nil limits selects
// tasks.DefaultLimits.
func New(shops ShopLister, st *state.Store, broker *tasks.Broker, registry *tasks.Registry, limits map[string]tasks.Limits, logger *log.Logger) *Dispatcher {
	if limits == nil {
		limits = tasks.DefaultLimits()
	}
	return &Dispatcher{
		shops:    shops,
		state:    st,
		broker:   broker,
		registry: registry,
		limits:   limits,
		logger:   logger.Named("dispatcher"),
	}
}

// Dispatch fans taskName out across active shops of the given
// marketplace (empty = all). Shops whose previous run of the same task
// still holds its lock are skipped, not queued behind.
func (d *Dispatcher) Dispatch(ctx context.Context, taskName string, mp domain.Marketplace) error {
	queue, ok := d.registry.QueueFor(taskName)
	if !ok {
		return fmt.Errorf("dispatch: unknown task %q", taskName)
	}
	lockTTL := d.limits[queue].HardLimit

	shops, err := d.shops.ListActiveShops(ctx, mp)
	if err != nil {
		return fmt.Errorf("dispatch %s: list shops: %w", taskName, err)
	}

	submitted := 0
	for _, shop := range shops {
		acquired, err := d.state.AcquireLock(ctx, state.TaskLockKey(taskName, shop.ID), "dispatcher", lockTTL)
		if err != nil {
			return fmt.Errorf("dispatch %s: lock shop %d: %w", taskName, shop.ID, err)
		}
		if !acquired {
			observability.DispatchSkipped.WithLabelValues(taskName).Inc()
			d.logger.Debug("previous run still active, skipping",
				zap.String("task", taskName), zap.Int64("shop_id", shop.ID))
			continue
		}
		if _, err := d.broker.Apply(ctx, d.registry, taskName, ShopArgs{ShopID: shop.ID}); err != nil {
			// Enqueue failed after locking: release so the next cycle
			// is not blocked for a full TTL.
			_ = d.state.Del(ctx, state.TaskLockKey(taskName, shop.ID))
			return fmt.Errorf("dispatch %s: enqueue shop %d: %w", taskName, shop.ID, err)
		}
		submitted++
	}
	d.logger.Debug("dispatch cycle complete",
		zap.String("task", taskName), zap.Int("shops", len(shops)), zap.Int("submitted", submitted))
	return nil
}

// Wrap decorates a per-shop handler with task-lock release. Use it
// when registering every handler the dispatcher fans out.
func (d *Dispatcher) Wrap(h tasks.Handler) tasks.Handler {
	return func(ctx context.Context, task *tasks.Task) error {
		err := h(ctx, task)
		if args, perr := ParseShopArgs(task); perr == nil {
			releaseCtx := context.WithoutCancel(ctx)
			if derr := d.state.Del(releaseCtx, state.TaskLockKey(task.Name, args.ShopID)); derr != nil {
				d.logger.Warn("task lock release failed",
					zap.String("task", task.Name), zap.Int64("shop_id", args.ShopID), zap.Error(derr))
			}
		}
		return err
	}
}

// DispatchHandler returns a fan-out task body for the beat schedule:
// the beat fires a single dispatch task, which expands into per-shop
// submissions here.
func (d *Dispatcher) DispatchHandler(taskName string, mp domain.Marketplace) tasks.Handler {
	return func(ctx context.Context, _ *tasks.Task) error {
		return d.Dispatch(ctx, taskName, mp)
	}
}
