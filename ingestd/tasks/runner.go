package tasks

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/observability"
)

const (
	popTimeout    = 5 * time.Second
	moveDueEvery  = time.Second
	depthSampling = 15 * time.Second
)

// Runner drives the worker pools. Each queue gets its own pool sized
// by its Limits; workers block on the broker and execute handlers
// under the queue's time limits.
type Runner struct {
	broker   *Broker
	registry *Registry
	limits   map[string]Limits
	logger   *log.Logger
}

// NewRunner assembles a runner. Passing nil limits selects
// DefaultLimits.
func NewRunner(broker *Broker, registry *Registry, limits map[string]Limits, logger *log.Logger) *Runner {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Runner{broker: broker, registry: registry, limits: limits, logger: logger.Named("tasks")}
}

// Run blocks until ctx is canceled, then drains in-flight tasks.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for queue, lim := range r.limits {
		for i := 0; i < lim.Concurrency; i++ {
			g.Go(func() error { return r.worker(ctx, queue, lim) })
		}
	}
	g.Go(func() error { return r.housekeeping(ctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// housekeeping promotes delayed tasks and samples queue depths.
func (r *Runner) housekeeping(ctx context.Context) error {
	moveTick := time.NewTicker(moveDueEvery)
	defer moveTick.Stop()
	depthTick := time.NewTicker(depthSampling)
	defer depthTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-moveTick.C:
			if _, err := r.broker.MoveDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
				r.logger.Warn("promote delayed tasks", zap.Error(err))
			}
		case <-depthTick.C:
			r.broker.ObserveDepths(ctx)
		}
	}
}

func (r *Runner) worker(ctx context.Context, queue string, lim Limits) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		task, err := r.broker.Pop(ctx, queue, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("pop task", zap.String("queue", queue), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}
		r.execute(ctx, task, lim)
	}
}

// execute runs one task under the queue's limits. A task that blows
// the soft limit is logged; one that hits the hard limit has its
// context canceled and counts as failed.
func (r *Runner) execute(ctx context.Context, task *Task, lim Limits) {
	handler, ok := r.registry.Lookup(task.Name)
	if !ok {
		r.logger.Error("no handler registered",
			zap.String("task", task.Name), zap.String("id", task.ID))
		observability.TaskRuns.WithLabelValues(task.Name, "unregistered").Inc()
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, lim.HardLimit)
	defer cancel()

	soft := time.AfterFunc(lim.SoftLimit, func() {
		r.logger.Warn("task over soft limit",
			zap.String("task", task.Name), zap.String("id", task.ID),
			zap.String("queue", task.Queue), zap.Duration("soft_limit", lim.SoftLimit))
	})
	defer soft.Stop()

	started := time.Now()
	err := r.invoke(taskCtx, handler, task)
	elapsed := time.Since(started)

	outcome := "ok"
	switch {
	case err != nil && taskCtx.Err() == context.DeadlineExceeded:
		outcome = "hard_limit"
		r.logger.Error("task killed at hard limit",
			zap.String("task", task.Name), zap.String("id", task.ID),
			zap.Duration("hard_limit", lim.HardLimit))
	case err != nil:
		outcome = "error"
		r.logger.Error("task failed",
			zap.String("task", task.Name), zap.String("id", task.ID),
			zap.Duration("elapsed", elapsed), zap.Error(err))
	default:
		r.logger.Debug("task done",
			zap.String("task", task.Name), zap.String("id", task.ID),
			zap.Duration("elapsed", elapsed))
	}
	observability.TaskRuns.WithLabelValues(task.Name, outcome).Inc()
	observability.TaskDuration.WithLabelValues(task.Name).Observe(elapsed.Seconds())
}

// invoke shields the worker from handler panics.
func (r *Runner) invoke(ctx context.Context, handler Handler, task *Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", task.Name, p)
			r.logger.Error("task panic",
				zap.String("task", task.Name), zap.String("id", task.ID),
				zap.Any("panic", p), zap.String("stack", string(debug.Stack())))
		}
	}()
	return handler(ctx, task)
}
