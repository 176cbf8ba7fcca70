// Package orchestrator runs the initial backfill chain for a shop:
// a fixed sequence of ingestion steps with progress reporting and a
// Redis lock that keeps the chain single-flight per shop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/observability"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
)

// lockTTL bounds a stuck chain. Matches the backfill queue hard limit.
const lockTTL = 4 * time.Hour

// ErrAlreadyRunning is returned when another backfill holds the shop's
// orchestrator lock.
var ErrAlreadyRunning = errors.New("orchestrator: backfill already running for shop")

// Progress statuses. "error" marks a failed step mid-chain; the next
// step flips the record back to "loading".
const (
	StatusLoading        = "loading"
	StatusError          = "error"
	StatusCanceled       = "canceled"
	StatusDone           = "done"
	StatusDoneWithErrors = "done_with_errors"
)

// Step is one unit of the backfill chain. Report publishes sub-step
// detail ("month 3/12") into the progress record without advancing
// the step counter.
type Step struct {
	Name string
	Run  func(ctx context.Context, shopID int64, report func(detail string)) error
}

// Progress is the externally visible backfill state, served by the
// sync-status endpoint.
type Progress struct {
	Status    string    `json:"status"`
	Step      string    `json:"step,omitempty"`
	StepIndex int       `json:"step_index"`
	StepTotal int       `json:"step_total"`
	Percent   int       `json:"percent"`
	Detail    string    `json:"detail,omitempty"`
	Errors    []string  `json:"errors,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusWriter narrows the OLTP store to lifecycle writes.
type StatusWriter interface {
	SetShopStatus(ctx context.Context, shopID int64, status domain.ShopStatus, message string) error
}

// Orchestrator executes backfill chains.
type Orchestrator struct {
	state  *state.Store
	shops  StatusWriter
	chains map[domain.Marketplace][]Step
	logger *log.Logger
	now    func() time.Time
}

// New builds an orchestrator with per-marketplace chains.
func New(st *state.Store, shops StatusWriter, chains map[domain.Marketplace][]Step, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		state:  st,
		shops:  shops,
		chains: chains,
		logger: logger.Named("orchestrator"),
		now:    time.Now,
	}
}

// Run executes the chain for one shop. Exactly one chain runs per shop
// at a time; a second caller gets ErrAlreadyRunning. Step failures do
// not abort the chain: later steps still run and the final status is
// done_with_errors.
func (o *Orchestrator) Run(ctx context.Context, shopID int64, mp domain.Marketplace) error {
	steps, ok := o.chains[mp]
	if !ok || len(steps) == 0 {
		return fmt.Errorf("orchestrator: no chain for marketplace %q", mp)
	}

	owner := uuid.NewString()
	lockKey := state.OrchestratorLockKey(shopID)
	acquired, err := o.state.AcquireLock(ctx, lockKey, owner, lockTTL)
	if err != nil {
		return fmt.Errorf("orchestrator: acquire lock: %w", err)
	}
	if !acquired {
		return ErrAlreadyRunning
	}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if err := o.state.ReleaseLock(releaseCtx, lockKey, owner); err != nil {
			o.logger.Warn("lock release failed", zap.Int64("shop_id", shopID), zap.Error(err))
		}
	}()

	logger := o.logger.WithShop(shopID)
	if err := o.shops.SetShopStatus(ctx, shopID, domain.ShopSyncing, "initial sync running"); err != nil {
		return fmt.Errorf("orchestrator: mark syncing: %w", err)
	}
	logger.Info("backfill started", zap.String("marketplace", string(mp)), zap.Int("steps", len(steps)))

	progress := Progress{Status: StatusLoading, StepTotal: len(steps)}
	var stepErrors []string

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			o.writeProgress(ctx, shopID, progressWithError(progress, stepErrors, StatusCanceled))
			return err
		}

		progress.Status = StatusLoading
		progress.Step = step.Name
		progress.StepIndex = i + 1
		// Percent reflects completed steps; 100 is reserved for the
		// terminal record.
		progress.Percent = min(i*100/len(steps), 99)
		progress.Detail = ""
		o.writeProgress(ctx, shopID, progress)

		report := func(detail string) {
			progress.Detail = detail
			o.writeProgress(ctx, shopID, progress)
		}

		started := o.now()
		err := step.Run(ctx, shopID, report)
		observability.BackfillSteps.WithLabelValues(step.Name, outcomeLabel(err)).Inc()
		if err != nil {
			stepErrors = append(stepErrors, fmt.Sprintf("%s: %v", step.Name, err))
			o.writeProgress(ctx, shopID, progressWithError(progress, stepErrors, StatusError))
			logger.Warn("backfill step failed",
				zap.String("step", step.Name), zap.Duration("elapsed", o.now().Sub(started)), zap.Error(err))
			continue
		}
		logger.Info("backfill step done",
			zap.String("step", step.Name), zap.Duration("elapsed", o.now().Sub(started)))
	}

	final := Progress{
		Status:    StatusDone,
		StepIndex: len(steps),
		StepTotal: len(steps),
		Percent:   100,
		Errors:    stepErrors,
	}
	statusMsg := "initial sync complete"
	if len(stepErrors) > 0 {
		final.Status = StatusDoneWithErrors
		statusMsg = fmt.Sprintf("initial sync finished with %d failed steps", len(stepErrors))
	}
	o.writeProgress(ctx, shopID, final)

	if err := o.shops.SetShopStatus(ctx, shopID, domain.ShopActive, statusMsg); err != nil {
		return fmt.Errorf("orchestrator: mark active: %w", err)
	}
	logger.Info("backfill finished", zap.String("status", final.Status), zap.Int("failed_steps", len(stepErrors)))
	return nil
}

// GetProgress returns the last written progress record, nil when the
// shop has never synced (or the record expired).
func (o *Orchestrator) GetProgress(ctx context.Context, shopID int64) (*Progress, error) {
	var p Progress
	err := o.state.GetJSON(ctx, state.SyncProgressKey(shopID), &p)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (o *Orchestrator) writeProgress(ctx context.Context, shopID int64, p Progress) {
	p.UpdatedAt = o.now().UTC()
	writeCtx := context.WithoutCancel(ctx)
	if err := o.state.SetJSON(writeCtx, state.SyncProgressKey(shopID), p, state.ProgressTTL); err != nil {
		o.logger.Warn("progress write failed", zap.Int64("shop_id", shopID), zap.Error(err))
	}
}

func progressWithError(p Progress, stepErrors []string, status string) Progress {
	p.Status = status
	p.Errors = stepErrors
	return p
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
