package orchestrator

import (
	"context"
	"errors"
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

type statusRecorder struct {
	statuses []domain.ShopStatus
	messages []string
}

func (r *statusRecorder) SetShopStatus(_ context.Context, _ int64, status domain.ShopStatus, message string) error {
	r.statuses = append(r.statuses, status)
	r.messages = append(r.messages, message)
	return nil
}

func okStep(name string) Step {
	return Step{Name: name, Run: func(context.Context, int64, func(string)) error { return nil }}
}

func testOrchestrator(t *testing.T, steps []Step) (*Orchestrator, *statusRecorder, *state.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := state.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	rec := &statusRecorder{}
	chains := map[domain.Marketplace][]Step{domain.MarketplaceWildberries: steps}
	return New(st, rec, chains, log.New(zapcore.ErrorLevel)), rec, st
}

func TestRunHappyPath(t *testing.T) {
	o, rec, _ := testOrchestrator(t, []Step{okStep("content"), okStep("orders"), okStep("finance")})
	ctx := context.Background()

	require.NoError(t, o.Run(ctx, 1, domain.MarketplaceWildberries))

	progress, err := o.GetProgress(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StatusDone, progress.Status)
	require.Equal(t, 100, progress.Percent)
	require.Equal(t, 3, progress.StepTotal)
	require.Empty(t, progress.Errors)

	require.Equal(t, []domain.ShopStatus{domain.ShopSyncing, domain.ShopActive}, rec.statuses)
}

func TestRunProgressMidChain(t *testing.T) {
	var observed *Progress
	steps := []Step{
		okStep("one"), okStep("two"),
		{Name: "three", Run: func(ctx context.Context, shopID int64, _ func(string)) error {
			return nil
		}},
		okStep("four"),
	}
	o, _, _ := testOrchestrator(t, steps)

	// Capture the record as written while step three executes.
	steps[2].Run = func(ctx context.Context, shopID int64, _ func(string)) error {
		p, err := o.GetProgress(ctx, shopID)
		if err != nil {
			return err
		}
		observed = p
		return nil
	}
	o.chains[domain.MarketplaceWildberries] = steps

	require.NoError(t, o.Run(context.Background(), 1, domain.MarketplaceWildberries))
	require.NotNil(t, observed)
	require.Equal(t, StatusLoading, observed.Status)
	require.Equal(t, "three", observed.Step)
	require.Equal(t, 3, observed.StepIndex)
	// Two of four steps complete.
	require.Equal(t, 50, observed.Percent)
}

func TestRunPercentNeverHits100MidChain(t *testing.T) {
	var lastPercent int
	steps := make([]Step, 7)
	for i := range steps {
		steps[i] = okStep("step")
	}
	o, _, _ := testOrchestrator(t, nil)

	steps[6].Run = func(ctx context.Context, shopID int64, _ func(string)) error {
		p, err := o.GetProgress(ctx, shopID)
		if err != nil {
			return err
		}
		lastPercent = p.Percent
		return nil
	}
	o.chains[domain.MarketplaceWildberries] = steps

	require.NoError(t, o.Run(context.Background(), 1, domain.MarketplaceWildberries))
	require.Equal(t, 85, lastPercent)
	require.Less(t, lastPercent, 100)
}

func TestRunStepFailureContinues(t *testing.T) {
	var ranAfterFailure bool
	steps := []Step{
		okStep("content"),
		{Name: "finance", Run: func(context.Context, int64, func(string)) error {
			return errors.New("report timeout")
		}},
		{Name: "warehouses", Run: func(context.Context, int64, func(string)) error {
			ranAfterFailure = true
			return nil
		}},
	}
	o, rec, _ := testOrchestrator(t, steps)
	ctx := context.Background()

	require.NoError(t, o.Run(ctx, 1, domain.MarketplaceWildberries))
	require.True(t, ranAfterFailure, "steps after a failure must still run")

	progress, err := o.GetProgress(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StatusDoneWithErrors, progress.Status)
	require.Equal(t, 100, progress.Percent)
	require.Len(t, progress.Errors, 1)
	require.Contains(t, progress.Errors[0], "finance")

	require.Equal(t, domain.ShopActive, rec.statuses[len(rec.statuses)-1])
	require.Contains(t, rec.messages[len(rec.messages)-1], "1 failed steps")
}

func TestRunSingleFlight(t *testing.T) {
	o, _, st := testOrchestrator(t, []Step{okStep("content")})
	ctx := context.Background()

	held, err := st.AcquireLock(ctx, state.OrchestratorLockKey(1), "other-run", time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	require.ErrorIs(t, o.Run(ctx, 1, domain.MarketplaceWildberries), ErrAlreadyRunning)

	// A different shop is unaffected.
	require.NoError(t, o.Run(ctx, 2, domain.MarketplaceWildberries))
}

func TestRunReleasesLock(t *testing.T) {
	o, _, st := testOrchestrator(t, []Step{okStep("content")})
	ctx := context.Background()

	require.NoError(t, o.Run(ctx, 1, domain.MarketplaceWildberries))
	owner, err := st.LockOwner(ctx, state.OrchestratorLockKey(1))
	require.NoError(t, err)
	require.Empty(t, owner)

	// And the chain can run again.
	require.NoError(t, o.Run(ctx, 1, domain.MarketplaceWildberries))
}

func TestRunUnknownMarketplace(t *testing.T) {
	o, _, _ := testOrchestrator(t, []Step{okStep("content")})
	require.Error(t, o.Run(context.Background(), 1, domain.MarketplaceOzon))
}

func TestReportPublishesDetail(t *testing.T) {
	var detail string
	steps := []Step{
		{Name: "finance", Run: func(ctx context.Context, shopID int64, report func(string)) error {
			report("Month 3 of 12")
			return nil
		}},
		{Name: "probe", Run: func(ctx context.Context, shopID int64, _ func(string)) error {
			return nil
		}},
	}
	o, _, st := testOrchestrator(t, nil)
	steps[1].Run = func(ctx context.Context, shopID int64, _ func(string)) error {
		var p Progress
		if err := st.GetJSON(ctx, state.SyncProgressKey(shopID), &p); err != nil {
			return err
		}
		// The new step's record resets the detail field.
		detail = p.Detail
		return nil
	}
	o.chains[domain.MarketplaceWildberries] = steps

	var midDetail string
	steps[0].Run = func(ctx context.Context, shopID int64, report func(string)) error {
		report("Month 3 of 12")
		var p Progress
		if err := st.GetJSON(ctx, state.SyncProgressKey(shopID), &p); err != nil {
			return err
		}
		midDetail = p.Detail
		return nil
	}

	require.NoError(t, o.Run(context.Background(), 1, domain.MarketplaceWildberries))
	require.Equal(t, "Month 3 of 12", midDetail)
	require.Empty(t, detail)
}

func TestGetProgressMissing(t *testing.T) {
	o, _, _ := testOrchestrator(t, []Step{okStep("content")})
	p, err := o.GetProgress(context.Background(), 42)
	require.NoError(t, err)
	require.Nil(t, p)
}
