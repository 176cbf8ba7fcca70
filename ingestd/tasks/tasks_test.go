package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/sellerpulse/sellerpulse/ingestd/log"
)

func testBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewBroker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func testRegistry(names ...string) *Registry {
	reg := NewRegistry()
	for _, name := range names {
		reg.Register(name, QueueFast, func(context.Context, *Task) error { return nil })
	}
	return reg
}

func TestRegistryDuplicatePanics(t *testing.T) {
	reg := testRegistry("a")
	require.Panics(t, func() {
		reg.Register("a", QueueSync, func(context.Context, *Task) error { return nil })
	})
}

func TestApplyPopRoundTrip(t *testing.T) {
	broker := testBroker(t)
	reg := testRegistry("sync_prices")
	ctx := context.Background()

	type args struct {
		ShopID int64 `json:"shop_id"`
	}
	submitted, err := broker.Apply(ctx, reg, "sync_prices", args{ShopID: 7})
	require.NoError(t, err)
	require.NotEmpty(t, submitted.ID)
	require.Equal(t, QueueFast, submitted.Queue)

	depth, err := broker.Depth(ctx, QueueFast)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	task, err := broker.Pop(ctx, QueueFast, time.Second)
	require.NoError(t, err)
	require.Equal(t, submitted.ID, task.ID)
	require.Equal(t, "sync_prices", task.Name)

	var got args
	require.NoError(t, json.Unmarshal(task.Args, &got))
	require.Equal(t, int64(7), got.ShopID)
}

func TestApplyUnknownTask(t *testing.T) {
	broker := testBroker(t)
	_, err := broker.Apply(context.Background(), testRegistry(), "nope", nil)
	require.Error(t, err)
}

func TestPopTimeout(t *testing.T) {
	broker := testBroker(t)
	task, err := broker.Pop(context.Background(), QueueFast, 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestDelayedPromotion(t *testing.T) {
	broker := testBroker(t)
	reg := testRegistry("sync_prices")
	ctx := context.Background()

	eta := time.Now().Add(time.Minute)
	_, err := broker.Delay(ctx, reg, "sync_prices", nil, eta)
	require.NoError(t, err)

	// Not due yet: nothing moves.
	n, err := broker.MoveDue(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
	depth, err := broker.Depth(ctx, QueueFast)
	require.NoError(t, err)
	require.Zero(t, depth)

	n, err = broker.MoveDue(ctx, eta.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	task, err := broker.Pop(ctx, QueueFast, time.Second)
	require.NoError(t, err)
	require.Equal(t, "sync_prices", task.Name)

	// The promoted entry left the delayed set.
	n, err = broker.MoveDue(ctx, eta.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRunnerExecutesTask(t *testing.T) {
	broker := testBroker(t)
	reg := NewRegistry()
	done := make(chan string, 1)
	reg.Register("work", QueueFast, func(_ context.Context, task *Task) error {
		done <- task.Name
		return nil
	})

	limits := map[string]Limits{
		QueueFast: {Concurrency: 1, SoftLimit: time.Second, HardLimit: 2 * time.Second},
	}
	runner := NewRunner(broker, reg, limits, log.New(zapcore.ErrorLevel))

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() { finished <- runner.Run(ctx) }()

	_, err := broker.Apply(ctx, reg, "work", nil)
	require.NoError(t, err)

	select {
	case name := <-done:
		require.Equal(t, "work", name)
	case <-time.After(5 * time.Second):
		t.Fatal("task was not executed")
	}

	cancel()
	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerSurvivesPanicsAndErrors(t *testing.T) {
	broker := testBroker(t)
	reg := NewRegistry()
	ran := make(chan string, 3)
	reg.Register("panics", QueueFast, func(context.Context, *Task) error {
		ran <- "panics"
		panic("boom")
	})
	reg.Register("fails", QueueFast, func(context.Context, *Task) error {
		ran <- "fails"
		return errors.New("nope")
	})
	reg.Register("ok", QueueFast, func(context.Context, *Task) error {
		ran <- "ok"
		return nil
	})

	limits := map[string]Limits{
		QueueFast: {Concurrency: 1, SoftLimit: time.Second, HardLimit: 2 * time.Second},
	}
	runner := NewRunner(broker, reg, limits, log.New(zapcore.ErrorLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	for _, name := range []string{"panics", "fails", "ok"} {
		_, err := broker.Apply(ctx, reg, name, nil)
		require.NoError(t, err)
	}

	var seen []string
	for i := 0; i < 3; i++ {
		select {
		case name := <-ran:
			seen = append(seen, name)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 3 tasks ran: %v", len(seen), seen)
		}
	}
	require.Equal(t, []string{"panics", "fails", "ok"}, seen)
}

func TestRunnerHardLimitCancelsContext(t *testing.T) {
	broker := testBroker(t)
	reg := NewRegistry()
	timedOut := make(chan bool, 1)
	reg.Register("slow", QueueFast, func(ctx context.Context, _ *Task) error {
		select {
		case <-ctx.Done():
			timedOut <- true
			return ctx.Err()
		case <-time.After(10 * time.Second):
			timedOut <- false
			return nil
		}
	})

	limits := map[string]Limits{
		QueueFast: {Concurrency: 1, SoftLimit: 50 * time.Millisecond, HardLimit: 200 * time.Millisecond},
	}
	runner := NewRunner(broker, reg, limits, log.New(zapcore.ErrorLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Run(ctx)

	_, err := broker.Apply(ctx, reg, "slow", nil)
	require.NoError(t, err)

	select {
	case hit := <-timedOut:
		require.True(t, hit, "handler should have been canceled at the hard limit")
	case <-time.After(5 * time.Second):
		t.Fatal("handler never observed cancellation")
	}
}

func TestEntryNextRun(t *testing.T) {
	interval := Entry{Task: "dispatch_prices", Every: 15 * time.Minute}
	daily := Entry{Task: "dispatch_daily", Daily: true, AtUTC: 3 * time.Hour}

	now := time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)
	require.Equal(t, now.Add(15*time.Minute), interval.nextRun(now))

	// Past today's anchor: the daily entry waits for tomorrow's, not
	// 24h from now.
	require.Equal(t, time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC), daily.nextRun(now))

	before := time.Date(2026, 8, 24, 1, 15, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC), daily.nextRun(before))

	// Exactly at the anchor counts as spent.
	at := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC), daily.nextRun(at))
}

func TestBeatFiresEntries(t *testing.T) {
	broker := testBroker(t)
	reg := testRegistry("dispatch_campaigns")
	beat := NewBeat(broker, reg, []Entry{
		{Task: "dispatch_campaigns", Every: time.Second},
	}, log.New(zapcore.ErrorLevel))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = beat.Run(ctx)

	depth, err := broker.Depth(context.Background(), QueueFast)
	require.NoError(t, err)
	require.GreaterOrEqual(t, depth, int64(1))
}
