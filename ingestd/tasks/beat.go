package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sellerpulse/sellerpulse/ingestd/log"
)

// Entry is one periodic submission. Interval entries fire Every after
// the previous run; daily entries fire once a day at AtUTC past
// midnight UTC regardless of when the process started.
type Entry struct {
	Task  string
	Every time.Duration
	Daily bool
	AtUTC time.Duration
	Args  any
}

func (e Entry) nextRun(now time.Time) time.Time {
	if !e.Daily {
		return now.Add(e.Every)
	}
	at := now.UTC().Truncate(24*time.Hour).Add(e.AtUTC)
	if !at.After(now) {
		at = at.Add(24 * time.Hour)
	}
	return at
}

// Beat submits registered entries on their intervals. Tasks that
// fan out per shop handle their own dedup; the beat just fires.
type Beat struct {
	broker   *Broker
	registry *Registry
	entries  []Entry
	logger   *log.Logger
}

// NewBeat builds a beat schedule.
func NewBeat(broker *Broker, registry *Registry, entries []Entry, logger *log.Logger) *Beat {
	return &Beat{broker: broker, registry: registry, entries: entries, logger: logger.Named("beat")}
}

// Run blocks until ctx is canceled, firing each entry on its interval.
func (b *Beat) Run(ctx context.Context) error {
	// A single coarse ticker polls entry deadlines. Dispatch intervals
	// are minutes; sub-second drift is irrelevant here.
	next := make([]time.Time, len(b.entries))
	now := time.Now()
	for i, e := range b.entries {
		next[i] = e.nextRun(now)
	}
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick.C:
			for i, e := range b.entries {
				if now.Before(next[i]) {
					continue
				}
				next[i] = e.nextRun(now)
				if _, err := b.broker.Apply(ctx, b.registry, e.Task, e.Args); err != nil {
					b.logger.Warn("beat submission failed",
						zap.String("task", e.Task), zap.Error(err))
				}
			}
		}
	}
}
