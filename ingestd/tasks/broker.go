package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sellerpulse/sellerpulse/ingestd/observability"
)

const (
	queueKeyPrefix = "tasks:queue:"
	delayedKey     = "tasks:delayed"
)

// moveDueScript atomically promotes delayed tasks whose ETA has
// passed into their target queue.
var moveDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, raw in ipairs(due) do
	local task = cjson.decode(raw)
	redis.call('LPUSH', ARGV[2] .. task.queue, raw)
	redis.call('ZREM', KEYS[1], raw)
end
return #due
`)

// Broker submits and consumes tasks over Redis lists. One list per
// queue, plus a sorted set for delayed submissions keyed by ETA.
type Broker struct {
	rdb *redis.Client
}

// NewBroker wraps a Redis client.
func NewBroker(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

func queueKey(queue string) string { return queueKeyPrefix + queue }

// Apply enqueues a task for immediate execution.
func (b *Broker) Apply(ctx context.Context, reg *Registry, name string, args any) (*Task, error) {
	queue, ok := reg.QueueFor(name)
	if !ok {
		return nil, fmt.Errorf("tasks: unknown task %q", name)
	}
	task, err := newTask(name, queue, args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	if err := b.rdb.LPush(ctx, queueKey(queue), raw).Err(); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", name, err)
	}
	return task, nil
}

// Delay enqueues a task to run no sooner than eta.
func (b *Broker) Delay(ctx context.Context, reg *Registry, name string, args any, eta time.Time) (*Task, error) {
	queue, ok := reg.QueueFor(name)
	if !ok {
		return nil, fmt.Errorf("tasks: unknown task %q", name)
	}
	task, err := newTask(name, queue, args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	err = b.rdb.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(eta.UnixMilli()),
		Member: raw,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("delay %s: %w", name, err)
	}
	return task, nil
}

// MoveDue promotes delayed tasks whose ETA has passed. Called
// periodically by the runner; safe to run from several processes.
func (b *Broker) MoveDue(ctx context.Context, now time.Time) (int, error) {
	n, err := moveDueScript.Run(ctx, b.rdb,
		[]string{delayedKey},
		now.UnixMilli(), queueKeyPrefix).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return n, nil
}

// Pop blocks up to timeout waiting for the next task on queue.
// Returns nil when the wait times out.
func (b *Broker) Pop(ctx context.Context, queue string, timeout time.Duration) (*Task, error) {
	res, err := b.rdb.BRPop(ctx, timeout, queueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("decode task from %s: %w", queue, err)
	}
	return &task, nil
}

// Depth reports the queue length for metrics and the sync-status API.
func (b *Broker) Depth(ctx context.Context, queue string) (int64, error) {
	return b.rdb.LLen(ctx, queueKey(queue)).Result()
}

// ObserveDepths samples all queue depths into the gauge.
func (b *Broker) ObserveDepths(ctx context.Context) {
	for _, queue := range []string{QueueFast, QueueSync, QueueBackfill} {
		if depth, err := b.Depth(ctx, queue); err == nil {
			observability.QueueDepth.WithLabelValues(queue).Set(float64(depth))
		}
	}
}
