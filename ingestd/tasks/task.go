// Package tasks is the asynchronous execution runtime: named queues
// backed by Redis lists, a handler registry, worker pools with
// per-queue concurrency and time limits, and a beat scheduler for
// periodic work.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue names. Routing is fixed per task at registration time.
const (
	QueueFast     = "fast"
	QueueSync     = "sync"
	QueueBackfill = "backfill"
)

// Limits holds per-queue concurrency and execution time limits. The
// soft limit logs a slow-task warning; the hard limit cancels the
// task's context.
type Limits struct {
	Concurrency int
	SoftLimit   time.Duration
	HardLimit   time.Duration
}

// DefaultLimits matches the production queue topology.
func DefaultLimits() map[string]Limits {
	return map[string]Limits{
		QueueFast:     {Concurrency: 4, SoftLimit: 30 * time.Second, HardLimit: 60 * time.Second},
		QueueSync:     {Concurrency: 8, SoftLimit: 600 * time.Second, HardLimit: 1800 * time.Second},
		QueueBackfill: {Concurrency: 2, SoftLimit: 2 * time.Hour, HardLimit: 4 * time.Hour},
	}
}

// Task is one unit of queued work. Args carry the handler payload as
// JSON so the envelope survives the round trip through Redis.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Queue      string          `json:"queue"`
	Args       json.RawMessage `json:"args,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler executes one task. The context carries the queue's hard
// limit as a deadline.
type Handler func(ctx context.Context, task *Task) error

// Registry maps task names to handlers and queues.
type Registry struct {
	handlers map[string]Handler
	queues   map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: map[string]Handler{},
		queues:   map[string]string{},
	}
}

// Register binds a task name to a handler and a queue. Double
// registration is a programming error.
func (r *Registry) Register(name, queue string, h Handler) {
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("tasks: duplicate handler %q", name))
	}
	r.handlers[name] = h
	r.queues[name] = queue
}

// Lookup returns the handler for a task name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// QueueFor returns the queue a task name routes to.
func (r *Registry) QueueFor(name string) (string, bool) {
	q, ok := r.queues[name]
	return q, ok
}

// newTask builds the wire envelope for a submission.
func newTask(name, queue string, args any) (*Task, error) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal args for %s: %w", name, err)
		}
		raw = b
	}
	return &Task{
		ID:         uuid.NewString(),
		Name:       name,
		Queue:      queue,
		Args:       raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}
