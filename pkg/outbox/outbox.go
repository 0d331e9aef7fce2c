// Package outbox drives partially failed multi-step operations to
// completion. A failed step and everything after it is queued and retried by
// RunPending until it succeeds or runs out of retries.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bookmarket/pkg/apperr"
	"bookmarket/pkg/store"
)

// Step is one idempotent part of an operation.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Permanent reports whether err will not go away on retry.
func Permanent(err error) bool {
	switch apperr.Kind(err) {
	case "not_found", "invalid_transition", "already_processed", "insufficient_stock", "validation":
		return true
	}
	return false
}

// Outbox owns the retry queue of one process.
type Outbox struct {
	queue      *Queue
	maxRetries int
	baseDelay  time.Duration
	log        *slog.Logger
}

type Option func(*Outbox)

func WithMaxRetries(n int) Option {
	return func(o *Outbox) { o.maxRetries = n }
}

// WithBaseDelay sets the delay before the first retry; it doubles after
// every failed attempt.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Outbox) { o.baseDelay = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Outbox) { o.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.queue.now = now }
}

func New(opts ...Option) *Outbox {
	o := &Outbox{queue: NewQueue(), maxRetries: 5, baseDelay: time.Second, log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "outbox")
	return o
}

func (o *Outbox) Queue() *Queue { return o.queue }

// Defer queues fn for a retry after the base delay.
func (o *Outbox) Defer(name string, fn func(ctx context.Context) error, cause error) {
	task := &Task{
		ID:         store.NewPushID(),
		Name:       name,
		Run:        fn,
		RetryAt:    o.queue.now().Add(o.baseDelay),
		MaxRetries: o.maxRetries,
	}
	if cause != nil {
		task.LastError = cause.Error()
	}
	o.queue.Enqueue(task)
	o.log.Warn("task deferred", "task", name, "task_id", task.ID, "error", cause)
}

// RunSteps runs steps in order. When a step fails with a retryable error,
// the failed step and the ones after it are deferred and the returned error
// wraps apperr.ErrDeferred. Completed steps are never run again. A nil
// Outbox runs the steps without deferral.
func (o *Outbox) RunSteps(ctx context.Context, name string, steps []Step) error {
	for i, step := range steps {
		err := step.Run(ctx)
		if err == nil {
			continue
		}
		if o == nil || Permanent(err) {
			return fmt.Errorf("%s: %s: %w", name, step.Name, err)
		}
		o.Defer(name, resume(steps[i:]), err)
		return fmt.Errorf("%w: %s: %s: %w", apperr.ErrDeferred, name, step.Name, err)
	}
	return nil
}

// resume returns a task body that remembers how far it got between retries.
func resume(steps []Step) func(ctx context.Context) error {
	next := 0
	return func(ctx context.Context) error {
		for next < len(steps) {
			if err := steps[next].Run(ctx); err != nil {
				return fmt.Errorf("%s: %w", steps[next].Name, err)
			}
			next++
		}
		return nil
	}
}
