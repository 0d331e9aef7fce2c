package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

// Locker guards a run across processes. TryLock reports false when another
// holder owns key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

const lockKey = "bookmarket:lifecycle"

// Scheduler runs the engine once at start, then on every tick and on demand.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	kick     chan struct{}
	locker   Locker
	log      *slog.Logger
}

type SchedulerOption func(*Scheduler)

func WithLocker(l Locker) SchedulerOption {
	return func(s *Scheduler) { s.locker = l }
}

func WithSchedulerLogger(log *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = log }
}

func NewScheduler(engine *Engine, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		interval: interval,
		kick:     make(chan struct{}, 1),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "scheduler")
	return s
}

// Kick asks for a run as soon as possible. Kicks that arrive while one is
// already waiting are merged.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.kick:
			s.tick(ctx)
		}
	}
}

// RunOnce evaluates all rentals if no other process holds the run lock.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, lockKey, s.interval)
		if err != nil {
			return Summary{}, err
		}
		if !ok {
			s.log.Info("another instance is evaluating, skipping")
			return Summary{Skipped: true}, nil
		}
		defer unlock()
	}
	return s.engine.EvaluateAll(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Error("evaluation failed", "error", err)
	}
}
