// Package lifecycle moves rentals along their return states as the calendar
// advances and tells users about it.
//
// The rental status change is the authoritative fact; the notification that
// follows is its echo. Every run re-derives what to do from the stored
// rentals and notifications, so running it again after a partial failure
// never repeats a transition or a notification.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"bookmarket/pkg/apperr"
	"bookmarket/pkg/models"
	"bookmarket/pkg/notify"
	"bookmarket/pkg/outbox"
	"bookmarket/pkg/rentals"
	"bookmarket/pkg/store"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Summary describes one evaluation run.
type Summary struct {
	Skipped        bool `json:"skipped"`
	Evaluated      int  `json:"evaluated"`
	EndingTomorrow int  `json:"endingTomorrow"`
	WindowsOpened  int  `json:"windowsOpened"`
	Expired        int  `json:"expired"`
	Deferred       int  `json:"deferred"`
	Failed         int  `json:"failed"`
}

type Engine struct {
	rentals *rentals.Repository
	notify  *notify.Emitter
	store   store.Store
	outbox  *outbox.Outbox
	running *semaphore.Weighted
	log     *slog.Logger
	now     func() time.Time
	loc     *time.Location
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the time zone whose midnight starts a calendar day.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithOutbox hands notifications that failed after their transition to ob.
func WithOutbox(ob *outbox.Outbox) Option {
	return func(e *Engine) { e.outbox = ob }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func New(s store.Store, repo *rentals.Repository, emitter *notify.Emitter, opts ...Option) *Engine {
	e := &Engine{
		rentals: repo,
		notify:  emitter,
		store:   s,
		running: semaphore.NewWeighted(1),
		log:     slog.Default(),
		now:     time.Now,
		loc:     time.Local,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "lifecycle")
	return e
}

// DiffDays counts calendar days from today to end, both taken at midnight in
// loc. The result is rounded up.
func DiffDays(today, end time.Time, loc *time.Location) int {
	ty, tm, td := today.In(loc).Date()
	ey, em, ed := end.Date()
	from := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	to := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	return int(math.Ceil(to.Sub(from).Hours() / 24))
}

type noticeKey struct {
	rentalID string
	typ      models.NotificationType
}

// EvaluateAll applies the calendar transitions to every rental. A call made
// while another one is running returns at once with Summary.Skipped set.
// Failures on single rentals are logged and counted; the returned error is
// only set when the rentals or notifications could not be read.
func (e *Engine) EvaluateAll(ctx context.Context) (Summary, error) {
	if !e.running.TryAcquire(1) {
		e.log.Info("evaluation already running, skipping")
		return Summary{Skipped: true}, nil
	}
	defer e.running.Release(1)

	var (
		all     []models.Rental
		notices map[string]models.Notification
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		all, err = e.rentals.List(gctx)
		return err
	})
	g.Go(func() error {
		var (
			bad []error
			err error
		)
		notices, bad, err = store.ListAs[models.Notification](gctx, e.store, models.CollectionNotifications)
		for _, b := range bad {
			e.log.Warn("skipping malformed notification", "error", b)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return Summary{}, fmt.Errorf("load rentals and notifications: %w", err)
	}

	existing := make(map[noticeKey]bool, len(notices))
	for _, n := range notices {
		if n.RentalID != "" {
			existing[noticeKey{n.RentalID, n.Type}] = true
		}
	}

	now := e.now()
	var summary Summary
	for _, rental := range all {
		status := rental.CurrentReturnStatus()
		if status.Terminal() || status.AwaitingDecision() {
			continue
		}
		summary.Evaluated++
		if err := e.evaluate(ctx, now, rental, existing, &summary); err != nil {
			summary.Failed++
			e.log.Error("rental evaluation failed", "rental_id", rental.ID, "error", err, "kind", apperr.Kind(err))
		}
	}

	e.log.Info("evaluation finished",
		"evaluated", summary.Evaluated,
		"ending_tomorrow", summary.EndingTomorrow,
		"windows_opened", summary.WindowsOpened,
		"expired", summary.Expired,
		"deferred", summary.Deferred,
		"failed", summary.Failed)
	return summary, nil
}

func (e *Engine) evaluate(ctx context.Context, now time.Time, rental models.Rental, existing map[noticeKey]bool, summary *Summary) error {
	end, err := time.Parse(models.DateLayout, rental.EndDate)
	if err != nil {
		return fmt.Errorf("%w: end date %q", apperr.ErrValidation, rental.EndDate)
	}
	diff := DiffDays(now, end, e.loc)
	status := rental.CurrentReturnStatus()
	has := func(t models.NotificationType) bool { return existing[noticeKey{rental.ID, t}] }

	defer e.rentals.Lock(rental.ID)()

	switch {
	case diff == 1 && status == models.ReturnNotReturned && !has(models.NotifyRentalEndingTomorrow):
		_, created, err := e.notify.Emit(ctx, notify.EndingTomorrow(rental.ID, rental))
		if err != nil {
			return err
		}
		if created {
			summary.EndingTomorrow++
		}

	case diff == 0 && status == models.ReturnNotReturned && !has(models.NotifyReturnWindow):
		updated, err := e.rentals.Transition(ctx, rental.ID, models.ReturnWindowOpen, map[string]any{
			"returnWindowOpenedDate": models.Stamp(now),
		})
		if err != nil {
			return err
		}
		summary.WindowsOpened++
		e.echo(ctx, "return_window", summary, func(ctx context.Context) error {
			_, _, err := e.notify.Emit(ctx, notify.ReturnWindow(rental.ID, updated))
			return err
		})

	case diff <= -notify.ReturnWindowDays &&
		(status == models.ReturnNotReturned || status == models.ReturnWindowOpen) &&
		!has(models.NotifyReturnWindowExpired):
		updated, err := e.rentals.Transition(ctx, rental.ID, models.ReturnExpiredNoRefund, map[string]any{
			"expiredDate": models.Stamp(now),
		})
		if err != nil {
			return err
		}
		summary.Expired++
		e.echo(ctx, "return_window_expired", summary, func(ctx context.Context) error {
			_, _, err := e.notify.Supersede(ctx, models.NotifyReturnWindow, notify.ReturnWindowExpired(rental.ID, updated))
			return err
		})

	case status == models.ReturnWindowOpen && diff <= 0 && diff > -notify.ReturnWindowDays && !has(models.NotifyReturnWindow):
		// The window opened in an earlier run whose notification never made it.
		_, _, err := e.notify.Emit(ctx, notify.ReturnWindow(rental.ID, rental))
		return err
	}
	return nil
}

// echo sends the notification that follows a transition. The transition
// already happened, so a failure is handed to the outbox instead of failing
// the rental.
func (e *Engine) echo(ctx context.Context, name string, summary *Summary, send func(ctx context.Context) error) {
	err := send(ctx)
	if err == nil {
		return
	}
	if e.outbox == nil {
		e.log.Error("notification lost after transition", "notification", name, "error", err)
		return
	}
	summary.Deferred++
	e.outbox.Defer("lifecycle:"+name, send, err)
}
