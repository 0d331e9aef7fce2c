// Package returns handles a user's request to return a rented book and the
// admin's decision on it.
package returns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bookmarket/pkg/apperr"
	"bookmarket/pkg/inventory"
	"bookmarket/pkg/ledger"
	"bookmarket/pkg/models"
	"bookmarket/pkg/notify"
	"bookmarket/pkg/outbox"
	"bookmarket/pkg/rentals"
)

const (
	msgRequested      = "Return request submitted successfully! Waiting for admin approval."
	msgRequestFailed  = "Failed to submit return request. Please try again."
	msgAccepted       = "Return accepted and security deposit will be refunded!"
	msgAcceptFailed   = "Failed to accept return"
	msgRejected       = "Return rejected"
	msgRejectFailed   = "Failed to reject return"
	msgNotFound       = "Rental not found."
	msgDecided        = "This return has already been processed."
	msgNotRequested   = "No return was requested for this rental."
	msgAlreadyPending = "A return request for this rental is already waiting for admin approval."
	msgDeferred       = "Return recorded. Remaining updates will complete shortly."
)

type Workflow struct {
	rentals   *rentals.Repository
	notify    *notify.Emitter
	inventory *inventory.Adjuster
	ledger    *ledger.Recorder
	outbox    *outbox.Outbox
	log       *slog.Logger
	now       func() time.Time
}

type Option func(*Workflow)

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(w *Workflow) { w.log = log }
}

// WithOutbox defers the rest of a decision when one of its steps fails.
func WithOutbox(ob *outbox.Outbox) Option {
	return func(w *Workflow) { w.outbox = ob }
}

func New(repo *rentals.Repository, emitter *notify.Emitter, inv *inventory.Adjuster, rec *ledger.Recorder, opts ...Option) *Workflow {
	w := &Workflow{
		rentals:   repo,
		notify:    emitter,
		inventory: inv,
		ledger:    rec,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "returns")
	return w
}

func (w *Workflow) fail(op, rentalID, message string, err error) apperr.Result {
	kind := apperr.Kind(err)
	if kind == "deferred" {
		w.log.Warn(op+" partially deferred", "rental_id", rentalID, "error", err)
		return apperr.Result{Success: true, Message: msgDeferred, Kind: kind}
	}
	switch kind {
	case "not_found":
		message = msgNotFound
	case "already_processed":
		message = msgDecided
	case "invalid_transition":
		if op != "request return" {
			message = msgNotRequested
		}
	}
	w.log.Error(op+" failed", "rental_id", rentalID, "error", err, "kind", kind)
	return apperr.Fail(message, err)
}

// RequestReturn moves the rental to return_requested and opens an admin
// ticket. A rental that already has a request outstanding is refused.
func (w *Workflow) RequestReturn(ctx context.Context, rentalID, userEmail string) apperr.Result {
	defer w.rentals.Lock(rentalID)()

	rental, err := w.rentals.Get(ctx, rentalID)
	if err != nil {
		return w.fail("request return", rentalID, msgRequestFailed, err)
	}
	if rental.UserEmail != userEmail {
		return w.fail("request return", rentalID, msgRequestFailed,
			fmt.Errorf("%w: rental %s of another user", apperr.ErrNotFound, rentalID))
	}
	if rental.CurrentReturnStatus().AwaitingDecision() {
		return apperr.Fail(msgAlreadyPending, fmt.Errorf("%w: rental %s", apperr.ErrInvalidTransition, rentalID))
	}

	var ticketID string
	err = w.outbox.RunSteps(ctx, "request_return:"+rentalID, []outbox.Step{
		{Name: "status", Run: func(ctx context.Context) error {
			updated, err := w.rentals.Transition(ctx, rentalID, models.ReturnRequested, map[string]any{
				"returnRequestDate": models.Stamp(w.now()),
			})
			if err == nil {
				rental = updated
			}
			return err
		}},
		{Name: "ticket", Run: func(ctx context.Context) error {
			id, err := w.notify.EmitAdmin(ctx, notify.ReturnRequest(rentalID, rental, userEmail))
			ticketID = id
			return err
		}},
	})
	if err != nil {
		return w.fail("request return", rentalID, msgRequestFailed, err)
	}
	w.log.Info("return requested", "rental_id", rentalID, "ticket_id", ticketID)
	result := apperr.OK(msgRequested)
	result.ID = ticketID
	return result
}

// decidable loads the rental and ticket of a decision and checks neither
// was decided before.
func (w *Workflow) decidable(ctx context.Context, rentalID, ticketID string) (models.Rental, error) {
	rental, err := w.rentals.Get(ctx, rentalID)
	if err != nil {
		return models.Rental{}, err
	}
	if ticketID != "" {
		ticket, err := w.notify.Ticket(ctx, ticketID)
		if err != nil {
			return models.Rental{}, fmt.Errorf("ticket %s: %w", ticketID, err)
		}
		if ticket.Status != "" && ticket.Status != models.TicketPending {
			return models.Rental{}, fmt.Errorf("%w: ticket %s is %s", apperr.ErrAlreadyProcessed, ticketID, ticket.Status)
		}
	}
	status := rental.CurrentReturnStatus()
	if status.Terminal() {
		return models.Rental{}, fmt.Errorf("%w: rental %s is %s", apperr.ErrAlreadyProcessed, rentalID, status)
	}
	if !status.AwaitingDecision() {
		return models.Rental{}, fmt.Errorf("%w: rental %s is %s", apperr.ErrInvalidTransition, rentalID, status)
	}
	return rental, nil
}

// resolve closes the ticket. Finding it already closed with the same
// decision counts as done, so a retried step does not fail. Only the holder
// of the decision claim gets here.
func (w *Workflow) resolve(ctx context.Context, ticketID string, status models.TicketStatus, fields map[string]any) error {
	if ticketID == "" {
		return nil
	}
	err := w.notify.Resolve(ctx, ticketID, status, fields)
	if errors.Is(err, apperr.ErrAlreadyProcessed) {
		if ticket, terr := w.notify.Ticket(ctx, ticketID); terr == nil && ticket.Status == status {
			return nil
		}
	}
	return err
}

// release gives up the decision claim when the decision failed before its
// first step changed anything, so the return can be decided again.
func (w *Workflow) release(ctx context.Context, rentalID string, started bool, err error) {
	if started || apperr.Kind(err) == "deferred" {
		return
	}
	if rerr := w.rentals.ReleaseDecision(ctx, rentalID); rerr != nil {
		w.log.Warn("could not release decision claim", "rental_id", rentalID, "error", rerr)
	}
}

// AcceptReturn puts the books back in stock, completes the rental, tells the
// user about the refund, closes the ticket and records the refund. Once the
// rental is accepted, a failing step and the ones after it are retried by
// the outbox.
func (w *Workflow) AcceptReturn(ctx context.Context, rentalID, ticketID string) apperr.Result {
	defer w.rentals.Lock(rentalID)()

	rental, err := w.decidable(ctx, rentalID, ticketID)
	if err != nil {
		return w.fail("accept return", rentalID, msgAcceptFailed, err)
	}
	if err := w.rentals.ClaimDecision(ctx, rentalID, models.ReturnReturned); err != nil {
		return w.fail("accept return", rentalID, msgAcceptFailed, err)
	}

	stamp := models.Stamp(w.now())
	started := false
	err = w.outbox.RunSteps(ctx, "accept_return:"+rentalID, []outbox.Step{
		{Name: "inventory", Run: func(ctx context.Context) error {
			_, found, err := w.inventory.Adjust(ctx, rental.BookName, rental.Quantity)
			if err == nil && !found {
				w.log.Warn("returned book is not in the catalog", "rental_id", rentalID, "book", rental.BookName)
			}
			started = err == nil
			return err
		}},
		// The claim is ours, so a rental already returned was returned by an
		// earlier run of this step.
		{Name: "status", Run: func(ctx context.Context) error {
			_, err := w.rentals.Transition(ctx, rentalID, models.ReturnReturned, map[string]any{
				"returnAcceptedDate": stamp,
				"status":             models.RentalCompleted,
			})
			if errors.Is(err, apperr.ErrInvalidTransition) {
				if current, gerr := w.rentals.Get(ctx, rentalID); gerr == nil && current.ReturnStatus == models.ReturnReturned {
					return nil
				}
			}
			return err
		}},
		{Name: "notify", Run: func(ctx context.Context) error {
			_, _, err := w.notify.Emit(ctx, notify.SecurityRefund(rentalID, rental))
			return err
		}},
		{Name: "ticket", Run: func(ctx context.Context) error {
			return w.resolve(ctx, ticketID, models.TicketAccepted, map[string]any{"acceptedDate": stamp})
		}},
		{Name: "ledger", Run: func(ctx context.Context) error {
			_, _, err := w.ledger.RecordOnce(ctx, rentalID, ledger.SecurityRefund(rental))
			return err
		}},
	})
	if err != nil {
		w.release(ctx, rentalID, started, err)
		return w.fail("accept return", rentalID, msgAcceptFailed, err)
	}
	w.log.Info("return accepted", "rental_id", rentalID, "ticket_id", ticketID, "deposit", rental.SecurityDeposit)
	return apperr.OK(msgAccepted)
}

// RejectReturn ends the rental without a refund and tells the user why.
func (w *Workflow) RejectReturn(ctx context.Context, rentalID, ticketID, reason string) apperr.Result {
	defer w.rentals.Lock(rentalID)()

	rental, err := w.decidable(ctx, rentalID, ticketID)
	if err != nil {
		return w.fail("reject return", rentalID, msgRejectFailed, err)
	}
	if err := w.rentals.ClaimDecision(ctx, rentalID, models.ReturnRejected); err != nil {
		return w.fail("reject return", rentalID, msgRejectFailed, err)
	}

	stamp := models.Stamp(w.now())
	started := false
	err = w.outbox.RunSteps(ctx, "reject_return:"+rentalID, []outbox.Step{
		{Name: "status", Run: func(ctx context.Context) error {
			_, err := w.rentals.Transition(ctx, rentalID, models.ReturnRejected, map[string]any{
				"returnRejectedDate": stamp,
				"rejectionReason":    reason,
			})
			started = err == nil
			return err
		}},
		{Name: "notify", Run: func(ctx context.Context) error {
			_, _, err := w.notify.Emit(ctx, notify.ReturnRejected(rentalID, rental, reason))
			return err
		}},
		{Name: "ticket", Run: func(ctx context.Context) error {
			return w.resolve(ctx, ticketID, models.TicketRejected, map[string]any{
				"processedAt":     stamp,
				"rejectionReason": reason,
				"read":            true,
			})
		}},
	})
	if err != nil {
		w.release(ctx, rentalID, started, err)
		return w.fail("reject return", rentalID, msgRejectFailed, err)
	}
	w.log.Info("return rejected", "rental_id", rentalID, "ticket_id", ticketID)
	return apperr.OK(msgRejected)
}

// Pending lists return tickets still waiting for a decision, newest first.
func (w *Workflow) Pending(ctx context.Context) ([]models.AdminNotification, error) {
	tickets, err := w.notify.Tickets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.AdminNotification, 0, len(tickets))
	for _, t := range tickets {
		if t.Type == models.TicketReturnRequest && (t.Status == "" || t.Status == models.TicketPending) {
			out = append(out, t)
		}
	}
	return out, nil
}
