// Package drops handles books users offer to the store. An admin accepts a
// request, which adds the copies to the catalog and pays the user, or
// rejects it.
package drops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"bookmarket/pkg/apperr"
	"bookmarket/pkg/inventory"
	"bookmarket/pkg/keylock"
	"bookmarket/pkg/ledger"
	"bookmarket/pkg/models"
	"bookmarket/pkg/notify"
	"bookmarket/pkg/outbox"
	"bookmarket/pkg/store"

	"github.com/go-playground/validator/v10"
)

const (
	msgAccepted     = "Request accepted and the book was added to the store."
	msgAcceptFailed = "Failed to accept request"
	msgRejected     = "Request rejected"
	msgRejectFailed = "Failed to reject request"
	msgNotFound     = "Request not found."
	msgDecided      = "This request has already been processed."
	msgDeferred     = "Decision recorded. Remaining updates will complete shortly."
)

type Workflow struct {
	store     store.Store
	inventory *inventory.Adjuster
	notify    *notify.Emitter
	ledger    *ledger.Recorder
	outbox    *outbox.Outbox
	validate  *validator.Validate
	locks     *keylock.Map
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

func WithOutbox(ob *outbox.Outbox) Option {
	return func(w *Workflow) { w.outbox = ob }
}

func New(s store.Store, inv *inventory.Adjuster, emitter *notify.Emitter, rec *ledger.Recorder, v *validator.Validate, opts ...Option) *Workflow {
	w := &Workflow{
		store:     s,
		inventory: inv,
		notify:    emitter,
		ledger:    rec,
		validate:  v,
		locks:     keylock.New(),
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "drops")
	return w
}

// CreateDropRequest stores a new pending request. A missing price defaults
// to DropPriceRatio of the MRP per copy.
func (w *Workflow) CreateDropRequest(ctx context.Context, req models.DropRequest) (models.DropRequest, error) {
	if req.Price == 0 {
		req.Price = (req.MRPPrice * models.DropPriceRatio).Round()
	}
	if err := w.validate.Struct(req); err != nil {
		return models.DropRequest{}, fmt.Errorf("%w: %w", apperr.ErrValidation, err)
	}
	if req.Date == "" {
		req.Date = models.Stamp(w.now())
	}
	req.Status = models.DropPending

	id, err := w.store.Create(ctx, models.CollectionDropRequests, req)
	if err != nil {
		return models.DropRequest{}, fmt.Errorf("create drop request: %w", err)
	}
	req.ID = id
	w.log.Info("drop request created", "request_id", id, "book", req.Name, "quantity", req.Quantity)
	return req, nil
}

func (w *Workflow) Get(ctx context.Context, requestID string) (models.DropRequest, error) {
	req, err := store.GetAs[models.DropRequest](ctx, w.store, models.CollectionDropRequests, requestID)
	if err != nil {
		return models.DropRequest{}, fmt.Errorf("drop request %s: %w", requestID, err)
	}
	req.ID = requestID
	return req, nil
}

// List returns every drop request, newest first.
func (w *Workflow) List(ctx context.Context) ([]models.DropRequest, error) {
	return w.list(ctx, func(models.DropRequest) bool { return true })
}

func (w *Workflow) ForUser(ctx context.Context, userEmail string) ([]models.DropRequest, error) {
	return w.list(ctx, func(r models.DropRequest) bool { return r.UserEmail == userEmail })
}

func (w *Workflow) list(ctx context.Context, keep func(models.DropRequest) bool) ([]models.DropRequest, error) {
	all, bad, err := store.ListAs[models.DropRequest](ctx, w.store, models.CollectionDropRequests)
	if err != nil {
		return nil, fmt.Errorf("list drop requests: %w", err)
	}
	for _, err := range bad {
		w.log.Warn("skipping malformed drop request", "error", err)
	}
	out := make([]models.DropRequest, 0, len(all))
	for id, r := range all {
		if !keep(r) {
			continue
		}
		r.ID = id
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// pending loads a request that is still waiting for a decision.
func (w *Workflow) pending(ctx context.Context, requestID string) (models.DropRequest, error) {
	req, err := w.Get(ctx, requestID)
	if err != nil {
		return models.DropRequest{}, err
	}
	if req.Status != "" && req.Status != models.DropPending {
		return models.DropRequest{}, fmt.Errorf("%w: drop request %s is %s", apperr.ErrAlreadyProcessed, requestID, req.Status)
	}
	return req, nil
}

// setStatus moves a pending request to next. Finding it at next already is
// fine so a retried step succeeds; callers hold the decision claim.
func (w *Workflow) setStatus(ctx context.Context, requestID string, next models.DropStatus) error {
	return store.Mutate(ctx, w.store, models.CollectionDropRequests, requestID, func(current store.Doc) (store.Doc, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: drop request %s", apperr.ErrNotFound, requestID)
		}
		status, _ := current["status"].(string)
		switch models.DropStatus(status) {
		case next:
			return nil, nil
		case "", models.DropPending:
		default:
			return nil, fmt.Errorf("%w: drop request %s is %s", apperr.ErrAlreadyProcessed, requestID, status)
		}
		current["status"] = string(next)
		return current, nil
	})
}

// claim reserves the decision on a request. The first claim wins across
// every process sharing the store.
func (w *Workflow) claim(ctx context.Context, requestID string, outcome models.DropStatus) error {
	err := store.Claim(ctx, w.store, models.CollectionDecisions, models.DecisionKey(models.CollectionDropRequests, requestID), store.Doc{
		"owner":     store.NewPushID(),
		"outcome":   string(outcome),
		"decidedAt": models.Stamp(w.now()),
	})
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: drop request %s is being decided", apperr.ErrAlreadyProcessed, requestID)
	}
	if err != nil {
		return fmt.Errorf("claim decision for drop request %s: %w", requestID, err)
	}
	return nil
}

// release gives up the claim of a decision whose first step never
// completed.
func (w *Workflow) release(ctx context.Context, requestID string, started bool, err error) {
	if started || apperr.Kind(err) == "deferred" {
		return
	}
	if rerr := w.store.Delete(ctx, models.CollectionDecisions, models.DecisionKey(models.CollectionDropRequests, requestID)); rerr != nil {
		w.log.Warn("could not release decision claim", "request_id", requestID, "error", rerr)
	}
}

func (w *Workflow) fail(op, requestID, message string, err error) apperr.Result {
	kind := apperr.Kind(err)
	switch kind {
	case "deferred":
		w.log.Warn(op+" partially deferred", "request_id", requestID, "error", err)
		return apperr.Result{Success: true, Message: msgDeferred, Kind: kind}
	case "not_found":
		message = msgNotFound
	case "already_processed":
		message = msgDecided
	}
	w.log.Error(op+" failed", "request_id", requestID, "error", err, "kind", kind)
	return apperr.Fail(message, err)
}

// AcceptDropRequest adds the copies to the catalog, marks the request
// accepted, notifies the user and records the payout. Steps after a failure
// are retried by the outbox.
func (w *Workflow) AcceptDropRequest(ctx context.Context, requestID string, book models.DropBook, userEmail string) apperr.Result {
	defer w.locks.Lock(requestID)()

	req, err := w.pending(ctx, requestID)
	if err != nil {
		return w.fail("accept drop request", requestID, msgAcceptFailed, err)
	}
	if book.Name == "" {
		book.Name = req.Name
	}
	if book.Quantity == 0 {
		book.Quantity = req.Quantity
	}
	if book.Price == 0 {
		book.Price = req.Price
	}
	if book.MRPPrice == 0 {
		book.MRPPrice = req.MRPPrice
	}
	if book.ImageURL == "" {
		book.ImageURL = req.ImageURL
	}
	if userEmail == "" {
		userEmail = req.UserEmail
	}
	if book.Quantity < 1 {
		return w.fail("accept drop request", requestID, msgAcceptFailed,
			fmt.Errorf("%w: quantity %d", apperr.ErrValidation, book.Quantity))
	}

	payout := req
	payout.Name = book.Name
	payout.Quantity = book.Quantity
	payout.Price = book.Price
	payout.MRPPrice = book.MRPPrice
	payout.ImageURL = book.ImageURL
	payout.UserEmail = userEmail

	if err := w.claim(ctx, requestID, models.DropAccepted); err != nil {
		return w.fail("accept drop request", requestID, msgAcceptFailed, err)
	}
	started := false
	err = w.outbox.RunSteps(ctx, "accept_drop:"+requestID, []outbox.Step{
		{Name: "catalog", Run: func(ctx context.Context) error {
			_, _, err := w.inventory.MergeOrCreate(ctx, models.Book{
				Name:        book.Name,
				Description: book.Description,
				Price:       book.Price,
				Quantity:    book.Quantity,
				ImageURL:    book.ImageURL,
			})
			started = err == nil
			return err
		}},
		{Name: "status", Run: func(ctx context.Context) error {
			return w.setStatus(ctx, requestID, models.DropAccepted)
		}},
		{Name: "notify", Run: func(ctx context.Context) error {
			_, _, err := w.notify.Emit(ctx, notify.DropAccepted(requestID, userEmail, book.Name, book.ImageURL))
			return err
		}},
		{Name: "ledger", Run: func(ctx context.Context) error {
			_, _, err := w.ledger.RecordOnce(ctx, requestID, ledger.BookDrop(payout))
			return err
		}},
	})
	if err != nil {
		w.release(ctx, requestID, started, err)
		return w.fail("accept drop request", requestID, msgAcceptFailed, err)
	}
	w.log.Info("drop request accepted", "request_id", requestID, "book", book.Name, "quantity", book.Quantity)
	res := apperr.OK(msgAccepted)
	res.ID = requestID
	return res
}

// RejectDropRequest marks the request rejected and tells the user.
func (w *Workflow) RejectDropRequest(ctx context.Context, requestID, userEmail, bookName, imageURL string) apperr.Result {
	defer w.locks.Lock(requestID)()

	req, err := w.pending(ctx, requestID)
	if err != nil {
		return w.fail("reject drop request", requestID, msgRejectFailed, err)
	}
	if userEmail == "" {
		userEmail = req.UserEmail
	}
	if bookName == "" {
		bookName = req.Name
	}
	if imageURL == "" {
		imageURL = req.ImageURL
	}

	if err := w.claim(ctx, requestID, models.DropRejected); err != nil {
		return w.fail("reject drop request", requestID, msgRejectFailed, err)
	}
	started := false
	err = w.outbox.RunSteps(ctx, "reject_drop:"+requestID, []outbox.Step{
		{Name: "status", Run: func(ctx context.Context) error {
			err := w.setStatus(ctx, requestID, models.DropRejected)
			started = err == nil
			return err
		}},
		{Name: "notify", Run: func(ctx context.Context) error {
			_, _, err := w.notify.Emit(ctx, notify.DropRejected(requestID, userEmail, bookName, imageURL))
			return err
		}},
	})
	if err != nil {
		w.release(ctx, requestID, started, err)
		return w.fail("reject drop request", requestID, msgRejectFailed, err)
	}
	w.log.Info("drop request rejected", "request_id", requestID)
	res := apperr.OK(msgRejected)
	res.ID = requestID
	return res
}
