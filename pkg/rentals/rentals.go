// Package rentals gives access to rental records and owns the only write
// path for returnStatus: Transition refuses any move that the return
// partial order does not allow.
package rentals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"bookmarket/pkg/apperr"
	"bookmarket/pkg/keylock"
	"bookmarket/pkg/models"
	"bookmarket/pkg/store"
)

type Repository struct {
	store store.Store
	locks *keylock.Map
	log   *slog.Logger
	now   func() time.Time
}

type Option func(*Repository)

func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Repository) { r.log = log }
}

// WithLocks shares the per-rental lock map with the return workflow.
func WithLocks(locks *keylock.Map) Option {
	return func(r *Repository) { r.locks = locks }
}

func NewRepository(s store.Store, opts ...Option) *Repository {
	r := &Repository{store: s, locks: keylock.New(), log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "rentals")
	return r
}

// Lock serializes work on one rental inside this process.
func (r *Repository) Lock(id string) func() {
	return r.locks.Lock(models.CollectionRentals + "/" + id)
}

func (r *Repository) Get(ctx context.Context, id string) (models.Rental, error) {
	rental, err := store.GetAs[models.Rental](ctx, r.store, models.CollectionRentals, id)
	if err != nil {
		return models.Rental{}, fmt.Errorf("rental %s: %w", id, err)
	}
	rental.ID = id
	return rental, nil
}

// List returns every rental ordered by id. Records that cannot be decoded
// are logged and left out.
func (r *Repository) List(ctx context.Context) ([]models.Rental, error) {
	all, bad, err := store.ListAs[models.Rental](ctx, r.store, models.CollectionRentals)
	if err != nil {
		return nil, fmt.Errorf("list rentals: %w", err)
	}
	for _, err := range bad {
		r.log.Warn("skipping malformed rental", "error", err)
	}
	out := make([]models.Rental, 0, len(all))
	for id, rental := range all {
		rental.ID = id
		out = append(out, rental)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ForUser returns a user's rentals, most recent first.
func (r *Repository) ForUser(ctx context.Context, userEmail string) ([]models.Rental, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Rental, 0)
	for _, rental := range all {
		if rental.UserEmail == userEmail {
			out = append(out, rental)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RentalDate > out[j].RentalDate })
	return out, nil
}

// Create stores a new active rental that has not been returned.
func (r *Repository) Create(ctx context.Context, rental models.Rental) (models.Rental, error) {
	now := r.now()
	rental.Status = models.RentalActive
	rental.ReturnStatus = models.ReturnNotReturned
	rental.RentalDate = models.Stamp(now)
	rental.Timestamp = now.UnixMilli()

	id, err := r.store.Create(ctx, models.CollectionRentals, rental)
	if err != nil {
		return models.Rental{}, fmt.Errorf("create rental: %w", err)
	}
	rental.ID = id
	return rental, nil
}

// ClaimDecision reserves the right to decide the pending return of rental
// id. The first claim wins across every process sharing the store; later
// ones fail with apperr.ErrAlreadyProcessed.
func (r *Repository) ClaimDecision(ctx context.Context, id string, outcome models.ReturnStatus) error {
	err := store.Claim(ctx, r.store, models.CollectionDecisions, models.DecisionKey(models.CollectionRentals, id), store.Doc{
		"owner":     store.NewPushID(),
		"outcome":   string(outcome),
		"decidedAt": models.Stamp(r.now()),
	})
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: return of rental %s is being decided", apperr.ErrAlreadyProcessed, id)
	}
	if err != nil {
		return fmt.Errorf("claim decision for rental %s: %w", id, err)
	}
	return nil
}

// ReleaseDecision drops the claim of a decision that changed nothing.
func (r *Repository) ReleaseDecision(ctx context.Context, id string) error {
	return r.store.Delete(ctx, models.CollectionDecisions, models.DecisionKey(models.CollectionRentals, id))
}

// Transition moves a rental to next and merges fields into the record in
// one compare-and-swap write. A move the return order does not allow fails
// with apperr.ErrInvalidTransition and writes nothing.
func (r *Repository) Transition(ctx context.Context, id string, next models.ReturnStatus, fields map[string]any) (models.Rental, error) {
	var updated models.Rental
	err := store.Mutate(ctx, r.store, models.CollectionRentals, id, func(current store.Doc) (store.Doc, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: rental %s", apperr.ErrNotFound, id)
		}
		var rental models.Rental
		if err := store.DecodeDoc(current, &rental); err != nil {
			return nil, fmt.Errorf("decode rental %s: %w", id, err)
		}
		from := rental.CurrentReturnStatus()
		if !from.CanTransitionTo(next) {
			return nil, fmt.Errorf("%w: rental %s from %s to %s", apperr.ErrInvalidTransition, id, from, next)
		}
		for k, v := range fields {
			current[k] = v
		}
		current["returnStatus"] = string(next)
		if err := store.DecodeDoc(current, &updated); err != nil {
			return nil, fmt.Errorf("decode rental %s: %w", id, err)
		}
		return current, nil
	})
	if err != nil {
		return models.Rental{}, err
	}
	updated.ID = id
	r.log.Info("rental transitioned", "rental_id", id, "return_status", next)
	return updated, nil
}
