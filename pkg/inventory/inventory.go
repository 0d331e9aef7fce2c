// Package inventory adjusts book quantities in the catalog. Books are keyed
// by the slug of their name, so every lookup and write goes through Slug.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookmarket/pkg/apperr"
	"bookmarket/pkg/keylock"
	"bookmarket/pkg/models"
	"bookmarket/pkg/store"
)

// Slug lowercases and trims name and collapses whitespace runs into single
// hyphens. Characters the store cannot use in keys become underscores.
func Slug(name string) string {
	slug := strings.Join(strings.Fields(strings.ToLower(name)), "-")
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(".$#[]/", r) {
			return '_'
		}
		return r
	}, slug)
}

type Adjuster struct {
	store store.Store
	locks *keylock.Map
	now   func() time.Time
}

type Option func(*Adjuster)

func WithClock(now func() time.Time) Option {
	return func(a *Adjuster) { a.now = now }
}

// WithLocks shares a key lock map with other components writing books.
func WithLocks(locks *keylock.Map) Option {
	return func(a *Adjuster) { a.locks = locks }
}

func New(s store.Store, opts ...Option) *Adjuster {
	a := &Adjuster{store: s, locks: keylock.New(), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adjuster) lock(slug string) func() {
	return a.locks.Lock(models.CollectionBooks + "/" + slug)
}

// Adjust adds delta to the quantity of the book called name. A missing book
// is left alone and reported with found=false. A decrement below zero fails
// with apperr.ErrInsufficientStock and writes nothing.
func (a *Adjuster) Adjust(ctx context.Context, name string, delta int) (quantity int, found bool, err error) {
	slug := Slug(name)
	if slug == "" {
		return 0, false, fmt.Errorf("%w: empty book name", apperr.ErrValidation)
	}
	defer a.lock(slug)()

	err = store.Mutate(ctx, a.store, models.CollectionBooks, slug, func(current store.Doc) (store.Doc, error) {
		if current == nil {
			found = false
			return nil, nil
		}
		var book models.Book
		if err := store.DecodeDoc(current, &book); err != nil {
			return nil, fmt.Errorf("decode book %s: %w", slug, err)
		}
		next := book.Quantity + delta
		if next < 0 {
			return nil, fmt.Errorf("%w: %q has %d, need %d", apperr.ErrInsufficientStock, book.Name, book.Quantity, -delta)
		}
		found = true
		quantity = next
		current["quantity"] = next
		current["updatedAt"] = models.Stamp(a.now())
		return current, nil
	})
	if err != nil {
		return 0, false, err
	}
	return quantity, found, nil
}

// MergeOrCreate adds entry to the catalog. An existing book with the same
// slug keeps its createdAt and gains entry.Quantity; the record is otherwise
// replaced with entry's fields.
func (a *Adjuster) MergeOrCreate(ctx context.Context, entry models.Book) (models.Book, bool, error) {
	slug := Slug(entry.Name)
	if slug == "" {
		return models.Book{}, false, fmt.Errorf("%w: empty book name", apperr.ErrValidation)
	}
	defer a.lock(slug)()

	var (
		saved   models.Book
		created bool
	)
	err := store.Mutate(ctx, a.store, models.CollectionBooks, slug, func(current store.Doc) (store.Doc, error) {
		now := models.Stamp(a.now())
		saved = entry
		saved.UpdatedAt = now
		created = current == nil
		if created {
			saved.CreatedAt = now
		} else {
			var existing models.Book
			if err := store.DecodeDoc(current, &existing); err != nil {
				return nil, fmt.Errorf("decode book %s: %w", slug, err)
			}
			saved.Quantity = existing.Quantity + entry.Quantity
			saved.CreatedAt = existing.CreatedAt
			if saved.Type == "" {
				saved.Type = existing.Type
			}
		}
		return store.ToDoc(saved)
	})
	if err != nil {
		return models.Book{}, false, err
	}
	saved.ID = slug
	return saved, created, nil
}

// Available returns the current quantity of the book called name.
func (a *Adjuster) Available(ctx context.Context, name string) (int, bool, error) {
	book, err := a.Get(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return book.Quantity, true, nil
}

func (a *Adjuster) Get(ctx context.Context, name string) (models.Book, error) {
	slug := Slug(name)
	book, err := store.GetAs[models.Book](ctx, a.store, models.CollectionBooks, slug)
	if err != nil {
		return models.Book{}, err
	}
	book.ID = slug
	return book, nil
}
