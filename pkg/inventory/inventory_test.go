package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"bookmarket/pkg/apperr"
	"bookmarket/pkg/database"
	"bookmarket/pkg/models"
	"bookmarket/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func setupAdjuster(t *testing.T) (*Adjuster, store.Store) {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	s := store.NewGormStore(db)
	return New(s, WithClock(func() time.Time { return fixedNow })), s
}

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"The Great Gatsby", "the-great-gatsby"},
		{"  the   GREAT\tgatsby ", "the-great-gatsby"},
		{"Dune", "dune"},
		{"Mr. Mercedes", "mr_-mercedes"},
		{"   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slug(tt.name))
		})
	}
}

func TestAdjustIncrementsExistingBook(t *testing.T) {
	a, s := setupAdjuster(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, models.CollectionBooks, "dune", map[string]any{
		"name": "Dune", "quantity": 2, "author": "Herbert",
	}))

	qty, found, err := a.Adjust(ctx, " DUNE ", 3)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, qty)

	raw, err := s.Get(ctx, models.CollectionBooks, "dune")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Dune","quantity":5,"author":"Herbert","updatedAt":"2024-01-15T10:00:00.000Z"}`, string(raw))
}

func TestAdjustMissingBookIsNoop(t *testing.T) {
	a, s := setupAdjuster(t)
	ctx := context.Background()

	qty, found, err := a.Adjust(ctx, "Unknown", 3)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, qty)

	all, err := s.List(ctx, models.CollectionBooks)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAdjustRejectsNegativeStock(t *testing.T) {
	a, s := setupAdjuster(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, models.CollectionBooks, "dune", models.Book{Name: "Dune", Quantity: 1}))

	_, _, err := a.Adjust(ctx, "Dune", -2)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	qty, found, err := a.Available(ctx, "Dune")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, qty)
}

func TestAdjustConcurrentIncrementsLoseNothing(t *testing.T) {
	a, s := setupAdjuster(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, models.CollectionBooks, "dune", models.Book{Name: "Dune"}))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := a.Adjust(ctx, "Dune", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	qty, _, err := a.Available(ctx, "Dune")
	require.NoError(t, err)
	assert.Equal(t, workers, qty)
}

func TestMergeOrCreateMergesBySlug(t *testing.T) {
	a, s := setupAdjuster(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, models.CollectionBooks, "the-hobbit", models.Book{
		Name:      "The Hobbit",
		Quantity:  4,
		Price:     300,
		CreatedAt: "2023-05-01T08:00:00.000Z",
	}))

	book, created, err := a.MergeOrCreate(ctx, models.Book{Name: "the  HOBBIT", Quantity: 2, Price: 210})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 6, book.Quantity)
	assert.Equal(t, "2023-05-01T08:00:00.000Z", book.CreatedAt)

	stored, err := a.Get(ctx, "The Hobbit")
	require.NoError(t, err)
	assert.Equal(t, 6, stored.Quantity)
	assert.Equal(t, "2023-05-01T08:00:00.000Z", stored.CreatedAt)
	assert.Equal(t, models.Amount(210), stored.Price)
}

func TestMergeOrCreateCreatesNewSlug(t *testing.T) {
	a, _ := setupAdjuster(t)
	ctx := context.Background()

	book, created, err := a.MergeOrCreate(ctx, models.Book{Name: "Emma", Quantity: 3})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "emma", book.ID)
	assert.Equal(t, 3, book.Quantity)
	assert.Equal(t, "2024-01-15T10:00:00.000Z", book.CreatedAt)

	qty, found, err := a.Available(ctx, "emma")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, qty)
}
