package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"bookmarket/pkg/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	return NewGormStore(db)
}

type book struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

func TestGormStoreCreateAndList(t *testing.T) {
	s := setupGormStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "books", book{Name: "Dune", Quantity: 2})
	require.NoError(t, err)
	second, err := s.Create(ctx, "books", book{Name: "Emma", Quantity: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	all, bad, err := ListAs[book](ctx, s, "books")
	require.NoError(t, err)
	assert.Empty(t, bad)
	assert.Len(t, all, 2)
	assert.Equal(t, "Dune", all[first].Name)

	empty, err := s.List(ctx, "rentBook")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGormStoreGetMissing(t *testing.T) {
	s := setupGormStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "books", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	raw, version, err := s.GetVersioned(ctx, "books", "missing")
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, NullVersion, version)

	_, err = s.Get(ctx, "books", "a/b")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestGormStorePutBumpsVersion(t *testing.T) {
	s := setupGormStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "books", "dune", book{Name: "Dune", Quantity: 1}))
	_, v1, err := s.GetVersioned(ctx, "books", "dune")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "books", "dune", book{Name: "Dune", Quantity: 4}))
	raw, v2, err := s.GetVersioned(ctx, "books", "dune")
	require.NoError(t, err)

	assert.Equal(t, "1", v1)
	assert.Equal(t, "2", v2)
	assert.JSONEq(t, `{"name":"Dune","quantity":4}`, string(raw))
}

func TestGormStorePutIf(t *testing.T) {
	s := setupGormStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutIf(ctx, "books", "dune", book{Name: "Dune", Quantity: 1}, NullVersion))

	err := s.PutIf(ctx, "books", "dune", book{Name: "Dune", Quantity: 9}, NullVersion)
	assert.ErrorIs(t, err, ErrConflict, "create-if-absent must fail when the key exists")

	_, version, err := s.GetVersioned(ctx, "books", "dune")
	require.NoError(t, err)

	require.NoError(t, s.PutIf(ctx, "books", "dune", book{Name: "Dune", Quantity: 2}, version))
	err = s.PutIf(ctx, "books", "dune", book{Name: "Dune", Quantity: 3}, version)
	assert.ErrorIs(t, err, ErrConflict, "stale version must be rejected")

	got, err := GetAs[book](ctx, s, "books", "dune")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Quantity)
}

func TestGormStorePatch(t *testing.T) {
	s := setupGormStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "rentBook", "r1", map[string]any{
		"bookName":     "Dune",
		"returnStatus": "not_returned",
		"quantity":     3,
	}))

	require.NoError(t, s.Patch(ctx, "rentBook", "r1", map[string]any{
		"returnStatus": "returned",
		"quantity":     nil,
	}))

	raw, err := s.Get(ctx, "rentBook", "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"bookName":"Dune","returnStatus":"returned"}`, string(raw))
}

func TestGormStoreDelete(t *testing.T) {
	s := setupGormStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "notifications", map[string]any{"type": "return_window"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "notifications", id))
	require.NoError(t, s.Delete(ctx, "notifications", id), "deleting a missing record is not an error")

	_, err = s.Get(ctx, "notifications", id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMutateConcurrentIncrements(t *testing.T) {
	s := setupGormStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "books", "dune", book{Name: "Dune"}))

	const workers = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- Mutate(ctx, s, "books", "dune", func(current Doc) (Doc, error) {
				var b book
				if err := DecodeDoc(current, &b); err != nil {
					return nil, err
				}
				current["quantity"] = b.Quantity + 1
				return current, nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := GetAs[book](ctx, s, "books", "dune")
	require.NoError(t, err)
	assert.Equal(t, workers, got.Quantity)
}

func TestMutateNilDocSkipsWrite(t *testing.T) {
	s := setupGormStore(t)
	ctx := context.Background()

	calls := 0
	err := Mutate(ctx, s, "books", "ghost", func(current Doc) (Doc, error) {
		calls++
		assert.Nil(t, current)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = s.Get(ctx, "books", "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMutatePropagatesCallbackError(t *testing.T) {
	s := setupGormStore(t)
	boom := errors.New("boom")

	err := Mutate(context.Background(), s, "books", "dune", func(Doc) (Doc, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestEncodeRejectsInvalidRaw(t *testing.T) {
	_, err := Encode(json.RawMessage(`{"broken"`))
	assert.Error(t, err)
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"the-great-gatsby", true},
		{"0190c3b0-8c1e-7000-8000-000000000000", true},
		{"", false},
		{"a.b", false},
		{"a/b", false},
		{"a#b", false},
		{"$a", false},
		{"a[0]", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidKey(tt.key))
		})
	}
}

func TestClaimHasOneOwner(t *testing.T) {
	s := setupGormStore(t)
	ctx := context.Background()

	require.NoError(t, Claim(ctx, s, "decisions", "rentBook_r1", Doc{"owner": "a"}))
	require.NoError(t, Claim(ctx, s, "decisions", "rentBook_r1", Doc{"owner": "a"}))
	assert.ErrorIs(t, Claim(ctx, s, "decisions", "rentBook_r1", Doc{"owner": "b"}), ErrConflict)

	require.NoError(t, s.Delete(ctx, "decisions", "rentBook_r1"))
	assert.NoError(t, Claim(ctx, s, "decisions", "rentBook_r1", Doc{"owner": "b"}))
}
