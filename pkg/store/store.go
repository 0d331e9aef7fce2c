// Package store is the client side of the keyed-document record store.
//
// Records live in named collections and are addressed by string keys, the
// way the Firebase Realtime Database REST API exposes them. Two backends
// implement Store: HTTPStore talks to a remote REST endpoint, GormStore keeps
// the same semantics in a relational table. Both support a versioned read
// and a conditional put so callers can do compare-and-swap updates.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bookmarket/pkg/retry"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var (
	ErrNotFound   = errors.New("store: record not found")
	ErrConflict   = errors.New("store: version conflict")
	ErrTransient  = errors.New("store: transient failure")
	ErrInvalidKey = errors.New("store: invalid key")
)

// NullVersion is the version of a record that does not exist. A conditional
// put with NullVersion only succeeds when the key is still absent.
const NullVersion = "null_etag"

// Doc is a decoded record. Numbers are kept as json.Number so a
// read-modify-write round trip does not alter fields it did not touch.
type Doc map[string]any

type Store interface {
	// List returns every record of a collection keyed by id. An empty or
	// missing collection yields an empty map.
	List(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	// Get returns ErrNotFound when the record is absent.
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	// GetVersioned returns a nil record and NullVersion when absent.
	GetVersioned(ctx context.Context, collection, id string) (json.RawMessage, string, error)
	// Create stores record under a new store-assigned id.
	Create(ctx context.Context, collection string, record any) (string, error)
	// Put replaces the record at id.
	Put(ctx context.Context, collection, id string, record any) error
	// PutIf replaces the record at id only if its version still matches,
	// otherwise it returns ErrConflict.
	PutIf(ctx context.Context, collection, id string, record any, version string) error
	// Patch merges fields into the record; a nil value removes the field.
	Patch(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
}

var codec = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Encode serializes a record the way every backend persists it.
func Encode(record any) ([]byte, error) {
	if raw, ok := record.(json.RawMessage); ok {
		if !codec.Valid(raw) {
			return nil, fmt.Errorf("store: invalid json record")
		}
		return raw, nil
	}
	return codec.Marshal(record)
}

func Decode(raw []byte, v any) error {
	return codec.Unmarshal(raw, v)
}

// DecodeDoc converts a Doc into a typed record.
func DecodeDoc(doc Doc, v any) error {
	raw, err := codec.Marshal(doc)
	if err != nil {
		return err
	}
	return codec.Unmarshal(raw, v)
}

// ToDoc converts a typed record into a Doc for Mutate callbacks.
func ToDoc(v any) (Doc, error) {
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Doc
	if err := codec.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ValidKey reports whether id can be used as a record key.
func ValidKey(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".$#[]/")
}

// NewPushID returns a time-ordered record id.
func NewPushID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func GetAs[T any](ctx context.Context, s Store, collection, id string) (T, error) {
	var out T
	raw, err := s.Get(ctx, collection, id)
	if err != nil {
		return out, err
	}
	if err := Decode(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return out, nil
}

// ListAs decodes a whole collection. Records that fail to decode are
// skipped and reported through the returned error slice.
func ListAs[T any](ctx context.Context, s Store, collection string) (map[string]T, []error, error) {
	raws, err := s.List(ctx, collection)
	if err != nil {
		return nil, nil, err
	}
	out := make(map[string]T, len(raws))
	var bad []error
	for id, raw := range raws {
		var v T
		if err := Decode(raw, &v); err != nil {
			bad = append(bad, fmt.Errorf("decode %s/%s: %w", collection, id, err))
			continue
		}
		out[id] = v
	}
	return out, bad, nil
}

// Claim writes record under collection/id only if the key is still free.
// record["owner"] names the claimant: claiming again as the same owner
// succeeds, any other owner gets ErrConflict.
func Claim(ctx context.Context, s Store, collection, id string, record Doc) error {
	err := s.PutIf(ctx, collection, id, record, NullVersion)
	if !errors.Is(err, ErrConflict) {
		return err
	}
	current, gerr := GetAs[Doc](ctx, s, collection, id)
	if gerr != nil {
		return gerr
	}
	if owner, ok := current["owner"].(string); ok && owner != "" && owner == record["owner"] {
		return nil
	}
	return err
}

// Mutate performs a compare-and-swap read-modify-write on one record.
//
// fn receives the current record (nil when absent) and returns the record to
// write. Returning a nil Doc with a nil error leaves the record untouched.
// A version conflict re-reads the record and calls fn again.
func Mutate(ctx context.Context, s Store, collection, id string, fn func(current Doc) (Doc, error)) error {
	return retry.Do(ctx, func(ctx context.Context) error {
		raw, version, err := s.GetVersioned(ctx, collection, id)
		if err != nil {
			return err
		}
		var current Doc
		if raw != nil {
			if err := Decode(raw, &current); err != nil {
				return fmt.Errorf("decode %s/%s: %w", collection, id, err)
			}
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		return s.PutIf(ctx, collection, id, next, version)
	}, retry.On(ErrConflict), retry.WithMaxAttempts(8))
}

func mergePatch(current Doc, fields map[string]any) Doc {
	if current == nil {
		current = Doc{}
	}
	for k, v := range fields {
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	return current
}
