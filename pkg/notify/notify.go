// Package notify writes user and admin notifications.
//
// A user notification is identified by its scope (the rental or drop request
// it refers to), its type and its recipient. At most one notification may
// exist per identity: Emit checks for an existing one right before writing
// and then creates the record at an id derived from the identity with a
// create-if-absent put, so two racing emitters cannot both succeed.
package notify

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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var idNamespace = uuid.MustParse("9c1d4e7a-52b8-4f0e-8a3d-6e2f1b7c4a90")

// ID returns the record id of the notification with the given identity.
func ID(scope string, typ models.NotificationType, userEmail string) string {
	return uuid.NewSHA1(idNamespace, []byte(scope+"|"+string(typ)+"|"+userEmail)).String()
}

func scopeOf(n models.Notification) string {
	if n.RentalID != "" {
		return n.RentalID
	}
	return n.RequestID
}

type Emitter struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
	locks *keylock.Map
}

type Option func(*Emitter)

func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Emitter) { e.log = log }
}

func New(s store.Store, opts ...Option) *Emitter {
	e := &Emitter{store: s, log: slog.Default(), now: time.Now, locks: keylock.New()}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "notify")
	return e
}

func (e *Emitter) matching(ctx context.Context, scope string, typ models.NotificationType, userEmail string) ([]string, error) {
	all, bad, err := store.ListAs[models.Notification](ctx, e.store, models.CollectionNotifications)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	for _, err := range bad {
		e.log.Warn("skipping malformed notification", "error", err)
	}
	var ids []string
	for id, n := range all {
		if scopeOf(n) == scope && n.Type == typ && n.UserEmail == userEmail {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Exists reports whether a notification with the given identity is stored.
func (e *Emitter) Exists(ctx context.Context, scope string, typ models.NotificationType, userEmail string) (bool, error) {
	ids, err := e.matching(ctx, scope, typ, userEmail)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// Emit stores n unless a notification with the same identity exists. It
// returns the id of the stored or already existing notification and whether
// a new record was written. Notifications without a scope are never
// deduplicated.
func (e *Emitter) Emit(ctx context.Context, n models.Notification) (string, bool, error) {
	now := e.now()
	if n.CreatedAt == "" {
		n.CreatedAt = models.Stamp(now)
	}
	if n.Timestamp == 0 {
		n.Timestamp = now.UnixMilli()
	}

	scope := scopeOf(n)
	if scope == "" {
		id, err := e.store.Create(ctx, models.CollectionNotifications, n)
		if err != nil {
			return "", false, fmt.Errorf("emit %s: %w", n.Type, err)
		}
		return id, true, nil
	}

	defer e.locks.Lock(scope + "|" + string(n.Type) + "|" + n.UserEmail)()

	existing, err := e.matching(ctx, scope, n.Type, n.UserEmail)
	if err != nil {
		return "", false, err
	}
	if len(existing) > 0 {
		e.log.Debug("duplicate notification suppressed", "scope", scope, "type", n.Type)
		return existing[0], false, nil
	}

	id := ID(scope, n.Type, n.UserEmail)
	err = e.store.PutIf(ctx, models.CollectionNotifications, id, n, store.NullVersion)
	if errors.Is(err, store.ErrConflict) {
		return id, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("emit %s: %w", n.Type, err)
	}
	return id, true, nil
}

// Remove deletes every notification with the given identity. Nothing to
// delete is not an error.
func (e *Emitter) Remove(ctx context.Context, scope string, typ models.NotificationType, userEmail string) (int, error) {
	defer e.locks.Lock(scope + "|" + string(typ) + "|" + userEmail)()

	ids, err := e.matching(ctx, scope, typ, userEmail)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := e.store.Delete(ctx, models.CollectionNotifications, id); err != nil {
			return 0, fmt.Errorf("delete notification %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// Supersede replaces the oldType notification of the same rental and user
// with next.
func (e *Emitter) Supersede(ctx context.Context, oldType models.NotificationType, next models.Notification) (string, bool, error) {
	removed, err := e.Remove(ctx, scopeOf(next), oldType, next.UserEmail)
	if err != nil {
		return "", false, err
	}
	if removed > 0 {
		e.log.Debug("notification superseded", "scope", scopeOf(next), "old_type", oldType, "new_type", next.Type)
	}
	return e.Emit(ctx, next)
}

// ForUser returns a user's notifications, newest first.
func (e *Emitter) ForUser(ctx context.Context, userEmail string) ([]models.Notification, error) {
	all, bad, err := store.ListAs[models.Notification](ctx, e.store, models.CollectionNotifications)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	for _, err := range bad {
		e.log.Warn("skipping malformed notification", "error", err)
	}
	out := make([]models.Notification, 0)
	for id, n := range all {
		if n.UserEmail != userEmail {
			continue
		}
		n.ID = id
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (e *Emitter) MarkRead(ctx context.Context, id string) error {
	err := store.Mutate(ctx, e.store, models.CollectionNotifications, id, func(current store.Doc) (store.Doc, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: notification %s", apperr.ErrNotFound, id)
		}
		if read, _ := current["read"].(bool); read {
			return nil, nil
		}
		current["read"] = true
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return nil
}

// MarkAllRead marks every unread notification of a user as read and returns
// how many were changed.
func (e *Emitter) MarkAllRead(ctx context.Context, userEmail string) (int, error) {
	inbox, err := e.ForUser(ctx, userEmail)
	if err != nil {
		return 0, err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	count := 0
	for _, n := range inbox {
		if n.Read {
			continue
		}
		count++
		id := n.ID
		g.Go(func() error { return e.MarkRead(ctx, id) })
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return count, nil
}
