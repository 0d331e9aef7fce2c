package notify

import (
	"context"
	"fmt"
	"sort"

	"bookmarket/pkg/apperr"
	"bookmarket/pkg/models"
	"bookmarket/pkg/store"
)

// EmitAdmin stores an admin ticket in pending state.
func (e *Emitter) EmitAdmin(ctx context.Context, ticket models.AdminNotification) (string, error) {
	now := e.now()
	ticket.Status = models.TicketPending
	ticket.Read = false
	ticket.CreatedAt = models.Stamp(now)
	ticket.Timestamp = now.UnixMilli()

	id, err := e.store.Create(ctx, models.CollectionAdminNotifications, ticket)
	if err != nil {
		return "", fmt.Errorf("emit admin %s: %w", ticket.Type, err)
	}
	return id, nil
}

// Resolve moves a pending ticket to status and merges fields into it. It
// fails with apperr.ErrAlreadyProcessed once the ticket left pending, so of
// two concurrent decisions only one is applied.
func (e *Emitter) Resolve(ctx context.Context, ticketID string, status models.TicketStatus, fields map[string]any) error {
	defer e.locks.Lock(models.CollectionAdminNotifications + "/" + ticketID)()

	err := store.Mutate(ctx, e.store, models.CollectionAdminNotifications, ticketID, func(current store.Doc) (store.Doc, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: ticket %s", apperr.ErrNotFound, ticketID)
		}
		if s, _ := current["status"].(string); s != "" && models.TicketStatus(s) != models.TicketPending {
			return nil, fmt.Errorf("%w: ticket %s is already %s", apperr.ErrAlreadyProcessed, ticketID, s)
		}
		for k, v := range fields {
			current[k] = v
		}
		current["status"] = string(status)
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("resolve ticket %s: %w", ticketID, err)
	}
	return nil
}

func (e *Emitter) Ticket(ctx context.Context, ticketID string) (models.AdminNotification, error) {
	t, err := store.GetAs[models.AdminNotification](ctx, e.store, models.CollectionAdminNotifications, ticketID)
	if err != nil {
		return models.AdminNotification{}, err
	}
	t.ID = ticketID
	return t, nil
}

// Tickets returns every admin ticket, newest first.
func (e *Emitter) Tickets(ctx context.Context) ([]models.AdminNotification, error) {
	all, bad, err := store.ListAs[models.AdminNotification](ctx, e.store, models.CollectionAdminNotifications)
	if err != nil {
		return nil, fmt.Errorf("list admin notifications: %w", err)
	}
	for _, err := range bad {
		e.log.Warn("skipping malformed admin notification", "error", err)
	}
	out := make([]models.AdminNotification, 0, len(all))
	for id, t := range all {
		t.ID = id
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
