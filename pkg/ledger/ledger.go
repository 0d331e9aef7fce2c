// Package ledger appends financial events to the transactions collection.
// Records are never updated or deleted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"bookmarket/pkg/models"
	"bookmarket/pkg/store"

	"github.com/google/uuid"
)

var txNamespace = uuid.MustParse("5b0f3e36-4a4e-4c55-9d2a-0b7c9a3e1f21")

type Recorder struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

func New(s store.Store, opts ...Option) *Recorder {
	r := &Recorder{store: s, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "ledger")
	return r
}

func (r *Recorder) stamp(tx *models.Transaction) {
	now := r.now()
	tx.CreatedAt = models.Stamp(now)
	tx.Timestamp = now.UnixMilli()
	tx.Amount = tx.Amount.Round()
}

// Record appends tx under a store-assigned id.
func (r *Recorder) Record(ctx context.Context, tx models.Transaction) (string, error) {
	r.stamp(&tx)
	id, err := r.store.Create(ctx, models.CollectionTransactions, tx)
	if err != nil {
		return "", fmt.Errorf("record %s transaction: %w", tx.Type, err)
	}
	return id, nil
}

// RecordOnce appends tx at an id derived from key and the transaction type.
// Repeating the call with the same key is a no-op that returns the same id,
// so retried workflows never book a payment twice.
func (r *Recorder) RecordOnce(ctx context.Context, key string, tx models.Transaction) (string, bool, error) {
	id := uuid.NewSHA1(txNamespace, []byte(string(tx.Type)+"|"+key)).String()
	r.stamp(&tx)
	err := r.store.PutIf(ctx, models.CollectionTransactions, id, tx, store.NullVersion)
	if errors.Is(err, store.ErrConflict) {
		r.log.Debug("transaction already recorded", "key", key, "type", tx.Type)
		return id, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("record %s transaction: %w", tx.Type, err)
	}
	return id, true, nil
}

// All returns every transaction, newest first.
func (r *Recorder) All(ctx context.Context) ([]models.Transaction, error) {
	return r.list(ctx, func(models.Transaction) bool { return true })
}

// ForUser returns the transactions of one user, newest first.
func (r *Recorder) ForUser(ctx context.Context, email string) ([]models.Transaction, error) {
	return r.list(ctx, func(tx models.Transaction) bool { return tx.UserEmail == email })
}

func (r *Recorder) list(ctx context.Context, keep func(models.Transaction) bool) ([]models.Transaction, error) {
	all, bad, err := store.ListAs[models.Transaction](ctx, r.store, models.CollectionTransactions)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	for _, err := range bad {
		r.log.Warn("skipping malformed transaction", "error", err)
	}
	out := make([]models.Transaction, 0, len(all))
	for id, tx := range all {
		if !keep(tx) {
			continue
		}
		tx.ID = id
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func Purchase(p models.Purchase) models.Transaction {
	return models.Transaction{
		Type:        models.TxPurchase,
		BookName:    p.BookName,
		BookImage:   p.BookImage,
		Quantity:    p.Quantity,
		Amount:      p.TotalPrice,
		UserEmail:   p.UserEmail,
		Description: fmt.Sprintf("Purchased %dx %s", p.Quantity, p.BookName),
	}
}

func Rent(r models.Rental) models.Transaction {
	return models.Transaction{
		Type:        models.TxRent,
		BookName:    r.BookName,
		BookImage:   r.BookImage,
		Quantity:    r.Quantity,
		Amount:      r.RentalFee,
		UserEmail:   r.UserEmail,
		StartDate:   r.StartDate,
		EndDate:     r.EndDate,
		RentalDays:  r.RentalDays,
		Description: fmt.Sprintf("Rental fee for %s (%d days)", r.BookName, r.RentalDays),
	}
}

func SecurityDeposit(r models.Rental) models.Transaction {
	return models.Transaction{
		Type:        models.TxSecurityDeposit,
		BookName:    r.BookName,
		BookImage:   r.BookImage,
		Quantity:    r.Quantity,
		Amount:      r.SecurityDeposit,
		UserEmail:   r.UserEmail,
		StartDate:   r.StartDate,
		EndDate:     r.EndDate,
		Description: fmt.Sprintf("Security deposit for %s (Refundable)", r.BookName),
	}
}

func SecurityRefund(r models.Rental) models.Transaction {
	return models.Transaction{
		Type:        models.TxSecurityRefund,
		BookName:    r.BookName,
		BookImage:   r.BookImage,
		Amount:      r.SecurityDeposit,
		UserEmail:   r.UserEmail,
		Description: fmt.Sprintf("Security deposit refund for %s", r.BookName),
	}
}

func CartPurchase(p models.Purchase) models.Transaction {
	tx := Purchase(p)
	tx.Type = models.TxCartPurchase
	tx.Description = fmt.Sprintf("Cart purchase: %dx %s", p.Quantity, p.BookName)
	return tx
}

func CartRent(r models.Rental) models.Transaction {
	tx := Rent(r)
	tx.Type = models.TxCartRent
	tx.Description = fmt.Sprintf("Cart rental fee: %s", r.BookName)
	return tx
}

// BookDrop pays the user price per unit for each dropped copy.
func BookDrop(req models.DropRequest) models.Transaction {
	return models.Transaction{
		Type:        models.TxBookDrop,
		BookName:    req.Name,
		BookImage:   req.ImageURL,
		Quantity:    req.Quantity,
		MRPPrice:    req.MRPPrice,
		Amount:      req.Price * models.Amount(req.Quantity),
		UserEmail:   req.UserEmail,
		Description: fmt.Sprintf("Payment received for dropping %dx %s", req.Quantity, req.Name),
	}
}
