package rentals

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
	"bookmarket/pkg/store"

	"github.com/go-playground/validator/v10"
)

const (
	ItemPurchase = "purchase"
	ItemRent     = "rent"
)

// Item is one cart line. Prices are taken from the catalog, never from the
// client.
type Item struct {
	Type      string `json:"itemType" validate:"required,oneof=purchase rent"`
	BookName  string `json:"bookName" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1"`
	StartDate string `json:"startDate" validate:"required_if=Type rent"`
	EndDate   string `json:"endDate" validate:"required_if=Type rent"`
}

type checkoutRequest struct {
	UserEmail string `validate:"required,email"`
	Items     []Item `validate:"required,min=1,dive"`
}

// ItemResult reports the outcome of one cart line.
type ItemResult struct {
	apperr.Result
	BookName string `json:"bookName"`
	Type     string `json:"itemType"`
}

// Checkout turns cart lines into purchases and rentals.
type Checkout struct {
	store     store.Store
	rentals   *Repository
	inventory *inventory.Adjuster
	ledger    *ledger.Recorder
	validate  *validator.Validate
	log       *slog.Logger
	now       func() time.Time
}

func NewCheckout(s store.Store, repo *Repository, inv *inventory.Adjuster, rec *ledger.Recorder, v *validator.Validate, log *slog.Logger) *Checkout {
	if log == nil {
		log = slog.Default()
	}
	return &Checkout{
		store:     s,
		rentals:   repo,
		inventory: inv,
		ledger:    rec,
		validate:  v,
		log:       log.With("component", "checkout"),
		now:       repo.now,
	}
}

// Place checks that every line is in stock, then processes the lines in
// order. Each line takes its copies out of stock with a compare-and-swap
// write and fails on its own when stock ran out in the meantime. The
// returned error is only set when the request itself is invalid or the
// stock check could not be made.
func (c *Checkout) Place(ctx context.Context, userEmail string, items []Item) ([]ItemResult, error) {
	if err := c.validate.Struct(checkoutRequest{UserEmail: userEmail, Items: items}); err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrValidation, err)
	}

	var short []string
	for _, item := range items {
		available, found, err := c.inventory.Available(ctx, item.BookName)
		if err != nil {
			return nil, fmt.Errorf("check stock of %q: %w", item.BookName, err)
		}
		if !found || available < item.Quantity {
			short = append(short, fmt.Sprintf("%q - Available: %d, You requested: %d", item.BookName, available, item.Quantity))
		}
	}
	if len(short) > 0 {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInsufficientStock, short)
	}

	results := make([]ItemResult, 0, len(items))
	for _, item := range items {
		res := ItemResult{BookName: item.BookName, Type: item.Type}
		id, err := c.placeItem(ctx, userEmail, item)
		if err != nil {
			c.log.Error("checkout item failed", "book", item.BookName, "error", err, "kind", apperr.Kind(err))
			res.Result = apperr.Fail(fmt.Sprintf("Could not complete %s of %q.", item.Type, item.BookName), err)
		} else {
			res.Result = apperr.OK("Order placed successfully!")
			res.ID = id
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *Checkout) placeItem(ctx context.Context, userEmail string, item Item) (string, error) {
	book, err := c.inventory.Get(ctx, item.BookName)
	if err != nil {
		return "", err
	}

	var charge Breakdown
	if item.Type == ItemRent {
		if charge, err = Charge(book.Price, item.Quantity, item.StartDate, item.EndDate); err != nil {
			return "", err
		}
	}

	if _, found, err := c.inventory.Adjust(ctx, book.Name, -item.Quantity); err != nil {
		return "", err
	} else if !found {
		return "", fmt.Errorf("%w: book %q", apperr.ErrNotFound, item.BookName)
	}

	var id string
	if item.Type == ItemRent {
		id, err = c.rent(ctx, userEmail, book, item, charge)
	} else {
		id, err = c.purchase(ctx, userEmail, book, item)
	}
	if err != nil {
		if _, _, rerr := c.inventory.Adjust(context.WithoutCancel(ctx), book.Name, item.Quantity); rerr != nil {
			err = errors.Join(err, fmt.Errorf("restore stock: %w", rerr))
		}
		return "", err
	}
	return id, nil
}

func (c *Checkout) purchase(ctx context.Context, userEmail string, book models.Book, item Item) (string, error) {
	now := c.now()
	p := models.Purchase{
		BookName:     book.Name,
		BookPrice:    book.Price,
		BookImage:    book.ImageURL,
		Quantity:     item.Quantity,
		TotalPrice:   (book.Price * models.Amount(item.Quantity)).Round(),
		UserEmail:    userEmail,
		PurchaseDate: models.Stamp(now),
		Timestamp:    now.UnixMilli(),
	}
	id, err := c.store.Create(ctx, models.CollectionPurchases, p)
	if err != nil {
		return "", fmt.Errorf("create purchase: %w", err)
	}
	c.record(ctx, id, ledger.CartPurchase(p))
	return id, nil
}

func (c *Checkout) rent(ctx context.Context, userEmail string, book models.Book, item Item, charge Breakdown) (string, error) {
	rental, err := c.rentals.Create(ctx, models.Rental{
		BookID:          book.ID,
		BookName:        book.Name,
		BookImage:       book.ImageURL,
		BookPrice:       book.Price,
		BookDescription: book.Description,
		BookType:        book.Type,
		Quantity:        item.Quantity,
		UserEmail:       userEmail,
		StartDate:       item.StartDate,
		EndDate:         item.EndDate,
		RentalDays:      charge.RentalDays,
		RentalFee:       charge.RentalFee,
		SecurityDeposit: charge.SecurityDeposit,
		TotalAmount:     charge.TotalAmount,
	})
	if err != nil {
		return "", err
	}
	c.record(ctx, rental.ID, ledger.CartRent(rental))
	c.record(ctx, rental.ID, ledger.SecurityDeposit(rental))
	return rental.ID, nil
}

// record books a checkout payment. The order already exists at this point,
// so a ledger failure is logged rather than undoing it.
func (c *Checkout) record(ctx context.Context, key string, tx models.Transaction) {
	if _, _, err := c.ledger.RecordOnce(ctx, key, tx); err != nil {
		c.log.Error("failed to record transaction", "key", key, "type", tx.Type, "error", err)
	}
}
