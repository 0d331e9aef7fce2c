package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Collection names as they exist in the shared database.
const (
	CollectionRentals            = "rentBook"
	CollectionNotifications      = "notifications"
	CollectionAdminNotifications = "adminNotifications"
	CollectionDropRequests       = "requests"
	CollectionBooks              = "books"
	CollectionTransactions       = "transactions"
	CollectionPurchases          = "bookpurches"
	// CollectionDecisions holds one claim per decided rental return or drop
	// request, keyed by DecisionKey.
	CollectionDecisions          = "decisions"
)

const DateLayout = "2006-01-02"

// DecisionKey names the claim for the record collection/id.
func DecisionKey(collection, id string) string {
	return collection + "_" + id
}

// Document is one record of a keyed collection persisted by the gorm backend.
type Document struct {
	Collection string `gorm:"primaryKey;size:64"`
	ID         string `gorm:"primaryKey;size:128"`
	Body       string `gorm:"type:text;not null"`
	Version    int64  `gorm:"not null;default:1"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Amount is a money value. Older clients persist amounts as toFixed(2)
// strings, so both numbers and numeric strings are accepted on decode.
type Amount float64

func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		*a = 0
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*a = 0
			return nil
		}
		raw = s
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	*a = Amount(v)
	return nil
}

// Round returns the amount rounded to cents.
func (a Amount) Round() Amount {
	return Amount(math.Round(float64(a)*100) / 100)
}

func (a Amount) String() string {
	v := float64(a)
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

type ReturnStatus string

const (
	ReturnNotReturned     ReturnStatus = "not_returned"
	ReturnWindowOpen      ReturnStatus = "return_window_open"
	ReturnRequested       ReturnStatus = "return_requested"
	ReturnPending         ReturnStatus = "return_pending"
	ReturnReturned        ReturnStatus = "returned"
	ReturnRejected        ReturnStatus = "return_rejected"
	ReturnExpiredNoRefund ReturnStatus = "expired_no_refund"
)

var returnTransitions = map[ReturnStatus][]ReturnStatus{
	ReturnNotReturned: {ReturnWindowOpen, ReturnExpiredNoRefund, ReturnRequested},
	ReturnWindowOpen:  {ReturnExpiredNoRefund, ReturnRequested},
	ReturnRequested:   {ReturnReturned, ReturnRejected},
	ReturnPending:     {ReturnReturned, ReturnRejected},
}

// Terminal reports whether no further transition is possible.
func (s ReturnStatus) Terminal() bool {
	return s == ReturnReturned || s == ReturnExpiredNoRefund || s == ReturnRejected
}

// AwaitingDecision reports whether an admin decision on a return is outstanding.
func (s ReturnStatus) AwaitingDecision() bool {
	return s == ReturnRequested || s == ReturnPending
}

// CanTransitionTo reports whether next follows s in the return partial order.
// A rental without a recorded status is treated as not_returned.
func (s ReturnStatus) CanTransitionTo(next ReturnStatus) bool {
	if s == "" {
		s = ReturnNotReturned
	}
	for _, allowed := range returnTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

const (
	RentalActive    = "active"
	RentalCompleted = "completed"
)

type Rental struct {
	ID                     string       `json:"-"`
	BookID                 string       `json:"bookId,omitempty"`
	BookName               string       `json:"bookName"`
	BookImage              string       `json:"bookImage,omitempty"`
	BookPrice              Amount       `json:"bookPrice,omitempty"`
	BookDescription        string       `json:"bookDescription,omitempty"`
	BookType               string       `json:"bookType,omitempty"`
	Quantity               int          `json:"quantity"`
	UserEmail              string       `json:"userEmail"`
	StartDate              string       `json:"startDate"`
	EndDate                string       `json:"endDate"`
	RentalDays             int          `json:"rentalDays,omitempty"`
	RentalFee              Amount       `json:"rentalFee"`
	SecurityDeposit        Amount       `json:"securityDeposit"`
	TotalAmount            Amount       `json:"totalAmount"`
	RentalDate             string       `json:"rentalDate,omitempty"`
	Status                 string       `json:"status"`
	ReturnStatus           ReturnStatus `json:"returnStatus"`
	ReturnWindowOpenedDate string       `json:"returnWindowOpenedDate,omitempty"`
	ExpiredDate            string       `json:"expiredDate,omitempty"`
	ReturnRequestDate      string       `json:"returnRequestDate,omitempty"`
	ReturnAcceptedDate     string       `json:"returnAcceptedDate,omitempty"`
	ReturnRejectedDate     string       `json:"returnRejectedDate,omitempty"`
	RejectionReason        string       `json:"rejectionReason,omitempty"`
	Timestamp              int64        `json:"timestamp,omitempty"`
}

// CurrentReturnStatus defaults records written without a returnStatus.
func (r Rental) CurrentReturnStatus() ReturnStatus {
	if r.ReturnStatus == "" {
		return ReturnNotReturned
	}
	return r.ReturnStatus
}

type NotificationType string

const (
	NotifyRentalEndingTomorrow NotificationType = "rental_ending_tomorrow"
	NotifyReturnWindow         NotificationType = "return_window"
	NotifyReturnWindowExpired  NotificationType = "return_window_expired"
	NotifySecurityRefund       NotificationType = "security_refund"
	NotifyReturnRejected       NotificationType = "return_rejected"
	NotifyDropAccepted         NotificationType = "accepted"
	NotifyDropRejected         NotificationType = "rejected"
)

type Notification struct {
	ID              string           `json:"-"`
	UserEmail       string           `json:"userEmail,omitempty"`
	Type            NotificationType `json:"type"`
	Message         string           `json:"message"`
	BookName        string           `json:"bookName,omitempty"`
	BookImage       string           `json:"bookImage,omitempty"`
	ImageURL        string           `json:"imageUrl,omitempty"`
	EndDate         string           `json:"endDate,omitempty"`
	SecurityDeposit Amount           `json:"securityDeposit,omitempty"`
	RentalID        string           `json:"rentalId,omitempty"`
	RequestID       string           `json:"requestId,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Read            bool             `json:"read"`
	Timestamp       int64            `json:"timestamp,omitempty"`
	CreatedAt       string           `json:"createdAt"`
}

type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketAccepted TicketStatus = "accepted"
	TicketRejected TicketStatus = "rejected"
)

const TicketReturnRequest = "return_request"

// AdminNotification is an admin-audience ticket awaiting a decision.
type AdminNotification struct {
	ID              string       `json:"-"`
	Type            string       `json:"type"`
	Message         string       `json:"message"`
	BookName        string       `json:"bookName"`
	BookImage       string       `json:"bookImage,omitempty"`
	UserEmail       string       `json:"userEmail"`
	RentalID        string       `json:"rentalId,omitempty"`
	SecurityDeposit Amount       `json:"securityDeposit"`
	RentalFee       Amount       `json:"rentalFee"`
	StartDate       string       `json:"startDate,omitempty"`
	EndDate         string       `json:"endDate,omitempty"`
	Quantity        int          `json:"quantity"`
	Read            bool         `json:"read"`
	Timestamp       int64        `json:"timestamp"`
	CreatedAt       string       `json:"createdAt"`
	Status          TicketStatus `json:"status"`
	AcceptedDate    string       `json:"acceptedDate,omitempty"`
	ProcessedAt     string       `json:"processedAt,omitempty"`
	RejectionReason string       `json:"rejectionReason,omitempty"`
}

type DropStatus string

const (
	DropPending  DropStatus = "pending"
	DropAccepted DropStatus = "accepted"
	DropRejected DropStatus = "rejected"
)

// DropPriceRatio is the share of MRP paid out for a dropped book.
const DropPriceRatio = 0.7

type DropRequest struct {
	ID          string     `json:"-"`
	UserEmail   string     `json:"userEmail" validate:"required,email"`
	Date        string     `json:"date,omitempty"`
	Name        string     `json:"name" validate:"required"`
	Description string     `json:"description,omitempty"`
	MRPPrice    Amount     `json:"mrpPrice" validate:"gt=0"`
	Price       Amount     `json:"price" validate:"gte=0"`
	Quantity    int        `json:"quantity" validate:"gte=1"`
	ImageURL    string     `json:"imageUrl" validate:"required,url"`
	Status      DropStatus `json:"status"`
}

// DropBook is the catalog data an admin accepts for a drop request.
type DropBook struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       Amount `json:"price"`
	MRPPrice    Amount `json:"mrpPrice"`
	Quantity    int    `json:"quantity"`
	ImageURL    string `json:"imageUrl"`
}

type Book struct {
	ID          string `json:"-"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type,omitempty"`
	Price       Amount `json:"price"`
	Quantity    int    `json:"quantity"`
	ImageURL    string `json:"imageUrl"`
	CreatedAt   string `json:"createdAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

type TransactionType string

const (
	TxPurchase        TransactionType = "purchase"
	TxRent            TransactionType = "rent"
	TxSecurityDeposit TransactionType = "security_deposit"
	TxSecurityRefund  TransactionType = "security_refund"
	TxCartPurchase    TransactionType = "cart_purchase"
	TxCartRent        TransactionType = "cart_rent"
	TxBookDrop        TransactionType = "book_drop"
)

type Transaction struct {
	ID          string          `json:"-"`
	Type        TransactionType `json:"type"`
	BookName    string          `json:"bookName"`
	BookImage   string          `json:"bookImage,omitempty"`
	Quantity    int             `json:"quantity,omitempty"`
	MRPPrice    Amount          `json:"mrpPrice,omitempty"`
	Amount      Amount          `json:"amount"`
	UserEmail   string          `json:"userEmail"`
	StartDate   string          `json:"startDate,omitempty"`
	EndDate     string          `json:"endDate,omitempty"`
	RentalDays  int             `json:"rentalDays,omitempty"`
	Description string          `json:"description"`
	CreatedAt   string          `json:"createdAt"`
	Timestamp   int64           `json:"timestamp"`
}

type Purchase struct {
	ID           string `json:"-"`
	BookName     string `json:"bookName"`
	BookPrice    Amount `json:"bookPrice"`
	BookImage    string `json:"bookImage,omitempty"`
	Quantity     int    `json:"quantity"`
	TotalPrice   Amount `json:"totalPrice"`
	UserEmail    string `json:"userEmail"`
	PurchaseDate string `json:"purchaseDate"`
	Timestamp    int64  `json:"timestamp"`
}

// Stamp renders t the way the records store ISO timestamps.
func Stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
