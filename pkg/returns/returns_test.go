package returns

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookmarket/pkg/database"
	"bookmarket/pkg/inventory"
	"bookmarket/pkg/ledger"
	"bookmarket/pkg/models"
	"bookmarket/pkg/notify"
	"bookmarket/pkg/outbox"
	"bookmarket/pkg/rentals"
	"bookmarket/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

// flakyStore fails the next failures conditional puts to collection.
type flakyStore struct {
	store.Store
	mu         sync.Mutex
	collection string
	failures   int
}

func (f *flakyStore) PutIf(ctx context.Context, collection, id string, record any, version string) error {
	f.mu.Lock()
	fail := collection == f.collection && f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return store.ErrTransient
	}
	return f.Store.PutIf(ctx, collection, id, record, version)
}

// gateStore holds the first two reads of collection until both arrived, so
// two callers see the same state before either writes.
type gateStore struct {
	store.Store
	collection string
	waiting    atomic.Int32
	arrived    sync.WaitGroup
}

func newGateStore(s store.Store, collection string) *gateStore {
	g := &gateStore{Store: s, collection: collection}
	g.waiting.Store(2)
	g.arrived.Add(2)
	return g
}

func (g *gateStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	if collection == g.collection && g.waiting.Add(-1) >= 0 {
		g.arrived.Done()
		g.arrived.Wait()
	}
	return g.Store.Get(ctx, collection, id)
}

type fixture struct {
	store    *flakyStore
	workflow *Workflow
	notify   *notify.Emitter
	ledger   *ledger.Recorder
	outbox   *outbox.Outbox
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	s := &flakyStore{Store: store.NewGormStore(db)}
	clock := func() time.Time { return fixedNow }
	emitter := notify.New(s, notify.WithClock(clock))
	rec := ledger.New(s, ledger.WithClock(clock))
	ob := outbox.New(outbox.WithBaseDelay(0))
	w := New(
		rentals.NewRepository(s, rentals.WithClock(clock)),
		emitter,
		inventory.New(s, inventory.WithClock(clock)),
		rec,
		WithClock(clock),
		WithOutbox(ob),
	)
	return &fixture{store: s, workflow: w, notify: emitter, ledger: rec, outbox: ob}
}

func (f *fixture) seedRental(t *testing.T, id string, status models.ReturnStatus) {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), models.CollectionRentals, id, models.Rental{
		BookName:        "Dune",
		BookImage:       "https://img.example.com/dune.jpg",
		UserEmail:       "ann@example.com",
		Quantity:        3,
		StartDate:       "2024-01-01",
		EndDate:         "2024-01-14",
		RentalFee:       90,
		SecurityDeposit: 150,
		Status:          models.RentalActive,
		ReturnStatus:    status,
	}))
}

func (f *fixture) seedBook(t *testing.T, quantity int) {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), models.CollectionBooks, "dune",
		models.Book{Name: "Dune", Quantity: quantity, CreatedAt: "2023-12-01T00:00:00.000Z"}))
}

func (f *fixture) rental(t *testing.T, id string) models.Rental {
	t.Helper()
	r, err := store.GetAs[models.Rental](context.Background(), f.store, models.CollectionRentals, id)
	require.NoError(t, err)
	return r
}

func (f *fixture) bookQuantity(t *testing.T) int {
	t.Helper()
	b, err := store.GetAs[models.Book](context.Background(), f.store, models.CollectionBooks, "dune")
	require.NoError(t, err)
	return b.Quantity
}

// requested puts r1 in return_requested through the workflow and returns
// the ticket id.
func (f *fixture) requested(t *testing.T) string {
	t.Helper()
	f.seedRental(t, "r1", models.ReturnWindowOpen)
	res := f.workflow.RequestReturn(context.Background(), "r1", "ann@example.com")
	require.True(t, res.Success, res.Message)
	require.NotEmpty(t, res.ID)
	return res.ID
}

func TestRequestReturnOpensTicket(t *testing.T) {
	f := setup(t)
	ticketID := f.requested(t)

	r := f.rental(t, "r1")
	assert.Equal(t, models.ReturnRequested, r.ReturnStatus)
	assert.Equal(t, "2024-01-15T10:00:00.000Z", r.ReturnRequestDate)

	ticket, err := f.notify.Ticket(context.Background(), ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketPending, ticket.Status)
	assert.Equal(t, models.TicketReturnRequest, ticket.Type)
	assert.Equal(t, "r1", ticket.RentalID)
	assert.Equal(t, 3, ticket.Quantity)
	assert.Equal(t, models.Amount(150), ticket.SecurityDeposit)
	assert.Equal(t, models.Amount(90), ticket.RentalFee)
	assert.False(t, ticket.Read)
}

func TestDuplicateRequestCreatesNoSecondTicket(t *testing.T) {
	f := setup(t)
	f.requested(t)

	res := f.workflow.RequestReturn(context.Background(), "r1", "ann@example.com")
	assert.False(t, res.Success)
	assert.Equal(t, "invalid_transition", res.Kind)

	tickets, err := f.notify.Tickets(context.Background())
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestRequestReturnRefusals(t *testing.T) {
	tests := []struct {
		name   string
		status models.ReturnStatus
		id     string
		email  string
		kind   string
	}{
		{"missing rental", models.ReturnNotReturned, "nope", "ann@example.com", "not_found"},
		{"someone else's rental", models.ReturnNotReturned, "r1", "bob@example.com", "not_found"},
		{"already returned", models.ReturnReturned, "r1", "ann@example.com", "invalid_transition"},
		{"window expired", models.ReturnExpiredNoRefund, "r1", "ann@example.com", "invalid_transition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.seedRental(t, "r1", tt.status)

			res := f.workflow.RequestReturn(context.Background(), tt.id, tt.email)
			assert.False(t, res.Success)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, tt.status, f.rental(t, "r1").ReturnStatus)
		})
	}
}

func TestAcceptReturnSideEffects(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedBook(t, 2)
	ticketID := f.requested(t)

	res := f.workflow.AcceptReturn(ctx, "r1", ticketID)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Return accepted and security deposit will be refunded!", res.Message)

	assert.Equal(t, 5, f.bookQuantity(t))

	r := f.rental(t, "r1")
	assert.Equal(t, models.ReturnReturned, r.ReturnStatus)
	assert.Equal(t, models.RentalCompleted, r.Status)
	assert.Equal(t, "2024-01-15T10:00:00.000Z", r.ReturnAcceptedDate)

	inbox, err := f.notify.ForUser(ctx, "ann@example.com")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, models.NotifySecurityRefund, inbox[0].Type)
	assert.Contains(t, inbox[0].Message, "₹150")

	ticket, err := f.notify.Ticket(ctx, ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketAccepted, ticket.Status)
	assert.Equal(t, "2024-01-15T10:00:00.000Z", ticket.AcceptedDate)

	txs, err := f.ledger.ForUser(ctx, "ann@example.com")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, models.TxSecurityRefund, txs[0].Type)
	assert.Equal(t, models.Amount(150), txs[0].Amount)
}

func TestAcceptReturnWithoutCatalogEntry(t *testing.T) {
	f := setup(t)
	ticketID := f.requested(t)

	res := f.workflow.AcceptReturn(context.Background(), "r1", ticketID)
	require.True(t, res.Success, res.Message)

	books, err := f.store.List(context.Background(), models.CollectionBooks)
	require.NoError(t, err)
	assert.Empty(t, books)
	assert.Equal(t, models.ReturnReturned, f.rental(t, "r1").ReturnStatus)
}

func TestAcceptReturnRefusals(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedRental(t, "open", models.ReturnWindowOpen)

	res := f.workflow.AcceptReturn(ctx, "missing", "")
	assert.Equal(t, "not_found", res.Kind)
	assert.Equal(t, "Rental not found.", res.Message)

	res = f.workflow.AcceptReturn(ctx, "open", "")
	assert.False(t, res.Success)
	assert.Equal(t, "invalid_transition", res.Kind)

	ticketID := f.requested(t)
	require.True(t, f.workflow.AcceptReturn(ctx, "r1", ticketID).Success)
	res = f.workflow.AcceptReturn(ctx, "r1", ticketID)
	assert.False(t, res.Success)
	assert.Equal(t, "already_processed", res.Kind)
}

func TestRejectReturn(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedBook(t, 2)
	ticketID := f.requested(t)

	res := f.workflow.RejectReturn(ctx, "r1", ticketID, "Pages are missing")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Return rejected", res.Message)

	r := f.rental(t, "r1")
	assert.Equal(t, models.ReturnRejected, r.ReturnStatus)
	assert.Equal(t, "Pages are missing", r.RejectionReason)
	assert.NotEmpty(t, r.ReturnRejectedDate)

	inbox, err := f.notify.ForUser(ctx, "ann@example.com")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, models.NotifyReturnRejected, inbox[0].Type)
	assert.Contains(t, inbox[0].Message, "Pages are missing")

	ticket, err := f.notify.Ticket(ctx, ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketRejected, ticket.Status)
	assert.True(t, ticket.Read)
	assert.Equal(t, "Pages are missing", ticket.RejectionReason)

	assert.Equal(t, 2, f.bookQuantity(t))
	txs, err := f.ledger.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs)

	res = f.workflow.RequestReturn(ctx, "r1", "ann@example.com")
	assert.False(t, res.Success, "rejection is final")
}

func TestConcurrentAcceptAndRejectHaveOneWinner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedBook(t, 2)
	ticketID := f.requested(t)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = f.workflow.AcceptReturn(ctx, "r1", ticketID).Success
	}()
	go func() {
		defer wg.Done()
		results[1] = f.workflow.RejectReturn(ctx, "r1", ticketID, "late").Success
	}()
	wg.Wait()

	assert.NotEqual(t, results[0], results[1], "exactly one decision wins")
	ticket, err := f.notify.Ticket(ctx, ticketID)
	require.NoError(t, err)
	if results[0] {
		assert.Equal(t, models.TicketAccepted, ticket.Status)
		assert.Equal(t, 5, f.bookQuantity(t))
	} else {
		assert.Equal(t, models.TicketRejected, ticket.Status)
		assert.Equal(t, 2, f.bookQuantity(t))
	}
}

func TestAcceptOnTwoInstancesRestocksOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedBook(t, 2)
	ticketID := f.requested(t)

	gate := newGateStore(f.store, models.CollectionAdminNotifications)
	instance := func() *Workflow {
		return New(
			rentals.NewRepository(gate, rentals.WithClock(func() time.Time { return fixedNow })),
			notify.New(gate, notify.WithClock(func() time.Time { return fixedNow })),
			inventory.New(gate),
			ledger.New(gate),
			WithClock(func() time.Time { return fixedNow }),
		)
	}
	workflows := []*Workflow{instance(), instance()}

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, w := range workflows {
		wg.Add(1)
		go func(i int, w *Workflow) {
			defer wg.Done()
			results[i] = w.AcceptReturn(ctx, "r1", ticketID).Success
		}(i, w)
	}
	wg.Wait()

	assert.ElementsMatch(t, []bool{true, false}, results)
	assert.Equal(t, 5, f.bookQuantity(t))
	assert.Equal(t, models.ReturnReturned, f.rental(t, "r1").ReturnStatus)
	txs, err := f.ledger.All(ctx)
	require.NoError(t, err)
	refunds := 0
	for _, tx := range txs {
		if tx.Type == models.TxSecurityRefund {
			refunds++
		}
	}
	assert.Equal(t, 1, refunds)
}

func TestFailedFirstStepReleasesClaim(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedBook(t, 2)
	ticketID := f.requested(t)

	f.store.collection = models.CollectionRentals
	f.store.failures = 100
	w := New(rentals.NewRepository(f.store), f.notify, inventory.New(f.store), f.ledger)
	res := w.RejectReturn(ctx, "r1", ticketID, "damaged")
	require.False(t, res.Success)

	f.store.failures = 0
	res = f.workflow.AcceptReturn(ctx, "r1", ticketID)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 5, f.bookQuantity(t))
}

func TestAcceptReturnDefersFailedStep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedBook(t, 2)
	ticketID := f.requested(t)
	f.store.collection = models.CollectionTransactions
	f.store.failures = 1

	res := f.workflow.AcceptReturn(ctx, "r1", ticketID)
	assert.True(t, res.Success)
	assert.Equal(t, "deferred", res.Kind)
	assert.Equal(t, models.ReturnReturned, f.rental(t, "r1").ReturnStatus)
	assert.Equal(t, 1, f.outbox.Queue().Size())

	txs, err := f.ledger.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs)

	assert.Equal(t, 1, f.outbox.RunPending(ctx))
	txs, err = f.ledger.All(ctx)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Equal(t, 5, f.bookQuantity(t), "completed steps are not repeated")
}

func TestPendingListsOpenReturnTickets(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.seedRental(t, "r2", models.ReturnRequested)
	closed, err := f.notify.EmitAdmin(ctx, notify.ReturnRequest("r2", f.rental(t, "r2"), "ann@example.com"))
	require.NoError(t, err)
	require.NoError(t, f.notify.Resolve(ctx, closed, models.TicketRejected, nil))

	open := f.requested(t)

	pending, err := f.workflow.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, open, pending[0].ID)
}
