package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"triggermail/internal/reconcile"
	"triggermail/internal/types"
)

// --- Mock SendLedger ---

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) WasSent(ctx context.Context, email string, mailing types.MailingType, externalID string) (bool, error) {
	args := m.Called(ctx, email, mailing, externalID)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) Record(ctx context.Context, email string, mailing types.MailingType, externalID string) (bool, error) {
	args := m.Called(ctx, email, mailing, externalID)
	return args.Bool(0), args.Error(1)
}

// --- Mock Notifier ---

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Send(ctx context.Context, req types.SendRequest) (types.SendAck, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.SendAck), args.Error(1)
}

// --- Mock OrderFeed ---

type mockOrderFeed struct {
	mock.Mock
}

func (m *mockOrderFeed) NewOrders(ctx context.Context) ([]types.Order, error) {
	args := m.Called(ctx)
	if o := args.Get(0); o != nil {
		return o.([]types.Order), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockOrderFeed) ShippedOrders(ctx context.Context) ([]types.Order, error) {
	args := m.Called(ctx)
	if o := args.Get(0); o != nil {
		return o.([]types.Order), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockOrderFeed) Backorders(ctx context.Context) ([]types.Order, error) {
	args := m.Called(ctx)
	if o := args.Get(0); o != nil {
		return o.([]types.Order), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockOrderFeed) AutoshipPrenotice(ctx context.Context) ([]types.Order, error) {
	args := m.Called(ctx)
	if o := args.Get(0); o != nil {
		return o.([]types.Order), args.Error(1)
	}
	return nil, args.Error(1)
}

// --- Mock CartFeed ---

type mockCartFeed struct {
	mock.Mock
}

func (m *mockCartFeed) GetAbandonedCarts(ctx context.Context, minAge time.Duration) ([]types.AbandonedCart, error) {
	args := m.Called(ctx, minAge)
	if c := args.Get(0); c != nil {
		return c.([]types.AbandonedCart), args.Error(1)
	}
	return nil, args.Error(1)
}

// --- Mock BlogReconciler ---

type mockReconciler struct {
	mock.Mock
}

func (m *mockReconciler) SeedLocal(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockReconciler) Reconcile(ctx context.Context) (*reconcile.Delta, error) {
	args := m.Called(ctx)
	if d := args.Get(0); d != nil {
		return d.(*reconcile.Delta), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockReconciler) AdvanceLocal(ctx context.Context, delta *reconcile.Delta) error {
	args := m.Called(ctx, delta)
	return args.Error(0)
}

// --- Test fixture ---

type fixture struct {
	ledger     *mockLedger
	notifier   *mockNotifier
	orders     *mockOrderFeed
	carts      *mockCartFeed
	reconciler *mockReconciler
	dispatcher *Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		ledger:     new(mockLedger),
		notifier:   new(mockNotifier),
		orders:     new(mockOrderFeed),
		carts:      new(mockCartFeed),
		reconciler: new(mockReconciler),
	}
	f.dispatcher = New(Config{
		Ledger:     f.ledger,
		Notifier:   f.notifier,
		Orders:     f.orders,
		Carts:      f.carts,
		Reconciler: f.reconciler,
		Registry: NewRegistry(EncryptKeys{
			Test:              "k-test",
			OrderConfirmation: "k-order",
			ShipConfirmation:  "k-ship",
			AutoshipPrenotice: "k-autoship",
			BackorderNotice:   "k-backorder",
			BlogSubscribe:     "k-sub",
			BlogUnsubscribe:   "k-unsub",
			CartAbandonShort:  "k-cart-short",
			CartAbandonLong:   "k-cart-long",
		}),
		TestRecipient: "ops@example.com",
		Now:           func() time.Time { return time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC) },
	})
	return f
}

func testOrder(orderNo, email string) types.Order {
	return types.Order{
		OrderNumber:    orderNo,
		CustomerNumber: "C77",
		FirstName:      "Alice",
		LastName:       "Smith",
		Email:          email,
		Subtotal:       40,
		Tax:            3.5,
		ShippingFee:    5,
		Total:          48.5,
		Items: []types.OrderItem{
			{SKU: "SKU-1", Description: "Widget", Quantity: 2, ListPrice: 20},
		},
	}
}

// --- Run Tests ---

func TestDispatcher_Run_OrderConfirmation_SendsAndRecords(t *testing.T) {
	f := newFixture()

	f.orders.On("NewOrders", mock.Anything).
		Return([]types.Order{testOrder("100234", "alice@example.com")}, nil)
	f.ledger.On("WasSent", mock.Anything, "alice@example.com", types.MailingOrderConfirmation, "100234").
		Return(false, nil)
	f.notifier.On("Send", mock.Anything, mock.MatchedBy(func(req types.SendRequest) bool {
		return req.TemplateID == 1532947 &&
			req.Random == "9D1F8080000474AA" &&
			req.Email == "alice@example.com" &&
			req.UIDKey == "email" &&
			req.Dyn["ORDERNO"] == "100234" &&
			req.Dyn["TOTAL"] == "48.50"
	})).Return(types.SendAck{ID: "ack-1"}, nil)
	f.ledger.On("Record", mock.Anything, "alice@example.com", types.MailingOrderConfirmation, "100234").
		Return(true, nil)

	summary, err := f.dispatcher.Run(context.Background(), types.MailingOrderConfirmation)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Considered)
	assert.Equal(t, 1, summary.Sent)
	assert.Zero(t, summary.Skipped)
	assert.Zero(t, summary.Raced)

	f.ledger.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

func TestDispatcher_Run_AlreadySent_Skips(t *testing.T) {
	f := newFixture()

	f.orders.On("NewOrders", mock.Anything).
		Return([]types.Order{testOrder("100234", "alice@example.com")}, nil)
	f.ledger.On("WasSent", mock.Anything, "alice@example.com", types.MailingOrderConfirmation, "100234").
		Return(true, nil)

	summary, err := f.dispatcher.Run(context.Background(), types.MailingOrderConfirmation)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Considered)
	assert.Zero(t, summary.Sent)
	assert.Equal(t, 1, summary.Skipped)

	f.notifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	f.ledger.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// The same template may go to the same address again for a later order:
// the dedup key includes the order number.
func TestDispatcher_Run_SameAddressDifferentOrder_Sends(t *testing.T) {
	f := newFixture()

	f.orders.On("NewOrders", mock.Anything).
		Return([]types.Order{
			testOrder("100234", "alice@example.com"),
			testOrder("100235", "alice@example.com"),
		}, nil)
	f.ledger.On("WasSent", mock.Anything, "alice@example.com", types.MailingOrderConfirmation, "100234").
		Return(true, nil)
	f.ledger.On("WasSent", mock.Anything, "alice@example.com", types.MailingOrderConfirmation, "100235").
		Return(false, nil)
	f.notifier.On("Send", mock.Anything, mock.Anything).
		Return(types.SendAck{ID: "ack-2"}, nil).Once()
	f.ledger.On("Record", mock.Anything, "alice@example.com", types.MailingOrderConfirmation, "100235").
		Return(true, nil)

	summary, err := f.dispatcher.Run(context.Background(), types.MailingOrderConfirmation)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Considered)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, summary.Skipped)
}

func TestDispatcher_Run_SendFails_AbortsWithoutRecord(t *testing.T) {
	f := newFixture()

	f.orders.On("NewOrders", mock.Anything).
		Return([]types.Order{testOrder("100234", "alice@example.com")}, nil)
	f.ledger.On("WasSent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, nil)
	f.notifier.On("Send", mock.Anything, mock.Anything).
		Return(types.SendAck{}, errors.New("provider 503"))

	summary, err := f.dispatcher.Run(context.Background(), types.MailingOrderConfirmation)
	require.Error(t, err)
	assert.Zero(t, summary.Sent)

	// No ledger record: the next run re-attempts this event.
	f.ledger.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_Run_RecordFailsAfterSend_Aborts(t *testing.T) {
	f := newFixture()

	f.orders.On("NewOrders", mock.Anything).
		Return([]types.Order{testOrder("100234", "alice@example.com")}, nil)
	f.ledger.On("WasSent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, nil)
	f.notifier.On("Send", mock.Anything, mock.Anything).
		Return(types.SendAck{ID: "ack-1"}, nil)
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, errors.New("connection lost"))

	summary, err := f.dispatcher.Run(context.Background(), types.MailingOrderConfirmation)
	require.Error(t, err)
	assert.Zero(t, summary.Sent)
}

// Record returning created=false means a concurrent invocation claimed the
// row between our check and our send. The run continues and counts the race.
func TestDispatcher_Run_LostRace_CountsRaced(t *testing.T) {
	f := newFixture()

	f.orders.On("NewOrders", mock.Anything).
		Return([]types.Order{testOrder("100234", "alice@example.com")}, nil)
	f.ledger.On("WasSent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, nil)
	f.notifier.On("Send", mock.Anything, mock.Anything).
		Return(types.SendAck{ID: "ack-1"}, nil)
	f.ledger.On("Record", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, nil)

	summary, err := f.dispatcher.Run(context.Background(), types.MailingOrderConfirmation)
	require.NoError(t, err)
	assert.Zero(t, summary.Sent)
	assert.Equal(t, 1, summary.Raced)
}

func TestDispatcher_Run_OrderWithoutEmail_Dropped(t *testing.T) {
	f := newFixture()

	f.orders.On("NewOrders", mock.Anything).
		Return([]types.Order{testOrder("100234", "")}, nil)

	summary, err := f.dispatcher.Run(context.Background(), types.MailingOrderConfirmation)
	require.NoError(t, err)
	assert.Zero(t, summary.Considered)
	f.notifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestDispatcher_Run_FeedError_Aborts(t *testing.T) {
	f := newFixture()

	f.orders.On("ShippedOrders", mock.Anything).
		Return(nil, errors.New("orderdb unreachable"))

	_, err := f.dispatcher.Run(context.Background(), types.MailingShipConfirmation)
	require.Error(t, err)
	f.notifier.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

// --- Blog mailing Tests ---

func TestDispatcher_Run_BlogSubscribe_AdvancesOnlySubscribedHalf(t *testing.T) {
	f := newFixture()

	delta := &reconcile.Delta{
		Subscribed:   []types.Subscriber{{Email: "new@example.com", DisplayName: "New"}},
		Unsubscribed: []types.Subscriber{{Email: "gone@example.com", DisplayName: "Gone"}},
	}
	f.reconciler.On("SeedLocal", mock.Anything).Return(0, nil)
	f.reconciler.On("Reconcile", mock.Anything).Return(delta, nil)
	f.ledger.On("WasSent", mock.Anything, "new@example.com", types.MailingBlogSubscribe, "").
		Return(false, nil)
	f.notifier.On("Send", mock.Anything, mock.MatchedBy(func(req types.SendRequest) bool {
		return req.TemplateID == 1537448 && req.Dyn["DISPLAYNAME"] == "New"
	})).Return(types.SendAck{ID: "ack-sub"}, nil)
	f.ledger.On("Record", mock.Anything, "new@example.com", types.MailingBlogSubscribe, "").
		Return(true, nil)
	f.reconciler.On("AdvanceLocal", mock.Anything, mock.MatchedBy(func(d *reconcile.Delta) bool {
		return len(d.Subscribed) == 1 && len(d.Unsubscribed) == 0
	})).Return(nil)

	summary, err := f.dispatcher.Run(context.Background(), types.MailingBlogSubscribe)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	f.reconciler.AssertExpectations(t)
}

func TestDispatcher_Run_BlogUnsubscribe_AdvancesOnlyUnsubscribedHalf(t *testing.T) {
	f := newFixture()

	delta := &reconcile.Delta{
		Subscribed:   []types.Subscriber{{Email: "new@example.com"}},
		Unsubscribed: []types.Subscriber{{Email: "gone@example.com", DisplayName: "Gone"}},
	}
	f.reconciler.On("SeedLocal", mock.Anything).Return(0, nil)
	f.reconciler.On("Reconcile", mock.Anything).Return(delta, nil)
	f.ledger.On("WasSent", mock.Anything, "gone@example.com", types.MailingBlogUnsubscribe, "").
		Return(false, nil)
	f.notifier.On("Send", mock.Anything, mock.MatchedBy(func(req types.SendRequest) bool {
		return req.TemplateID == 1537449
	})).Return(types.SendAck{ID: "ack-unsub"}, nil)
	f.ledger.On("Record", mock.Anything, "gone@example.com", types.MailingBlogUnsubscribe, "").
		Return(true, nil)
	f.reconciler.On("AdvanceLocal", mock.Anything, mock.MatchedBy(func(d *reconcile.Delta) bool {
		return len(d.Subscribed) == 0 && len(d.Unsubscribed) == 1
	})).Return(nil)

	summary, err := f.dispatcher.Run(context.Background(), types.MailingBlogUnsubscribe)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	f.reconciler.AssertExpectations(t)
}

// A failed blog dispatch must not advance the cache; the same delta is
// re-detected next run.
func TestDispatcher_Run_BlogSubscribe_SendFails_NoAdvance(t *testing.T) {
	f := newFixture()

	delta := &reconcile.Delta{
		Subscribed: []types.Subscriber{{Email: "new@example.com"}},
	}
	f.reconciler.On("SeedLocal", mock.Anything).Return(0, nil)
	f.reconciler.On("Reconcile", mock.Anything).Return(delta, nil)
	f.ledger.On("WasSent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, nil)
	f.notifier.On("Send", mock.Anything, mock.Anything).
		Return(types.SendAck{}, errors.New("provider down"))

	_, err := f.dispatcher.Run(context.Background(), types.MailingBlogSubscribe)
	require.Error(t, err)
	f.reconciler.AssertNotCalled(t, "AdvanceLocal", mock.Anything, mock.Anything)
}

// --- Cart mailing Tests ---

func TestDispatcher_Run_CartShort_UsesShortDelayAndNoExternalID(t *testing.T) {
	f := newFixture()

	f.carts.On("GetAbandonedCarts", mock.Anything, CartShortDelay).
		Return([]types.AbandonedCart{
			{CartID: "cart-9", Email: "bob@example.com", FirstName: "Bob"},
		}, nil)
	f.ledger.On("WasSent", mock.Anything, "bob@example.com", types.MailingCartAbandonShort, "").
		Return(false, nil)
	f.notifier.On("Send", mock.Anything, mock.MatchedBy(func(req types.SendRequest) bool {
		return req.TemplateID == 1537405 && req.Dyn["CARTID"] == "cart-9"
	})).Return(types.SendAck{ID: "ack-cart"}, nil)
	f.ledger.On("Record", mock.Anything, "bob@example.com", types.MailingCartAbandonShort, "").
		Return(true, nil)

	summary, err := f.dispatcher.Run(context.Background(), types.MailingCartAbandonShort)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	f.carts.AssertExpectations(t)
}

func TestDispatcher_Run_CartLong_UsesLongDelay(t *testing.T) {
	f := newFixture()

	f.carts.On("GetAbandonedCarts", mock.Anything, CartLongDelay).
		Return([]types.AbandonedCart{}, nil)

	summary, err := f.dispatcher.Run(context.Background(), types.MailingCartAbandonLong)
	require.NoError(t, err)
	assert.Zero(t, summary.Considered)
	f.carts.AssertExpectations(t)
}

// --- Test mailing ---

// The smoke test goes to the configured recipient with the run ID as its
// external reference, so every run lands exactly once and stays auditable.
func TestDispatcher_Run_TestMailing(t *testing.T) {
	f := newFixture()

	ctx := types.WithRunID(context.Background(), "run-123")

	f.ledger.On("WasSent", mock.Anything, "ops@example.com", types.MailingTest, "run-123").
		Return(false, nil)
	f.notifier.On("Send", mock.Anything, mock.MatchedBy(func(req types.SendRequest) bool {
		return req.TemplateID == 15367 &&
			req.Random == "FA6100040001FF8C" &&
			req.Email == "ops@example.com" &&
			req.Content[1] == "<table border='5'><tr><td>"
	})).Return(types.SendAck{ID: "ack-test"}, nil)
	f.ledger.On("Record", mock.Anything, "ops@example.com", types.MailingTest, "run-123").
		Return(true, nil)

	summary, err := f.dispatcher.Run(ctx, types.MailingTest)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
}

// --- Registry Tests ---

func TestRegistry_Lookup_AllMailingTypes(t *testing.T) {
	reg := NewRegistry(EncryptKeys{})
	for _, mt := range types.AllMailingTypes {
		def, ok := reg.Lookup(mt)
		require.True(t, ok, "mailing type %s missing from registry", mt)
		assert.NotZero(t, def.TemplateID)
		assert.NotEmpty(t, def.Random)
	}
}

func TestRegistry_Lookup_KeysWiredPerTemplate(t *testing.T) {
	reg := NewRegistry(EncryptKeys{
		OrderConfirmation: "k-order",
		CartAbandonLong:   "k-cart-long",
	})

	def, ok := reg.Lookup(types.MailingOrderConfirmation)
	require.True(t, ok)
	assert.Equal(t, "k-order", def.EncryptKey.Unmask())

	def, ok = reg.Lookup(types.MailingCartAbandonLong)
	require.True(t, ok)
	assert.Equal(t, "k-cart-long", def.EncryptKey.Unmask())
}

// --- Personalization Tests ---

func TestOrderDyn_BaseFields(t *testing.T) {
	dyn := orderDyn(testOrder("100234", "alice@example.com"))

	assert.Equal(t, "Alice", dyn["FIRSTNAME"])
	assert.Equal(t, "100234", dyn["ORDERNO"])
	assert.Equal(t, "40.00", dyn["SUBTOTAL"])
	assert.Equal(t, "48.50", dyn["TOTAL"])
	assert.Equal(t, "TBD", dyn["EXPECT_SHIP"])

	// Optional fields are absent, not empty.
	_, hasDiscount := dyn["DISCOUNT"]
	assert.False(t, hasDiscount)
	_, hasTracking := dyn["TRACKINGNO"]
	assert.False(t, hasTracking)
}

func TestOrderDyn_OptionalFields(t *testing.T) {
	o := testOrder("100234", "alice@example.com")
	o.Discount = 4
	o.PromoCode = "SPRING"
	o.PromoDiscount = 2.5
	o.TrackingNumber = "1Z999"
	o.ExpectedShip = time.Date(2026, 4, 7, 0, 0, 0, 0, time.UTC)

	dyn := orderDyn(o)
	assert.Equal(t, "4.00", dyn["DISCOUNT"])
	assert.Equal(t, "SPRING", dyn["PROMOCODE"])
	assert.Equal(t, "2.50", dyn["PROMODISCOUNT"])
	assert.Equal(t, "1Z999", dyn["TRACKINGNO"])
	assert.Equal(t, "2026-04-07", dyn["EXPECT_SHIP"])
}

func TestItemRowsContent_EscapesHTML(t *testing.T) {
	rows := itemRowsContent([]types.OrderItem{
		{SKU: "SKU<1>", Description: "Fish & Chips", Quantity: 3, ListPrice: 2},
	})

	assert.Contains(t, rows, "SKU&lt;1&gt;")
	assert.Contains(t, rows, "Fish &amp; Chips")
	assert.Contains(t, rows, "<td>3</td>")
	assert.Contains(t, rows, "<td>6.00</td>")
}

func TestItemRowsContent_Empty(t *testing.T) {
	assert.Empty(t, itemRowsContent(nil))
}
