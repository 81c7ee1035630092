package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/broker"
	"marketplace-service/internal/cart"
	"marketplace-service/internal/gateway"
	"marketplace-service/internal/lifecycle"
	"marketplace-service/internal/models"
	"marketplace-service/internal/orderapi"
	"marketplace-service/internal/pricing"
	"marketplace-service/internal/service"
	"marketplace-service/internal/store/memstore"
	"marketplace-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *memstore.Store
	gw      *gateway.Sandbox
	wallets *service.WalletService
	backend *service.Backend
	guard   *Guard
	coord   *Coordinator
}

func newFixture(t *testing.T, timeout time.Duration, wrap func(orderapi.API) orderapi.API) *fixture {
	t.Helper()
	require.NoError(t, util.InitLogger("test"))
	coupons, err := pricing.ParseCoupons("INDIA10:10%")
	require.NoError(t, err)

	f := &fixture{store: memstore.New(), gw: gateway.NewSandbox("rzp_test_key", "secret")}
	handler := broker.NewEventHandler()
	publisher := broker.NewEventPublisher(broker.NewLocalBus(handler))

	orders := service.NewOrderService(f.store, f.store, f.gw, publisher, service.OrderServiceOptions{
		Coupons: coupons, Currency: "INR", ManualCapture: true,
	})
	f.wallets = service.NewWalletService(f.store, publisher)
	service.NewSettlementOrchestrator(f.store, f.store, f.wallets).Register(handler)
	f.backend = service.NewBackend(orders, service.NewPaymentService(f.store, f.gw, "INR"))

	var api orderapi.API = f.backend
	if wrap != nil {
		api = wrap(api)
	}
	f.guard = NewGuard(timeout, nil, 0)
	f.coord = NewCoordinator(api, f.guard, Options{Currency: "INR", Retries: 3, RetryBackoff: time.Millisecond})
	return f
}

func (f *fixture) orders(t *testing.T, ids []string) []models.Order {
	t.Helper()
	orders, err := f.store.GetOrdersByIDs(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, orders, len(ids))
	return orders
}

func (f *fixture) balance(t *testing.T, seller string) int64 {
	t.Helper()
	w, err := f.wallets.GetWallet(context.Background(), seller)
	require.NoError(t, err)
	return w.Balance
}

// gatedAPI holds Quote until gate is closed or the call's context ends.
type gatedAPI struct {
	orderapi.API
	gate chan struct{}
}

func (g *gatedAPI) Quote(ctx context.Context, req *orderapi.QuoteRequest) (*pricing.Quote, error) {
	select {
	case <-g.gate:
		return g.API.Quote(ctx, req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// slowCreateAPI holds CreateOrder until gate is closed, then writes the
// orders regardless of the caller's deadline.
type slowCreateAPI struct {
	orderapi.API
	gate chan struct{}
}

func (s *slowCreateAPI) CreateOrder(_ context.Context, req *orderapi.CreateOrderRequest) (*orderapi.CreateOrderResult, error) {
	<-s.gate
	return s.API.CreateOrder(context.Background(), req)
}

func submission(method string) SubmitInput {
	return SubmitInput{
		SessionID: "sess-1",
		UserID:    "u1",
		Email:     "asha@example.com",
		Lines: []cart.Line{
			{ProductID: "p1", SellerID: "S1", SellerListingID: "l1", Quantity: 2, UnitPrice: decimal.NewFromInt(500)},
			{ProductID: "p2", SellerID: "S2", SellerListingID: "l2", Quantity: 1, UnitPrice: decimal.NewFromInt(500)},
		},
		ShippingAddress: models.ShippingAddress{
			Name: "Asha", Street: "12 MG Road", City: "Pune", State: "MH", PostalCode: "411001", Phone: "9876543210",
		},
		PaymentMethod: method,
		CouponCode:    "INDIA10",
	}
}

func (f *fixture) pay(a *Attempt) models.PaymentConfirmation {
	paymentID, sig := f.gw.Pay(a.Collection.IntentID)
	return models.PaymentConfirmation{
		GatewayOrderID:   a.Collection.IntentID,
		GatewayPaymentID: paymentID,
		Signature:        sig,
	}
}

func TestCheckoutPaysBothSellers(t *testing.T) {
	f := newFixture(t, time.Minute, nil)
	ctx := context.Background()

	a, err := f.coord.Submit(ctx, submission(models.PaymentMethodRazorpay))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingCollection, a.State)
	assert.Equal(t, int64(150000), a.Quote.Subtotal)
	assert.Equal(t, int64(15000), a.Quote.Discount)
	require.NotNil(t, a.Collection)
	assert.Equal(t, int64(135000), a.Collection.Amount)
	assert.Equal(t, "rzp_test_key", a.Collection.KeyID)
	assert.Equal(t, "2 orders from 2 sellers", a.Collection.Description)
	require.Len(t, a.Orders, 2)
	assert.True(t, f.coord.InFlight("sess-1"))

	conf := f.pay(a)
	a, err = f.coord.Confirm(ctx, "sess-1", a.Key, conf)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, a.State)
	assert.False(t, f.coord.InFlight("sess-1"))

	for _, o := range f.orders(t, a.OrderIDs()) {
		assert.Equal(t, models.PaymentStatusPaid, o.PaymentStatus)
	}
	captured, ok := f.gw.Captured(conf.GatewayPaymentID)
	require.True(t, ok)
	assert.Equal(t, int64(135000), captured)

	assert.Equal(t, int64(90000), f.balance(t, "S1"))
	assert.Equal(t, int64(45000), f.balance(t, "S2"))

	// A replayed confirmation is refused and credits nothing more.
	_, err = f.coord.Confirm(ctx, "sess-1", a.Key, conf)
	assert.ErrorIs(t, err, apperr.ErrAttemptResolved)
	assert.Equal(t, int64(90000), f.balance(t, "S1"))
}

func TestCheckoutVerificationFailure(t *testing.T) {
	f := newFixture(t, time.Minute, nil)
	ctx := context.Background()

	a, err := f.coord.Submit(ctx, submission(models.PaymentMethodRazorpay))
	require.NoError(t, err)

	conf := f.pay(a)
	conf.Signature = "deadbeef"
	a, err = f.coord.Confirm(ctx, "sess-1", a.Key, conf)
	assert.ErrorIs(t, err, apperr.ErrVerificationFailed)
	assert.Equal(t, StateFailed, a.State)
	assert.Equal(t, "verification_failed", a.ErrorKind)

	_, captured := f.gw.Captured(conf.GatewayPaymentID)
	assert.False(t, captured)
	for _, o := range f.orders(t, a.OrderIDs()) {
		assert.Contains(t, []string{models.PaymentStatusPending, models.PaymentStatusFailed}, o.PaymentStatus)
	}
	assert.Zero(t, f.balance(t, "S1"))
	assert.Zero(t, f.balance(t, "S2"))

	// The guard is free for a retry.
	assert.False(t, f.coord.InFlight("sess-1"))
	_, err = f.coord.Submit(ctx, submission(models.PaymentMethodRazorpay))
	assert.NoError(t, err)
}

func TestCheckoutLostResponseIsAnsweredAsDuplicate(t *testing.T) {
	f := newFixture(t, time.Minute, nil)
	ctx := context.Background()

	f.store.LoseCreates(1)
	a, err := f.coord.Submit(ctx, submission(models.PaymentMethodRazorpay))
	require.NoError(t, err)
	assert.True(t, a.IsDuplicate)
	assert.Equal(t, StateAwaitingCollection, a.State)

	all, err := f.store.ListOrders(ctx, models.OrderFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)
	assert.Equal(t, 1, f.gw.Intents())
}

func TestCheckoutRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, time.Minute, nil)
	ctx := context.Background()

	f.store.FailCreates(3)
	a, err := f.coord.Submit(ctx, submission(models.PaymentMethodCOD))
	require.Error(t, err)
	assert.Equal(t, StateFailed, a.State)
	assert.Equal(t, "internal", a.ErrorKind)
	assert.False(t, f.coord.InFlight("sess-1"))

	f.store.FailCreates(2)
	a, err = f.coord.Submit(ctx, submission(models.PaymentMethodCOD))
	require.NoError(t, err)
	assert.Equal(t, StateResolved, a.State)
	assert.Len(t, a.Orders, 2)
}

func TestCashOnDeliveryResolvesImmediately(t *testing.T) {
	f := newFixture(t, time.Minute, nil)

	a, err := f.coord.Submit(context.Background(), submission(models.PaymentMethodCOD))
	require.NoError(t, err)
	assert.Equal(t, StateResolved, a.State)
	assert.Nil(t, a.Collection)
	assert.False(t, f.coord.InFlight("sess-1"))
	for _, o := range f.orders(t, a.OrderIDs()) {
		assert.Equal(t, models.PaymentStatusPending, o.PaymentStatus)
		assert.Equal(t, models.OrderStatusPending, o.Status)
	}
	assert.Zero(t, f.balance(t, "S1"))
}

func TestValidationFailsBeforeGuard(t *testing.T) {
	f := newFixture(t, time.Minute, nil)
	in := submission(models.PaymentMethodRazorpay)
	in.Lines = nil

	_, err := f.coord.Submit(context.Background(), in)
	assert.ErrorIs(t, err, apperr.ErrEmptyCart)
	assert.False(t, f.coord.InFlight("sess-1"))
}

func TestSecondSubmitWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, time.Minute, func(api orderapi.API) orderapi.API {
		return &gatedAPI{API: api, gate: gate}
	})
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		first *Attempt
		err1  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, err1 = f.coord.Submit(ctx, submission(models.PaymentMethodCOD))
	}()
	require.Eventually(t, func() bool { return f.coord.InFlight("sess-1") }, time.Second, time.Millisecond)

	_, err := f.coord.Submit(ctx, submission(models.PaymentMethodCOD))
	assert.ErrorIs(t, err, apperr.ErrAlreadyInFlight)

	close(gate)
	wg.Wait()
	require.NoError(t, err1)
	assert.Equal(t, StateResolved, first.State)

	all, err := f.store.ListOrders(ctx, models.OrderFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)
}

func TestSubmitTimesOutWhileWaiting(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, 50*time.Millisecond, func(api orderapi.API) orderapi.API {
		return &gatedAPI{API: api, gate: gate}
	})

	a, err := f.coord.Submit(context.Background(), submission(models.PaymentMethodRazorpay))
	assert.ErrorIs(t, err, apperr.ErrSubmissionTimeout)
	assert.True(t, a.State.Terminal())
	assert.Eventually(t, func() bool { return !f.coord.InFlight("sess-1") }, time.Second, time.Millisecond)
}

func TestAwaitingCollectionTimesOutAndLatePaymentSettles(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, nil)
	ctx := context.Background()

	a, err := f.coord.Submit(ctx, submission(models.PaymentMethodRazorpay))
	require.NoError(t, err)
	require.Equal(t, StateAwaitingCollection, a.State)

	actx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	done, err := f.coord.Await(actx, a.Key)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, done.State)
	assert.Equal(t, "submission_timeout", done.ErrorKind)
	assert.False(t, f.coord.InFlight("sess-1"))

	ids := a.OrderIDs()
	assert.Eventually(t, func() bool {
		for _, o := range f.orders(t, ids) {
			if o.PaymentStatus != models.PaymentStatusFailed {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	// The user completed payment after the deadline.
	late, err := f.coord.Confirm(ctx, "sess-1", a.Key, f.pay(a))
	require.NoError(t, err)
	assert.Equal(t, StateResolved, late.State)
	for _, o := range f.orders(t, ids) {
		assert.Equal(t, models.PaymentStatusPaid, o.PaymentStatus)
	}
	assert.Equal(t, int64(90000), f.balance(t, "S1"))
}

func TestCancelReleasesGuardAndFailsOrders(t *testing.T) {
	f := newFixture(t, time.Minute, nil)
	ctx := context.Background()

	a, err := f.coord.Submit(ctx, submission(models.PaymentMethodRazorpay))
	require.NoError(t, err)

	_, err = f.coord.Cancel(ctx, "other-session", a.Key)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	cancelled, err := f.coord.Cancel(ctx, "sess-1", a.Key)
	assert.ErrorIs(t, err, apperr.ErrPaymentCancelled)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.False(t, f.coord.InFlight("sess-1"))
	for _, o := range f.orders(t, a.OrderIDs()) {
		assert.Equal(t, models.PaymentStatusFailed, o.PaymentStatus)
	}

	_, err = f.coord.Confirm(ctx, "sess-1", a.Key, f.pay(a))
	assert.ErrorIs(t, err, apperr.ErrAttemptResolved)

	_, err = f.coord.Cancel(ctx, "sess-1", a.Key)
	assert.ErrorIs(t, err, apperr.ErrAttemptResolved)
}

func TestConfirmForAnotherIntentFails(t *testing.T) {
	f := newFixture(t, time.Minute, nil)
	ctx := context.Background()

	a, err := f.coord.Submit(ctx, submission(models.PaymentMethodRazorpay))
	require.NoError(t, err)

	paymentID, sig := f.gw.Pay("order_someoneelse")
	_, err = f.coord.Confirm(ctx, "sess-1", a.Key, models.PaymentConfirmation{
		GatewayOrderID: "order_someoneelse", GatewayPaymentID: paymentID, Signature: sig,
	})
	assert.ErrorIs(t, err, apperr.ErrVerificationFailed)

	counts := f.coord.Counts()
	assert.Equal(t, 1, counts[StateFailed])
}

func TestCashOnDeliveryWrittenAfterDeadlineResolves(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, 50*time.Millisecond, func(api orderapi.API) orderapi.API {
		return &slowCreateAPI{API: api, gate: gate}
	})

	var (
		wg  sync.WaitGroup
		a   *Attempt
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		a, err = f.coord.Submit(context.Background(), submission(models.PaymentMethodCOD))
	}()
	require.Eventually(t, func() bool { return f.coord.Counts()[StateTimedOut] == 1 }, time.Second, time.Millisecond)

	close(gate)
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateResolved, a.State)
	assert.Empty(t, a.ErrorKind)
	require.Len(t, a.Orders, 2)
	for _, o := range f.orders(t, a.OrderIDs()) {
		assert.Equal(t, models.OrderStatusPending, o.Status)
	}
	assert.Equal(t, 1, f.coord.Counts()[StateResolved])
	assert.False(t, f.coord.InFlight("sess-1"))
}

func TestConfirmRefusedWhenAnOrderWasCancelled(t *testing.T) {
	f := newFixture(t, time.Minute, nil)
	ctx := context.Background()

	a, err := f.coord.Submit(ctx, submission(models.PaymentMethodRazorpay))
	require.NoError(t, err)
	ids := a.OrderIDs()
	require.Len(t, ids, 2)

	// A lone order cannot leave while the shared payment is outstanding.
	_, err = f.backend.CancelOrder(ctx, ids[0], "changed my mind")
	assert.ErrorIs(t, err, apperr.ErrPaymentPending)
	for _, o := range f.orders(t, ids) {
		assert.Equal(t, models.OrderStatusPending, o.Status)
	}

	// Cancelled out of band; the payment must not be taken.
	_, err = f.store.UpdateOrders(ctx, ids[:1], func(orders []*models.Order) error {
		return lifecycle.Cancel(orders[0], "cancelled by support")
	})
	require.NoError(t, err)

	conf := f.pay(a)
	a, err = f.coord.Confirm(ctx, "sess-1", a.Key, conf)
	assert.ErrorIs(t, err, apperr.ErrIllegalTransition)
	assert.Equal(t, StateFailed, a.State)

	_, captured := f.gw.Captured(conf.GatewayPaymentID)
	assert.False(t, captured)
	for _, o := range f.orders(t, ids) {
		assert.NotEqual(t, models.PaymentStatusPaid, o.PaymentStatus)
	}
	assert.Zero(t, f.balance(t, "S1"))
	assert.Zero(t, f.balance(t, "S2"))
	assert.False(t, f.coord.InFlight("sess-1"))
}
