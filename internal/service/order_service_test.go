package service

import (
	"context"
	"sync"
	"testing"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/cart"
	"marketplace-service/internal/models"
	"marketplace-service/internal/orderapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrderSplitsBySellerWithCoupon(t *testing.T) {
	h := newHarness(t, false)

	intent, res := h.placeGateway(t, "order_u1_1_aaaaaaaa", twoSellerCart(), "india10")
	assert.False(t, res.IsDuplicate)
	require.Len(t, res.Orders, 2)

	s1, s2 := res.Orders[0], res.Orders[1]
	assert.Equal(t, "S1", s1.SellerID)
	assert.Equal(t, int64(100000), s1.Subtotal)
	assert.Equal(t, int64(10000), s1.Discount)
	assert.Equal(t, int64(90000), s1.TotalPrice)
	assert.Equal(t, "S2", s2.SellerID)
	assert.Equal(t, int64(27000), s2.TotalPrice)
	assert.Equal(t, intent.Amount, s1.TotalPrice+s2.TotalPrice)

	for _, o := range res.Orders {
		assert.Equal(t, models.OrderStatusPending, o.Status)
		assert.Equal(t, models.PaymentStatusPending, o.PaymentStatus)
		assert.Equal(t, intent.ID, o.GatewayOrderID)
		assert.Equal(t, "INDIA10", o.CouponCode)
	}
	assert.Contains(t, h.bus.Types(), models.EventTypeOrdersCreated)
}

func TestCreateOrderIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	req := &orderapi.CreateOrderRequest{
		UserID:          "u1",
		Lines:           twoSellerCart(),
		ShippingAddress: address(),
		PaymentMethod:   models.PaymentMethodCOD,
		IdempotencyKey:  "order_u1_2_bbbbbbbb",
	}
	first, err := h.backend.CreateOrder(ctx, req)
	require.NoError(t, err)

	second, err := h.backend.CreateOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, models.OrderIDs(first.Orders), models.OrderIDs(second.Orders))

	all, err := h.orders.GetOrders(ctx, models.OrderFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)
}

func TestConcurrentCreateOrderCreatesOneSet(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*orderapi.CreateOrderResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.backend.CreateOrder(ctx, &orderapi.CreateOrderRequest{
				UserID:          "u1",
				Lines:           twoSellerCart(),
				ShippingAddress: address(),
				PaymentMethod:   models.PaymentMethodCOD,
				IdempotencyKey:  "order_u1_3_cccccccc",
			})
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		require.NotNil(t, res)
		if !res.IsDuplicate {
			fresh++
		}
		assert.Equal(t, models.OrderIDs(results[0].Orders), models.OrderIDs(res.Orders))
	}
	assert.Equal(t, 1, fresh)

	all, err := h.orders.GetOrders(ctx, models.OrderFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Total)
}

func TestCreateOrderRejectsInvalidSubmissions(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	unlisted := line("p9", "", 1, "10")
	unlisted.SellerListingID = ""

	tests := []struct {
		name string
		req  orderapi.CreateOrderRequest
		kind string
	}{
		{"empty cart", orderapi.CreateOrderRequest{ShippingAddress: address(), PaymentMethod: "cod"}, "empty_cart"},
		{"unlisted item", orderapi.CreateOrderRequest{Lines: append(twoSellerCart(), unlisted), ShippingAddress: address(), PaymentMethod: "cod"}, "unlisted_item"},
		{"missing address", orderapi.CreateOrderRequest{Lines: twoSellerCart(), PaymentMethod: "cod"}, "incomplete_shipping_info"},
		{"no payment method", orderapi.CreateOrderRequest{Lines: twoSellerCart(), ShippingAddress: address()}, "no_payment_method"},
		{"unknown coupon", orderapi.CreateOrderRequest{Lines: twoSellerCart(), ShippingAddress: address(), PaymentMethod: "cod", CouponCode: "NOPE"}, "invalid_coupon"},
		{"gateway without intent", orderapi.CreateOrderRequest{Lines: twoSellerCart(), ShippingAddress: address(), PaymentMethod: "razorpay"}, "intent_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.IdempotencyKey = "order_u1_" + tt.name
			_, err := h.backend.CreateOrder(ctx, &req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.Kind(err))
		})
	}

	all, err := h.orders.GetOrders(ctx, models.OrderFilter{})
	require.NoError(t, err)
	assert.Zero(t, all.Total)
}

func TestCreateOrderRejectsIntentAmountMismatch(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	intent, err := h.backend.CreateGatewayIntent(ctx, &orderapi.IntentRequest{IdempotencyKey: "k-mismatch", Amount: 100})
	require.NoError(t, err)

	_, err = h.backend.CreateOrder(ctx, &orderapi.CreateOrderRequest{
		UserID: "u1", Lines: twoSellerCart(), ShippingAddress: address(),
		PaymentMethod: models.PaymentMethodRazorpay, IdempotencyKey: "k-mismatch", GatewayOrderID: intent.ID,
	})
	assert.ErrorIs(t, err, apperr.ErrAmountMismatch)
}

func TestCaptureAndMarkPaidSettlesEverySeller(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	intent, res := h.placeGateway(t, "order_u1_4_dddddddd", twoSellerCart(), "")
	ids := models.OrderIDs(res.Orders)
	conf := h.confirmation(intent.ID)

	require.NoError(t, h.backend.CaptureAndMarkPaid(ctx, ids, conf))

	captured, ok := h.gw.Captured(conf.GatewayPaymentID)
	require.True(t, ok)
	assert.Equal(t, int64(130000), captured)

	orders, err := h.store.GetOrdersByIDs(ctx, ids)
	require.NoError(t, err)
	for _, o := range orders {
		assert.Equal(t, models.PaymentStatusPaid, o.PaymentStatus)
		assert.Equal(t, conf.GatewayPaymentID, o.GatewayPaymentID)
	}

	s1, err := h.wallets.GetWallet(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), s1.Balance)
	s2, err := h.wallets.GetWallet(ctx, "S2")
	require.NoError(t, err)
	assert.Equal(t, int64(30000), s2.Balance)

	// Replaying the confirmation changes nothing.
	require.NoError(t, h.backend.CaptureAndMarkPaid(ctx, ids, conf))
	s1, _ = h.wallets.GetWallet(ctx, "S1")
	assert.Equal(t, int64(100000), s1.Balance)
	require.NoError(t, h.wallets.VerifyLedger(ctx, "S1"))
}

func TestCaptureRejectsForgedSignature(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	intent, res := h.placeGateway(t, "order_u1_5_eeeeeeee", twoSellerCart(), "")
	conf := h.confirmation(intent.ID)
	conf.Signature = "forged"

	err := h.backend.CaptureAndMarkPaid(ctx, models.OrderIDs(res.Orders), conf)
	assert.ErrorIs(t, err, apperr.ErrVerificationFailed)

	orders, _ := h.store.GetOrdersByIDs(ctx, models.OrderIDs(res.Orders))
	for _, o := range orders {
		assert.Equal(t, models.PaymentStatusPending, o.PaymentStatus)
	}
	_, ok := h.gw.Captured(conf.GatewayPaymentID)
	assert.False(t, ok)
}

func TestCaptureFailureLeavesOrdersUnpaid(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	intent, res := h.placeGateway(t, "order_u1_6_ffffffff", twoSellerCart(), "")
	ids := models.OrderIDs(res.Orders)
	conf := h.confirmation(intent.ID)

	h.gw.FailCapture = 1
	err := h.backend.CaptureAndMarkPaid(ctx, ids, conf)
	assert.ErrorIs(t, err, apperr.ErrCaptureFailed)

	orders, _ := h.store.GetOrdersByIDs(ctx, ids)
	for _, o := range orders {
		assert.NotEqual(t, models.PaymentStatusPaid, o.PaymentStatus)
	}

	// A retry of the same confirmation succeeds.
	require.NoError(t, h.backend.CaptureAndMarkPaid(ctx, ids, conf))
}

func TestCaptureRejectsPartialOrderSet(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	intent, res := h.placeGateway(t, "order_u1_7_gggggggg", twoSellerCart(), "")
	conf := h.confirmation(intent.ID)

	err := h.backend.CaptureAndMarkPaid(ctx, []string{res.Orders[0].ID}, conf)
	assert.ErrorIs(t, err, apperr.ErrAmountMismatch)
}

func TestCancelRefusedWhilePaymentPending(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	intent, res := h.placeGateway(t, "order_u1_30_tttttttt", twoSellerCart(), "")
	ids := models.OrderIDs(res.Orders)

	_, err := h.orders.CancelOrder(ctx, ids[0], "changed my mind")
	assert.ErrorIs(t, err, apperr.ErrPaymentPending)
	assert.Equal(t, "payment_pending", apperr.Kind(err))

	// Once the attempt has failed the order may go on its own.
	require.NoError(t, h.backend.MarkPaymentFailed(ctx, ids, "cancelled by user"))
	o, err := h.orders.CancelOrder(ctx, ids[0], "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, o.Status)

	// A payment arriving afterwards is refused without capturing.
	conf := h.confirmation(intent.ID)
	err = h.backend.CaptureAndMarkPaid(ctx, ids, conf)
	assert.ErrorIs(t, err, apperr.ErrIllegalTransition)
	_, captured := h.gw.Captured(conf.GatewayPaymentID)
	assert.False(t, captured)

	orders, err := h.store.GetOrdersByIDs(ctx, ids)
	require.NoError(t, err)
	for _, o := range orders {
		assert.NotEqual(t, models.PaymentStatusPaid, o.PaymentStatus)
	}
}

func TestMarkPaymentFailedKeepsPaidOrders(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	intent, res := h.placeGateway(t, "order_u1_8_hhhhhhhh", twoSellerCart(), "")
	ids := models.OrderIDs(res.Orders)
	require.NoError(t, h.backend.CaptureAndMarkPaid(ctx, ids, h.confirmation(intent.ID)))

	require.NoError(t, h.backend.MarkPaymentFailed(ctx, ids, "late failure"))
	orders, _ := h.store.GetOrdersByIDs(ctx, ids)
	for _, o := range orders {
		assert.Equal(t, models.PaymentStatusPaid, o.PaymentStatus)
	}
}

func TestFailedPaymentCanStillBePaid(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	intent, res := h.placeGateway(t, "order_u1_9_iiiiiiii", twoSellerCart(), "")
	ids := models.OrderIDs(res.Orders)
	require.NoError(t, h.backend.MarkPaymentFailed(ctx, ids, "timed out"))

	require.NoError(t, h.backend.CaptureAndMarkPaid(ctx, ids, h.confirmation(intent.ID)))
	orders, _ := h.store.GetOrdersByIDs(ctx, ids)
	for _, o := range orders {
		assert.Equal(t, models.PaymentStatusPaid, o.PaymentStatus)
	}
}

func TestCashOnDeliveryIsPaidAndCreditedOnDelivery(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	res, err := h.backend.CreateOrder(ctx, &orderapi.CreateOrderRequest{
		UserID: "u1", Lines: []cart.Line{line("p1", "S1", 1, "250.50")}, ShippingAddress: address(),
		PaymentMethod: models.PaymentMethodCOD, IdempotencyKey: "order_u1_10_jjjjjjjj",
	})
	require.NoError(t, err)
	id := res.Orders[0].ID

	for _, to := range []string{models.OrderStatusConfirmed, models.OrderStatusProcessing, models.OrderStatusShipped} {
		o, err := h.orders.AdvanceStatus(ctx, id, to)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPending, o.PaymentStatus)
	}
	w, err := h.wallets.GetWallet(ctx, "S1")
	require.NoError(t, err)
	assert.Zero(t, w.Balance)

	o, err := h.orders.AdvanceStatus(ctx, id, models.OrderStatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, o.PaymentStatus)
	assert.Equal(t, "cod_"+id, o.GatewayPaymentID)

	w, err = h.wallets.GetWallet(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, int64(25050), w.Balance)
}

func TestAdvanceStatusRejectsSkips(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	res, err := h.backend.CreateOrder(ctx, &orderapi.CreateOrderRequest{
		UserID: "u1", Lines: twoSellerCart(), ShippingAddress: address(),
		PaymentMethod: models.PaymentMethodCOD, IdempotencyKey: "order_u1_11_kkkkkkkk",
	})
	require.NoError(t, err)

	_, err = h.orders.AdvanceStatus(ctx, res.Orders[0].ID, models.OrderStatusShipped)
	assert.ErrorIs(t, err, apperr.ErrIllegalTransition)
}

func TestCancelAndReorder(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	res, err := h.backend.CreateOrder(ctx, &orderapi.CreateOrderRequest{
		UserID: "u1", Lines: twoSellerCart(), ShippingAddress: address(),
		PaymentMethod: models.PaymentMethodCOD, IdempotencyKey: "order_u1_12_llllllll",
	})
	require.NoError(t, err)
	id := res.Orders[0].ID

	_, err = h.orders.Reorder(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrOrderStillActive)

	_, err = h.orders.CancelOrder(ctx, id, "  ")
	assert.ErrorIs(t, err, apperr.ErrReasonRequired)

	o, err := h.orders.CancelOrder(ctx, id, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, o.Status)
	assert.Equal(t, "changed my mind", o.CancelReason)

	lines, err := h.orders.Reorder(ctx, id)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "S1", lines[0].SellerID)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.True(t, lines[0].UnitPrice.Equal(twoSellerCart()[0].UnitPrice))
}

func TestRefundIsTerminal(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	intent, res := h.placeGateway(t, "order_u1_13_mmmmmmmm", twoSellerCart(), "")
	ids := models.OrderIDs(res.Orders)
	require.NoError(t, h.backend.CaptureAndMarkPaid(ctx, ids, h.confirmation(intent.ID)))

	o, err := h.orders.Refund(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRefunded, o.Status)
	assert.Equal(t, models.PaymentStatusRefunded, o.PaymentStatus)

	_, err = h.orders.Refund(ctx, ids[0])
	assert.ErrorIs(t, err, apperr.ErrIllegalTransition)
}
