package service

import (
	"context"
	"testing"

	"marketplace-service/internal/broker"
	"marketplace-service/internal/cart"
	"marketplace-service/internal/gateway"
	"marketplace-service/internal/models"
	"marketplace-service/internal/orderapi"
	"marketplace-service/internal/pricing"
	"marketplace-service/internal/store/memstore"
	"marketplace-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSecret = "test_secret"

type harness struct {
	store       *memstore.Store
	gw          *gateway.Sandbox
	bus         *broker.LocalBus
	orders      *OrderService
	payments    *PaymentService
	wallets     *WalletService
	withdrawals *WithdrawalService
	settlement  *SettlementOrchestrator
	backend     *Backend
}

func newHarness(t *testing.T, manualCapture bool) *harness {
	t.Helper()
	require.NoError(t, util.InitLogger("test"))

	coupons, err := pricing.ParseCoupons("INDIA10:10%")
	require.NoError(t, err)

	h := &harness{
		store: memstore.New(),
		gw:    gateway.NewSandbox("rzp_test_key", testSecret),
	}
	handler := broker.NewEventHandler()
	h.bus = broker.NewLocalBus(handler)
	publisher := broker.NewEventPublisher(h.bus)

	h.orders = NewOrderService(h.store, h.store, h.gw, publisher, OrderServiceOptions{
		Coupons:       coupons,
		Currency:      "INR",
		ManualCapture: manualCapture,
	})
	h.payments = NewPaymentService(h.store, h.gw, "INR")
	h.wallets = NewWalletService(h.store, publisher)
	h.withdrawals = NewWithdrawalService(h.store, h.store, publisher, 2)
	h.settlement = NewSettlementOrchestrator(h.store, h.store, h.wallets)
	h.settlement.Register(handler)
	h.backend = NewBackend(h.orders, h.payments)
	return h
}

func line(product, seller string, qty int, price string) cart.Line {
	return cart.Line{
		ProductID:       product,
		SellerID:        seller,
		SellerListingID: "listing-" + product,
		Quantity:        qty,
		UnitPrice:       decimal.RequireFromString(price),
	}
}

func address() models.ShippingAddress {
	return models.ShippingAddress{
		Name: "Asha", Street: "12 MG Road", City: "Pune", State: "MH", PostalCode: "411001", Phone: "9876543210",
	}
}

// twoSellerCart is S1: 2 x 500.00, S2: 1 x 300.00.
func twoSellerCart() []cart.Line {
	return []cart.Line{line("p1", "S1", 2, "500"), line("p2", "S2", 1, "300")}
}

// placeGateway creates the intent and orders for lines the way checkout does.
func (h *harness) placeGateway(t *testing.T, key string, lines []cart.Line, coupon string) (*models.PaymentIntent, *orderapi.CreateOrderResult) {
	t.Helper()
	ctx := context.Background()

	quote, err := h.backend.Quote(ctx, &orderapi.QuoteRequest{Lines: lines, CouponCode: coupon})
	require.NoError(t, err)
	intent, err := h.backend.CreateGatewayIntent(ctx, &orderapi.IntentRequest{IdempotencyKey: key, Amount: quote.Total})
	require.NoError(t, err)
	res, err := h.backend.CreateOrder(ctx, &orderapi.CreateOrderRequest{
		UserID:          "u1",
		Lines:           lines,
		ShippingAddress: address(),
		PaymentMethod:   models.PaymentMethodRazorpay,
		CouponCode:      coupon,
		IdempotencyKey:  key,
		GatewayOrderID:  intent.ID,
	})
	require.NoError(t, err)
	return intent, res
}

func (h *harness) confirmation(intentID string) models.PaymentConfirmation {
	paymentID, sig := h.gw.Pay(intentID)
	return models.PaymentConfirmation{GatewayOrderID: intentID, GatewayPaymentID: paymentID, Signature: sig}
}
