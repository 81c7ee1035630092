package service

import (
	"context"
	"encoding/json"
	"testing"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/broker"
	"marketplace-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paidOrder(t *testing.T, h *harness, key string) models.Order {
	t.Helper()
	intent, res := h.placeGateway(t, key, twoSellerCart(), "")
	require.NoError(t, h.backend.CaptureAndMarkPaid(context.Background(), models.OrderIDs(res.Orders), h.confirmation(intent.ID)))
	o, err := h.store.GetOrderByID(context.Background(), res.Orders[0].ID)
	require.NoError(t, err)
	return *o
}

func TestRedeliveredOrderPaidCreditsOnce(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	o := paidOrder(t, h, "order_u1_20_aaaaaaaa")

	event := &models.OrderPaidEvent{
		BaseEvent: broker.NewBase(models.EventTypeOrderPaid),
		OrderID:   o.ID,
		SellerID:  o.SellerID,
		Amount:    o.TotalPrice,
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	handler := broker.NewEventHandler()
	h.settlement.Register(handler)
	for i := 0; i < 3; i++ {
		require.NoError(t, handler.Dispatch(ctx, payload))
	}

	w, err := h.wallets.GetWallet(ctx, o.SellerID)
	require.NoError(t, err)
	assert.Equal(t, o.TotalPrice, w.Balance)
	assert.Equal(t, o.TotalPrice, w.TotalEarnings)

	txs, err := h.wallets.Transactions(ctx, o.SellerID, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, txs.Total)
	assert.Equal(t, o.ID, txs.Items[0].Reference)
}

func TestReconcileCreditsMissedOrders(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	// Detach settlement so ORDER_PAID is lost.
	h.bus.Attach(nil)
	o := paidOrder(t, h, "order_u1_21_bbbbbbbb")

	w, _ := h.wallets.GetWallet(ctx, o.SellerID)
	assert.Zero(t, w.Balance)

	credited, err := h.settlement.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, credited)

	credited, err = h.settlement.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, credited)

	w, _ = h.wallets.GetWallet(ctx, o.SellerID)
	assert.Equal(t, o.TotalPrice, w.Balance)
	require.NoError(t, h.wallets.VerifyLedger(ctx, o.SellerID))
}

func TestCancelledPaidOrderIsNotCredited(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	h.bus.Attach(nil)
	o := paidOrder(t, h, "order_u1_32_cccccccc")
	_, err := h.orders.CancelOrder(ctx, o.ID, "out of stock")
	require.NoError(t, err)

	credited, err := h.settlement.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, credited)

	event := &models.OrderPaidEvent{
		BaseEvent: broker.NewBase(models.EventTypeOrderPaid),
		OrderID:   o.ID,
		SellerID:  o.SellerID,
		Amount:    o.TotalPrice,
	}
	require.NoError(t, h.settlement.HandleOrderPaid(ctx, event))

	w, err := h.wallets.GetWallet(ctx, o.SellerID)
	require.NoError(t, err)
	assert.Zero(t, w.Balance)
	s2, err := h.wallets.GetWallet(ctx, "S2")
	require.NoError(t, err)
	assert.Equal(t, int64(30000), s2.Balance)
}

func TestCreditRequiresPaidOrder(t *testing.T) {
	h := newHarness(t, false)
	_, _, err := h.wallets.CreditForOrder(context.Background(), &models.Order{
		ID: "o1", SellerID: "S1", PaymentStatus: models.PaymentStatusPending, TotalPrice: 100,
	})
	assert.ErrorIs(t, err, apperr.ErrIllegalTransition)
}

func TestWalletOverviewAndEarnings(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	paidOrder(t, h, "order_u1_22_cccccccc")

	ov, err := h.wallets.GetWalletOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ov.Wallets)
	assert.Equal(t, int64(130000), ov.TotalEarnings)

	earnings, err := h.wallets.GetSellerEarnings(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, earnings.Items, 2)
	assert.Equal(t, "S1", earnings.Items[0].SellerID)
}
