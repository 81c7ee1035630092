// Package lifecycle is the order state machine. Every function either applies
// a legal transition to the order or returns an error and leaves it untouched.
package lifecycle

import (
	"strings"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
)

var forward = map[string]string{
	models.OrderStatusPending:    models.OrderStatusConfirmed,
	models.OrderStatusConfirmed:  models.OrderStatusProcessing,
	models.OrderStatusProcessing: models.OrderStatusShipped,
	models.OrderStatusShipped:    models.OrderStatusDelivered,
}

var cancellable = map[string]bool{
	models.OrderStatusPending:    true,
	models.OrderStatusConfirmed:  true,
	models.OrderStatusProcessing: true,
}

// Next returns the single forward successor of status, if any.
func Next(status string) (string, bool) {
	next, ok := forward[status]
	return next, ok
}

// Advance moves the order one step along the fulfilment path. Only the
// immediate successor is accepted.
func Advance(o *models.Order, to string) error {
	next, ok := forward[o.Status]
	if !ok || next != to {
		return &apperr.TransitionError{Entity: "order", From: o.Status, To: to}
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel moves a not yet shipped order to cancelled.
func Cancel(o *models.Order, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return apperr.ErrReasonRequired
	}
	if !cancellable[o.Status] {
		return &apperr.TransitionError{Entity: "order", From: o.Status, To: models.OrderStatusCancelled}
	}
	o.Status = models.OrderStatusCancelled
	o.CancelReason = reason
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Refund is the explicit refund action. It is legal from every state except
// delivered and refunded.
func Refund(o *models.Order) error {
	if o.Status == models.OrderStatusDelivered || o.Status == models.OrderStatusRefunded {
		return &apperr.TransitionError{Entity: "order", From: o.Status, To: models.OrderStatusRefunded}
	}
	o.Status = models.OrderStatusRefunded
	if o.PaymentStatus == models.PaymentStatusPaid {
		o.PaymentStatus = models.PaymentStatusRefunded
	}
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Transition dispatches to the matching action for a target status.
func Transition(o *models.Order, to, reason string) error {
	switch to {
	case models.OrderStatusCancelled:
		return Cancel(o, reason)
	case models.OrderStatusRefunded:
		return Refund(o)
	default:
		return Advance(o, to)
	}
}

// CanReorder reports whether the order's lines may be copied into a new cart.
func CanReorder(o *models.Order) error {
	if o.Status == models.OrderStatusDelivered || o.Status == models.OrderStatusCancelled {
		return nil
	}
	return apperr.ErrOrderStillActive
}

var paymentTransitions = map[string]map[string]bool{
	models.PaymentStatusPending: {models.PaymentStatusPaid: true, models.PaymentStatusFailed: true},
	models.PaymentStatusFailed:  {models.PaymentStatusPaid: true},
	models.PaymentStatusPaid:    {models.PaymentStatusRefunded: true},
}

// MarkPaid records a captured payment. Replaying the same payment id on an
// already paid order is a no-op; a different payment id is rejected.
func MarkPaid(o *models.Order, gatewayOrderID, gatewayPaymentID string) (bool, error) {
	if o.PaymentStatus == models.PaymentStatusPaid {
		if o.GatewayPaymentID == gatewayPaymentID {
			return false, nil
		}
		return false, &apperr.TransitionError{Entity: "payment", From: o.PaymentStatus, To: models.PaymentStatusPaid}
	}
	if o.Status == models.OrderStatusCancelled || o.Status == models.OrderStatusRefunded {
		return false, &apperr.TransitionError{Entity: "payment", From: o.Status, To: models.PaymentStatusPaid}
	}
	if !paymentTransitions[o.PaymentStatus][models.PaymentStatusPaid] {
		return false, &apperr.TransitionError{Entity: "payment", From: o.PaymentStatus, To: models.PaymentStatusPaid}
	}
	o.PaymentStatus = models.PaymentStatusPaid
	if gatewayOrderID != "" {
		o.GatewayOrderID = gatewayOrderID
	}
	o.GatewayPaymentID = gatewayPaymentID
	o.UpdatedAt = time.Now().UTC()
	return true, nil
}

// MarkPaymentFailed records a failed or unverifiable payment. Paid orders are
// never downgraded.
func MarkPaymentFailed(o *models.Order) error {
	if o.PaymentStatus == models.PaymentStatusFailed {
		return nil
	}
	if !paymentTransitions[o.PaymentStatus][models.PaymentStatusFailed] {
		return &apperr.TransitionError{Entity: "payment", From: o.PaymentStatus, To: models.PaymentStatusFailed}
	}
	o.PaymentStatus = models.PaymentStatusFailed
	o.UpdatedAt = time.Now().UTC()
	return nil
}
