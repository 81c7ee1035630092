// Package apperr holds the error taxonomy shared by checkout, orders and the
// wallet ledger, and maps it to kinds, HTTP statuses and user-facing text.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Validation errors. Detected before any network call; fixed by the user.
var (
	ErrEmptyCart              = errors.New("cart is empty")
	ErrUnlistedItem           = errors.New("item has no seller listing")
	ErrIncompleteShippingInfo = errors.New("shipping information is incomplete")
	ErrNoPaymentMethod        = errors.New("no payment method selected")
	ErrReasonRequired         = errors.New("reason is required")
	ErrTransactionIDRequired  = errors.New("transaction id is required")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidCoupon          = errors.New("invalid coupon")
	ErrIncompletePayoutInfo   = errors.New("payout details are incomplete")
)

// Concurrency errors.
var (
	ErrAlreadyInFlight   = errors.New("a checkout attempt is already in progress")
	ErrSubmissionTimeout = errors.New("checkout attempt timed out")
)

// Gateway errors. None of them may ever be mapped to a paid state.
var (
	ErrIntentFailed       = errors.New("payment intent creation failed")
	ErrVerificationFailed = errors.New("payment signature verification failed")
	ErrCaptureFailed      = errors.New("payment capture failed")
	ErrPaymentCancelled   = errors.New("payment cancelled by user")
	ErrAmountMismatch     = errors.New("order total does not match payment intent")
)

// Ledger and state machine errors.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrIllegalTransition   = errors.New("illegal state transition")
	ErrOrderStillActive    = errors.New("order is still active")
	ErrPaymentPending      = errors.New("order payment is still in progress")
	ErrNotFound            = errors.New("not found")
	ErrAttemptResolved     = errors.New("checkout attempt already resolved")
	ErrDuplicateKey        = errors.New("idempotency key already used")
)

// UnlistedItemError names the products that block submission.
type UnlistedItemError struct {
	ProductIDs []string
}

func (e *UnlistedItemError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnlistedItem, strings.Join(e.ProductIDs, ", "))
}

func (e *UnlistedItemError) Unwrap() error { return ErrUnlistedItem }

// MissingFieldsError names empty required fields. Err defaults to
// ErrIncompleteShippingInfo.
type MissingFieldsError struct {
	Fields []string
	Err    error
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s: missing %s", e.Unwrap(), strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Unwrap() error {
	if e.Err == nil {
		return ErrIncompleteShippingInfo
	}
	return e.Err
}

// TransitionError reports a rejected state transition.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s %s -> %s", ErrIllegalTransition, e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// Kind classifies err for metrics and API payloads.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrUnlistedItem):
		return "unlisted_item"
	case errors.Is(err, ErrIncompleteShippingInfo):
		return "incomplete_shipping_info"
	case errors.Is(err, ErrNoPaymentMethod):
		return "no_payment_method"
	case errors.Is(err, ErrReasonRequired):
		return "reason_required"
	case errors.Is(err, ErrTransactionIDRequired):
		return "transaction_id_required"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidCoupon):
		return "invalid_coupon"
	case errors.Is(err, ErrIncompletePayoutInfo):
		return "incomplete_payout_info"
	case errors.Is(err, ErrAlreadyInFlight):
		return "already_in_flight"
	case errors.Is(err, ErrSubmissionTimeout):
		return "submission_timeout"
	case errors.Is(err, ErrIntentFailed):
		return "intent_failed"
	case errors.Is(err, ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, ErrCaptureFailed):
		return "capture_failed"
	case errors.Is(err, ErrPaymentCancelled):
		return "payment_cancelled"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrOrderStillActive):
		return "order_still_active"
	case errors.Is(err, ErrPaymentPending):
		return "payment_pending"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAttemptResolved):
		return "attempt_resolved"
	case errors.Is(err, ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

// IsValidation reports whether err is recoverable by user correction.
func IsValidation(err error) bool {
	switch Kind(err) {
	case "empty_cart", "unlisted_item", "incomplete_shipping_info", "no_payment_method",
		"reason_required", "transaction_id_required", "invalid_amount", "invalid_coupon",
		"incomplete_payout_info":
		return true
	}
	return false
}

func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrAlreadyInFlight),
		errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrOrderStillActive),
		errors.Is(err, ErrPaymentPending),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrAttemptResolved),
		errors.Is(err, ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, ErrSubmissionTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrVerificationFailed),
		errors.Is(err, ErrPaymentCancelled),
		errors.Is(err, ErrAmountMismatch):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrIntentFailed),
		errors.Is(err, ErrCaptureFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Message is the text shown to the acting user or admin.
func Message(err error) string {
	switch Kind(err) {
	case "empty_cart":
		return "Your cart is empty."
	case "unlisted_item":
		var ue *UnlistedItemError
		if errors.As(err, &ue) {
			return "Some items are no longer sold by any seller: " + strings.Join(ue.ProductIDs, ", ") + ". Remove them to continue."
		}
		return "Some items are no longer sold by any seller. Remove them to continue."
	case "incomplete_shipping_info":
		var me *MissingFieldsError
		if errors.As(err, &me) {
			return "Please complete your shipping address: " + strings.Join(me.Fields, ", ") + "."
		}
		return "Please complete your shipping address."
	case "incomplete_payout_info":
		var me *MissingFieldsError
		if errors.As(err, &me) {
			return "Please complete your payout details: " + strings.Join(me.Fields, ", ") + "."
		}
		return "Please complete your payout details."
	case "no_payment_method":
		return "Please select a payment method."
	case "reason_required":
		return "Please provide a reason."
	case "transaction_id_required":
		return "Please provide the payout transaction reference."
	case "invalid_amount":
		return "The amount is not valid."
	case "invalid_coupon":
		return "This coupon cannot be applied."
	case "already_in_flight":
		return "Your order is already being placed. Please wait."
	case "submission_timeout":
		return "Placing your order took too long. Please try again."
	case "intent_failed":
		return "We could not start the payment. Please try again."
	case "verification_failed":
		return "Payment could not be confirmed. You have not been charged for an unconfirmed payment; please try again or contact support."
	case "capture_failed":
		return "Payment was received but could not be applied to your order yet. Please contact support."
	case "payment_cancelled":
		return "Payment was cancelled."
	case "amount_mismatch":
		return "The payment amount does not match your order."
	case "insufficient_balance":
		return "The wallet balance is not sufficient for this withdrawal."
	case "illegal_transition":
		return "This action is not allowed in the current state."
	case "order_still_active":
		return "Only delivered or cancelled orders can be reordered."
	case "payment_pending":
		return "This order is waiting for its payment to complete and cannot be cancelled yet."
	case "not_found":
		return "Not found."
	case "attempt_resolved":
		return "This checkout attempt has already finished."
	case "duplicate_key":
		return "This request was already submitted."
	default:
		return "Something went wrong. Please try again."
	}
}
