// Package gateway talks to the external payment gateway: it creates payment
// intents (gateway orders), verifies client callback signatures and captures
// authorised payments.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrAlreadyCaptured is returned by Capture for a payment captured earlier.
var ErrAlreadyCaptured = errors.New("payment already captured")

// Intent is the gateway's record of an expected charge.
type Intent struct {
	ID       string
	Amount   int64
	Currency string
	Receipt  string
}

// Gateway is implemented by Razorpay and Sandbox.
type Gateway interface {
	// KeyID is the public key handed to the collection UI.
	KeyID() string
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string, notes map[string]string) (*Intent, error)
	// VerifySignature checks the callback signature for intentID|paymentID.
	VerifySignature(intentID, paymentID, signature string) bool
	Capture(ctx context.Context, paymentID string, amountMinor int64, currency string) error
}

// Signature computes the callback signature the gateway issues for a
// payment: hex(HMAC-SHA256(secret, intentID + "|" + paymentID)).
func Signature(secret, intentID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(intentID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// call runs fn and returns early if ctx ends first. The gateway SDK is not
// context aware, so fn may keep running in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
