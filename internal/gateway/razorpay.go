package gateway

import (
	"context"
	"fmt"
	"strings"

	"marketplace-service/internal/util"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"
	"go.uber.org/zap"
)

// Razorpay is the production gateway.
type Razorpay struct {
	client *razorpay.Client
	keyID  string
	secret string
	logger *zap.Logger
}

// NewRazorpay creates a Razorpay gateway client.
func NewRazorpay(keyID, secret string) *Razorpay {
	return &Razorpay{
		client: razorpay.NewClient(keyID, secret),
		keyID:  keyID,
		secret: secret,
		logger: util.GetLogger(),
	}
}

func (r *Razorpay) KeyID() string { return r.keyID }

// CreateOrder creates a Razorpay order. The receipt carries the checkout
// idempotency key.
func (r *Razorpay) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string, notes map[string]string) (*Intent, error) {
	noteMap := make(map[string]interface{}, len(notes))
	for k, v := range notes {
		noteMap[k] = v
	}
	data := map[string]interface{}{
		"amount":   amountMinor,
		"currency": currency,
		"receipt":  receipt,
		"notes":    noteMap,
	}

	body, err := call(ctx, func() (map[string]interface{}, error) {
		return r.client.Order.Create(data, map[string]string{"X-Idempotency-Key": receipt})
	})
	if err != nil {
		return nil, fmt.Errorf("razorpay create order: %w", err)
	}

	id, _ := body["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("razorpay create order: response without id")
	}
	amount := amountMinor
	if v, ok := body["amount"].(float64); ok {
		amount = int64(v)
	}
	if amount != amountMinor {
		return nil, fmt.Errorf("razorpay create order: amount %d differs from requested %d", amount, amountMinor)
	}

	r.logger.Info("Gateway order created",
		zap.String("intent_id", id),
		zap.Int64("amount", amount),
		zap.String("receipt", receipt))

	return &Intent{ID: id, Amount: amount, Currency: currency, Receipt: receipt}, nil
}

func (r *Razorpay) VerifySignature(intentID, paymentID, signature string) bool {
	if intentID == "" || paymentID == "" || signature == "" {
		return false
	}
	params := map[string]interface{}{
		"razorpay_order_id":   intentID,
		"razorpay_payment_id": paymentID,
	}
	return utils.VerifyPaymentSignature(params, signature, r.secret)
}

// Capture captures an authorised payment. Only needed when the account is
// configured for manual capture.
func (r *Razorpay) Capture(ctx context.Context, paymentID string, amountMinor int64, currency string) error {
	_, err := call(ctx, func() (map[string]interface{}, error) {
		return r.client.Payment.Capture(paymentID, int(amountMinor), map[string]interface{}{"currency": currency}, nil)
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already been captured") {
			return fmt.Errorf("razorpay capture %s: %w", paymentID, ErrAlreadyCaptured)
		}
		return fmt.Errorf("razorpay capture %s: %w", paymentID, err)
	}
	return nil
}
