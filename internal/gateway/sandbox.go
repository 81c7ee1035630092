package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Sandbox is an in-process gateway for local development and tests. It signs
// payments the same way the real gateway does.
type Sandbox struct {
	keyID  string
	secret string

	mu       sync.Mutex
	intents  map[string]*Intent
	captured map[string]int64
	// FailCreate makes the next CreateOrder calls fail.
	FailCreate int
	// FailCapture makes the next Capture calls fail.
	FailCapture int
}

func NewSandbox(keyID, secret string) *Sandbox {
	return &Sandbox{
		keyID:    keyID,
		secret:   secret,
		intents:  make(map[string]*Intent),
		captured: make(map[string]int64),
	}
}

func (s *Sandbox) KeyID() string { return s.keyID }

func (s *Sandbox) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string, notes map[string]string) (*Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCreate > 0 {
		s.FailCreate--
		return nil, fmt.Errorf("sandbox: create order unavailable")
	}
	if amountMinor <= 0 {
		return nil, fmt.Errorf("sandbox: amount must be positive")
	}
	in := &Intent{
		ID:       "order_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14],
		Amount:   amountMinor,
		Currency: currency,
		Receipt:  receipt,
	}
	s.intents[in.ID] = in
	return in, nil
}

func (s *Sandbox) VerifySignature(intentID, paymentID, signature string) bool {
	if intentID == "" || paymentID == "" || signature == "" {
		return false
	}
	return Signature(s.secret, intentID, paymentID) == signature
}

func (s *Sandbox) Capture(ctx context.Context, paymentID string, amountMinor int64, currency string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCapture > 0 {
		s.FailCapture--
		return fmt.Errorf("sandbox: payment %s declined for capture", paymentID)
	}
	if _, ok := s.captured[paymentID]; ok {
		return fmt.Errorf("sandbox: payment %s: %w", paymentID, ErrAlreadyCaptured)
	}
	s.captured[paymentID] = amountMinor
	return nil
}

// Pay simulates the collection UI completing a payment for intentID.
func (s *Sandbox) Pay(intentID string) (paymentID, signature string) {
	paymentID = "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
	return paymentID, Signature(s.secret, intentID, paymentID)
}

// Captured returns the amount captured for paymentID.
func (s *Sandbox) Captured(paymentID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amt, ok := s.captured[paymentID]
	return amt, ok
}

// Intents returns the number of intents created so far.
func (s *Sandbox) Intents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.intents)
}
