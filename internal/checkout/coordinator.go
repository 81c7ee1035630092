package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/cart"
	"marketplace-service/internal/models"
	"marketplace-service/internal/orderapi"
	"marketplace-service/internal/pricing"
	"marketplace-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// State of a checkout attempt.
type State string

const (
	StateSubmitting         State = "submitting"
	StateAwaitingCollection State = "awaiting_collection"
	StateResolved           State = "resolved"
	StateCancelled          State = "cancelled"
	StateTimedOut           State = "timed_out"
	StateFailed             State = "failed"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateResolved, StateCancelled, StateTimedOut, StateFailed:
		return true
	}
	return false
}

// Collection is what the browser needs to open the gateway's payment UI.
type Collection struct {
	KeyID       string `json:"key"`
	IntentID    string `json:"order_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	Name        string `json:"prefill_name"`
	Email       string `json:"prefill_email,omitempty"`
	Phone       string `json:"prefill_contact"`
}

// Attempt is a read-only view of a checkout attempt.
type Attempt struct {
	Key           string         `json:"idempotency_key"`
	SessionID     string         `json:"session_id"`
	UserID        string         `json:"user_id"`
	State         State          `json:"state"`
	PaymentMethod string         `json:"payment_method"`
	Quote         pricing.Quote  `json:"quote"`
	Orders        []models.Order `json:"orders,omitempty"`
	IsDuplicate   bool           `json:"is_duplicate"`
	Collection    *Collection    `json:"collection,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`

	err error
}

// Err is the error the attempt ended with, if any.
func (a *Attempt) Err() error { return a.err }

// OrderIDs of the attempt.
func (a *Attempt) OrderIDs() []string { return models.OrderIDs(a.Orders) }

// SubmitInput is everything the user submitted.
type SubmitInput struct {
	SessionID       string
	UserID          string
	Email           string
	Lines           []cart.Line
	ShippingAddress models.ShippingAddress
	PaymentMethod   string
	CouponCode      string
}

// Options tune the coordinator.
type Options struct {
	Currency     string
	Retries      int
	RetryBackoff time.Duration
	// Retention keeps finished attempts readable.
	Retention time.Duration
}

type attempt struct {
	mu         sync.Mutex
	view       Attempt
	ticket     *Ticket
	confirming bool
	done       chan struct{}
	doneOnce   sync.Once
}

func (a *attempt) snapshot() *Attempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.view
	v.Orders = append([]models.Order(nil), a.view.Orders...)
	if a.view.Collection != nil {
		c := *a.view.Collection
		v.Collection = &c
	}
	return &v
}

// setLocked records a final state. Callers hold a.mu.
func (a *attempt) setLocked(state State, err error) {
	now := time.Now().UTC()
	a.view.State = state
	a.view.ResolvedAt = &now
	a.view.err = err
	a.view.ErrorKind = apperr.Kind(err)
	if err != nil {
		a.view.ErrorMessage = apperr.Message(err)
	} else {
		a.view.ErrorMessage = ""
	}
}

func (a *attempt) closeDone() {
	a.doneOnce.Do(func() { close(a.done) })
}

// Coordinator runs checkout attempts against the order service.
type Coordinator struct {
	api   orderapi.API
	guard *Guard
	opts  Options

	mu       sync.Mutex
	attempts map[string]*attempt

	logger *zap.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(api orderapi.API, guard *Guard, opts Options) *Coordinator {
	if opts.Retries < 1 {
		opts.Retries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.Currency == "" {
		opts.Currency = "INR"
	}
	return &Coordinator{
		api:      api,
		guard:    guard,
		opts:     opts,
		attempts: make(map[string]*attempt),
		logger:   util.GetLogger(),
	}
}

// Submit validates the cart, takes the session guard and creates the orders
// of the attempt. Gateway payments stop in awaiting_collection with a
// collection payload; cash on delivery resolves immediately.
func (c *Coordinator) Submit(ctx context.Context, in SubmitInput) (*Attempt, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.Submit",
		attribute.String("session_id", in.SessionID),
		attribute.String("payment_method", in.PaymentMethod))
	defer span.End()

	snap := cart.Snapshot{
		UserID:     in.UserID,
		Lines:      in.Lines,
		Currency:   c.opts.Currency,
		CapturedAt: time.Now().UTC(),
	}
	groups, err := cart.Split(snap, in.ShippingAddress, in.PaymentMethod)
	if err != nil {
		util.CheckoutRejectedTotal.WithLabelValues(apperr.Kind(err)).Inc()
		return nil, err
	}

	c.sweep()

	a := &attempt{
		done: make(chan struct{}),
		view: Attempt{
			SessionID:     in.SessionID,
			UserID:        in.UserID,
			State:         StateSubmitting,
			PaymentMethod: in.PaymentMethod,
		},
	}
	ticket, err := c.guard.Begin(ctx, in.SessionID, in.UserID, func(*Ticket) { c.expire(a) })
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.ticket = ticket
	a.view.Key = ticket.Key
	a.view.CreatedAt = ticket.CreatedAt
	a.view.ExpiresAt = ticket.ExpiresAt
	a.mu.Unlock()
	c.register(ticket.Key, a)

	c.logger.Info("Checkout attempt started",
		zap.String("idempotency_key", ticket.Key),
		zap.String("user_id", in.UserID),
		zap.Int("sellers", len(groups)))

	actx, cancel := context.WithDeadline(ctx, ticket.ExpiresAt)
	defer cancel()

	if err := c.place(actx, a, in); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", apperr.ErrSubmissionTimeout, err)
		}
		util.RecordError(span, err)
		c.fail(a, err)
		view := a.snapshot()
		return view, view.Err()
	}
	return a.snapshot(), nil
}

func (c *Coordinator) place(ctx context.Context, a *attempt, in SubmitInput) error {
	a.mu.Lock()
	key := a.view.Key
	a.mu.Unlock()

	quote, err := retry(ctx, c.opts.Retries, c.opts.RetryBackoff, func(ctx context.Context) (*pricing.Quote, error) {
		return c.api.Quote(ctx, &orderapi.QuoteRequest{Lines: in.Lines, CouponCode: in.CouponCode, Currency: c.opts.Currency})
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.view.Quote = *quote
	a.mu.Unlock()

	req := &orderapi.CreateOrderRequest{
		UserID:          in.UserID,
		Lines:           in.Lines,
		ShippingAddress: in.ShippingAddress,
		PaymentMethod:   in.PaymentMethod,
		CouponCode:      in.CouponCode,
		Currency:        quote.Currency,
		IdempotencyKey:  key,
	}

	if !models.IsGatewayMethod(in.PaymentMethod) {
		res, err := c.createOrders(ctx, req)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.view.Orders = res.Orders
		a.view.IsDuplicate = res.IsDuplicate
		a.mu.Unlock()
		if c.finish(a, StateResolved, OutcomePlaced, nil) {
			return nil
		}
		return c.resolveLate(a)
	}

	if quote.Total <= 0 {
		return fmt.Errorf("%w: nothing to collect through the gateway", apperr.ErrInvalidAmount)
	}

	intent, err := retry(ctx, c.opts.Retries, c.opts.RetryBackoff, func(ctx context.Context) (*models.PaymentIntent, error) {
		return c.api.CreateGatewayIntent(ctx, &orderapi.IntentRequest{
			IdempotencyKey: key,
			Amount:         quote.Total,
			Currency:       quote.Currency,
			Notes:          map[string]string{"idempotency_key": key, "user_id": in.UserID},
		})
	})
	if err != nil {
		return err
	}

	req.GatewayOrderID = intent.ID
	res, err := c.createOrders(ctx, req)
	if err != nil {
		return err
	}

	var sum int64
	for _, o := range res.Orders {
		sum += o.TotalPrice
	}
	a.mu.Lock()
	a.view.Orders = res.Orders
	a.view.IsDuplicate = res.IsDuplicate
	a.mu.Unlock()
	if sum != intent.Amount {
		return fmt.Errorf("%w: orders %d, intent %d", apperr.ErrAmountMismatch, sum, intent.Amount)
	}

	keyID, err := c.api.GetGatewayKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to get gateway key: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.view.State != StateSubmitting {
		return a.view.err
	}
	a.view.State = StateAwaitingCollection
	a.view.Collection = &Collection{
		KeyID:       keyID,
		IntentID:    intent.ID,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
		Description: describe(res.Orders),
		Name:        in.ShippingAddress.Name,
		Email:       in.Email,
		Phone:       in.ShippingAddress.Phone,
	}
	return nil
}

func (c *Coordinator) createOrders(ctx context.Context, req *orderapi.CreateOrderRequest) (*orderapi.CreateOrderResult, error) {
	res, err := retry(ctx, c.opts.Retries, c.opts.RetryBackoff, func(ctx context.Context) (*orderapi.CreateOrderResult, error) {
		return c.api.CreateOrder(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if res.IsDuplicate {
		c.logger.Info("Order service answered from an earlier submission",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int("orders", len(res.Orders)))
	}
	return res, nil
}

func describe(orders []models.Order) string {
	if len(orders) == 1 {
		return "Order " + orders[0].ID
	}
	sellers := make(map[string]bool)
	for _, o := range orders {
		sellers[o.SellerID] = true
	}
	return fmt.Sprintf("%d orders from %d sellers", len(orders), len(sellers))
}

// Confirm finishes a gateway payment with the confirmation the collection UI
// produced. The signature is verified before anything is captured.
func (c *Coordinator) Confirm(ctx context.Context, sessionID, key string, conf models.PaymentConfirmation) (*Attempt, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.Confirm", attribute.String("idempotency_key", key))
	defer span.End()

	a, err := c.lookup(sessionID, key)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	var late bool
	switch {
	case a.confirming:
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: confirmation already in progress", apperr.ErrAttemptResolved)
	case a.view.State == StateAwaitingCollection:
		late = !a.ticket.Disarm()
	case a.view.State == StateTimedOut && a.view.Collection != nil:
		// The user may have paid after the deadline; the charge is still honoured.
		late = true
	default:
		state := a.view.State
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: attempt is %s", apperr.ErrAttemptResolved, state)
	}
	a.confirming = true
	intentID := a.view.Collection.IntentID
	orderIDs := models.OrderIDs(a.view.Orders)
	a.mu.Unlock()

	err = c.settle(ctx, intentID, orderIDs, conf)
	if err != nil {
		util.RecordError(span, err)
		c.logger.Warn("Checkout payment not settled",
			zap.String("idempotency_key", key),
			zap.Bool("late", late),
			zap.Error(err))
	}

	a.mu.Lock()
	a.confirming = false
	if err == nil {
		a.setLocked(StateResolved, nil)
		for i := range a.view.Orders {
			a.view.Orders[i].PaymentStatus = models.PaymentStatusPaid
			a.view.Orders[i].GatewayPaymentID = conf.GatewayPaymentID
		}
	} else {
		a.setLocked(StateFailed, err)
	}
	ticket := a.ticket
	a.mu.Unlock()

	if err == nil {
		ticket.Release(OutcomePaid)
	} else {
		ticket.Release(OutcomeFailed)
	}
	a.closeDone()

	return a.snapshot(), err
}

func (c *Coordinator) settle(ctx context.Context, intentID string, orderIDs []string, conf models.PaymentConfirmation) error {
	if conf.GatewayOrderID != intentID {
		c.markFailed(orderIDs, "confirmation for another intent")
		return fmt.Errorf("%w: confirmation is for %s, attempt expects %s", apperr.ErrVerificationFailed, conf.GatewayOrderID, intentID)
	}

	ok, err := retry(ctx, c.opts.Retries, c.opts.RetryBackoff, func(ctx context.Context) (bool, error) {
		return c.api.VerifyPayment(ctx, conf.GatewayOrderID, conf.GatewayPaymentID, conf.Signature)
	})
	if err != nil {
		return fmt.Errorf("failed to verify payment: %w", err)
	}
	if !ok {
		c.markFailed(orderIDs, "signature mismatch")
		return apperr.ErrVerificationFailed
	}

	_, err = retry(ctx, c.opts.Retries, c.opts.RetryBackoff, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.api.CaptureAndMarkPaid(ctx, orderIDs, conf)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrIllegalTransition) {
			// Refused before capture; nothing was charged.
			c.markFailed(orderIDs, "orders no longer payable")
			return err
		}
		if errors.Is(err, apperr.ErrCaptureFailed) || errors.Is(err, apperr.ErrVerificationFailed) || errors.Is(err, apperr.ErrAmountMismatch) {
			return err
		}
		return fmt.Errorf("%w: %v", apperr.ErrCaptureFailed, err)
	}
	return nil
}

// Cancel ends an attempt whose collection UI the user dismissed.
func (c *Coordinator) Cancel(ctx context.Context, sessionID, key string) (*Attempt, error) {
	a, err := c.lookup(sessionID, key)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.confirming || a.view.State != StateAwaitingCollection {
		state := a.view.State
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: attempt is %s", apperr.ErrAttemptResolved, state)
	}
	a.setLocked(StateCancelled, apperr.ErrPaymentCancelled)
	orderIDs := models.OrderIDs(a.view.Orders)
	ticket := a.ticket
	a.mu.Unlock()

	ticket.Release(OutcomeCancelled)
	a.closeDone()
	c.markFailed(orderIDs, "cancelled by user")

	return a.snapshot(), apperr.ErrPaymentCancelled
}

// Await blocks until the attempt leaves its in-flight states.
func (c *Coordinator) Await(ctx context.Context, key string) (*Attempt, error) {
	c.mu.Lock()
	a, ok := c.attempts[key]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("checkout attempt %s: %w", key, apperr.ErrNotFound)
	}
	select {
	case <-a.done:
		return a.snapshot(), nil
	case <-ctx.Done():
		return a.snapshot(), ctx.Err()
	}
}

// Attempt returns the current view of an attempt owned by sessionID.
func (c *Coordinator) Attempt(sessionID, key string) (*Attempt, error) {
	a, err := c.lookup(sessionID, key)
	if err != nil {
		return nil, err
	}
	return a.snapshot(), nil
}

// InFlight reports whether sessionID currently holds the submission guard.
func (c *Coordinator) InFlight(sessionID string) bool {
	return c.guard.InFlight(sessionID)
}

func (c *Coordinator) lookup(sessionID, key string) (*attempt, error) {
	c.mu.Lock()
	a, ok := c.attempts[key]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("checkout attempt %s: %w", key, apperr.ErrNotFound)
	}
	a.mu.Lock()
	owner := a.view.SessionID
	a.mu.Unlock()
	if owner != sessionID {
		return nil, fmt.Errorf("checkout attempt %s: %w", key, apperr.ErrNotFound)
	}
	return a, nil
}

func (c *Coordinator) register(key string, a *attempt) {
	c.mu.Lock()
	c.attempts[key] = a
	c.mu.Unlock()
}

// sweep forgets attempts that finished longer ago than the retention.
func (c *Coordinator) sweep() {
	cutoff := time.Now().UTC().Add(-c.opts.Retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, a := range c.attempts {
		a.mu.Lock()
		stale := a.view.ResolvedAt != nil && a.view.ResolvedAt.Before(cutoff) && !a.confirming
		a.mu.Unlock()
		if stale {
			delete(c.attempts, key)
		}
	}
}

// finish records a terminal state reached during Submit.
func (c *Coordinator) finish(a *attempt, state State, outcome Outcome, err error) bool {
	a.mu.Lock()
	if a.view.State.Terminal() {
		a.mu.Unlock()
		return false
	}
	a.setLocked(state, err)
	ticket := a.ticket
	a.mu.Unlock()

	ticket.Release(outcome)
	a.closeDone()
	return true
}

// resolveLate settles an attempt whose deadline passed while its cash on
// delivery orders were being written. The orders exist, so the attempt
// reports them instead of a timeout.
func (c *Coordinator) resolveLate(a *attempt) error {
	a.mu.Lock()
	if a.view.State == StateTimedOut {
		a.setLocked(StateResolved, nil)
	}
	key, err := a.view.Key, a.view.err
	a.mu.Unlock()

	if err == nil {
		c.logger.Warn("Orders placed after the attempt deadline", zap.String("idempotency_key", key))
	}
	return err
}

func (c *Coordinator) fail(a *attempt, err error) {
	a.mu.Lock()
	orderIDs := models.OrderIDs(a.view.Orders)
	method := a.view.PaymentMethod
	a.mu.Unlock()
	c.finish(a, StateFailed, OutcomeFailed, err)
	if models.IsGatewayMethod(method) {
		c.markFailed(orderIDs, apperr.Kind(err))
	}
}

// expire runs on the guard's deadline.
func (c *Coordinator) expire(a *attempt) {
	a.mu.Lock()
	if a.view.State.Terminal() || a.confirming {
		a.mu.Unlock()
		return
	}
	a.setLocked(StateTimedOut, apperr.ErrSubmissionTimeout)
	key := a.view.Key
	orderIDs := models.OrderIDs(a.view.Orders)
	gatewayPaid := models.IsGatewayMethod(a.view.PaymentMethod)
	a.mu.Unlock()
	a.closeDone()

	c.logger.Warn("Checkout attempt timed out", zap.String("idempotency_key", key))
	if gatewayPaid {
		c.markFailed(orderIDs, "timed out")
	}
}

// markFailed records an unpaid outcome on the orders. It is best effort; a
// late verified payment still moves the orders to paid.
func (c *Coordinator) markFailed(orderIDs []string, reason string) {
	if len(orderIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.api.MarkPaymentFailed(ctx, orderIDs, reason); err != nil {
		c.logger.Warn("Failed to mark payment failed",
			zap.Strings("order_ids", orderIDs),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// Counts reports attempts per state, for the admin health view.
func (c *Coordinator) Counts() map[State]int {
	counts := make(map[State]int)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.attempts {
		a.mu.Lock()
		counts[a.view.State]++
		a.mu.Unlock()
	}
	return counts
}
