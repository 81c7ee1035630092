// Package checkout drives a storefront checkout attempt: it admits at most
// one in-flight submission per session, creates the per-seller orders through
// the order service and walks the gateway handshake to a terminal outcome.
package checkout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome is how an attempt ended.
type Outcome string

const (
	OutcomePaid      Outcome = "paid"
	OutcomePlaced    Outcome = "placed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
)

// DefaultAttemptTimeout bounds an attempt from guard acquisition to outcome.
const DefaultAttemptTimeout = 30 * time.Second

// Locker is a shared lock so that several storefront replicas honour the
// one-in-flight rule. redisclient.Client implements it.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// NewIdempotencyKey returns order_<userId>_<unixMillis>_<random>.
func NewIdempotencyKey(userID string, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("order_%s_%d_%s", userID, now.UnixMilli(), random)
}

// Guard admits one checkout attempt per session at a time.
type Guard struct {
	mu      sync.Mutex
	tickets map[string]*Ticket

	timeout   time.Duration
	locker    Locker
	lockGrace time.Duration
	logger    *zap.Logger
}

// NewGuard creates a guard. locker may be nil for a single replica.
func NewGuard(timeout time.Duration, locker Locker, lockGrace time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &Guard{
		tickets:   make(map[string]*Ticket),
		timeout:   timeout,
		locker:    locker,
		lockGrace: lockGrace,
		logger:    util.GetLogger(),
	}
}

// Timeout is the attempt deadline the guard arms.
func (g *Guard) Timeout() time.Duration { return g.timeout }

// Ticket is a held guard. It carries the idempotency key of the attempt.
type Ticket struct {
	SessionID string
	UserID    string
	Key       string
	CreatedAt time.Time
	ExpiresAt time.Time

	guard     *Guard
	once      sync.Once
	timer     *time.Timer
	onTimeout func(*Ticket)

	mu      sync.Mutex
	outcome Outcome
}

// Begin acquires the guard for sessionID. It fails with ErrAlreadyInFlight
// while an earlier ticket for the session is unresolved. onTimeout runs if the
// deadline passes before the ticket is released or disarmed.
func (g *Guard) Begin(ctx context.Context, sessionID, userID string, onTimeout func(*Ticket)) (*Ticket, error) {
	now := time.Now().UTC()
	t := &Ticket{
		SessionID: sessionID,
		UserID:    userID,
		Key:       NewIdempotencyKey(userID, now),
		CreatedAt: now,
		ExpiresAt: now.Add(g.timeout),
		guard:     g,
		onTimeout: onTimeout,
	}

	g.mu.Lock()
	if _, busy := g.tickets[sessionID]; busy {
		g.mu.Unlock()
		util.CheckoutRejectedTotal.WithLabelValues("already_in_flight").Inc()
		return nil, apperr.ErrAlreadyInFlight
	}
	g.tickets[sessionID] = t
	g.mu.Unlock()

	if g.locker != nil {
		ok, err := g.locker.TryLock(ctx, lockName(sessionID), t.Key, g.timeout+g.lockGrace)
		if err != nil || !ok {
			g.drop(t)
			if err != nil {
				return nil, fmt.Errorf("failed to acquire session lock: %w", err)
			}
			util.CheckoutRejectedTotal.WithLabelValues("already_in_flight").Inc()
			return nil, apperr.ErrAlreadyInFlight
		}
	}

	t.mu.Lock()
	t.timer = time.AfterFunc(g.timeout, t.expire)
	t.mu.Unlock()
	util.CheckoutAttemptsTotal.Inc()
	g.logger.Debug("Checkout guard acquired",
		zap.String("session_id", sessionID),
		zap.String("idempotency_key", t.Key))
	return t, nil
}

// InFlight reports whether sessionID holds an unresolved ticket.
func (g *Guard) InFlight(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.tickets[sessionID]
	return ok
}

func (g *Guard) drop(t *Ticket) {
	g.mu.Lock()
	if g.tickets[t.SessionID] == t {
		delete(g.tickets, t.SessionID)
	}
	g.mu.Unlock()
}

func lockName(sessionID string) string {
	return "checkout:" + sessionID
}

// Release ends the attempt with outcome and frees the guard. Only the first
// call has any effect; it returns true for that call.
func (t *Ticket) Release(outcome Outcome) bool {
	released := false
	t.once.Do(func() {
		released = true
		t.mu.Lock()
		t.outcome = outcome
		timer := t.timer
		t.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		t.guard.drop(t)

		if t.guard.locker != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := t.guard.locker.Unlock(ctx, lockName(t.SessionID), t.Key); err != nil {
				t.guard.logger.Warn("Failed to release session lock",
					zap.String("session_id", t.SessionID),
					zap.Error(err))
			}
		}

		util.CheckoutOutcomesTotal.WithLabelValues(string(outcome)).Inc()
		util.CheckoutAttemptDuration.Observe(time.Since(t.CreatedAt).Seconds())
		t.guard.logger.Info("Checkout attempt finished",
			zap.String("session_id", t.SessionID),
			zap.String("idempotency_key", t.Key),
			zap.String("outcome", string(outcome)))
	})
	return released
}

// Disarm stops the deadline timer. It returns false if the deadline already
// fired, in which case the ticket is or will be released as timed out.
func (t *Ticket) Disarm() bool {
	t.mu.Lock()
	timer := t.timer
	t.mu.Unlock()
	if timer == nil {
		return true
	}
	return timer.Stop()
}

// Outcome is the recorded outcome, empty while the ticket is held.
func (t *Ticket) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

func (t *Ticket) expire() {
	if t.Release(OutcomeTimedOut) && t.onTimeout != nil {
		t.onTimeout(t)
	}
}
