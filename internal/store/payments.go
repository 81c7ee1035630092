package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
)

// SaveIntent stores a gateway intent once per idempotency key and returns
// the stored row.
func (s *Store) SaveIntent(ctx context.Context, in *models.PaymentIntent) (*models.PaymentIntent, error) {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO payment_intents (id, idempotency_key, amount, currency, notes, created_at)
		VALUES (:id, :idempotency_key, :amount, :currency, :notes, :created_at)
		ON CONFLICT (idempotency_key) DO NOTHING`, in)
	if err != nil {
		return nil, fmt.Errorf("failed to save payment intent: %w", err)
	}
	return s.GetIntentByKey(ctx, in.IdempotencyKey)
}

// GetIntentByKey returns the intent of a checkout attempt.
func (s *Store) GetIntentByKey(ctx context.Context, key string) (*models.PaymentIntent, error) {
	var in models.PaymentIntent
	err := s.db.GetContext(ctx, &in, "SELECT * FROM payment_intents WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("intent for %s: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// GetIntentByID returns an intent by its gateway id.
func (s *Store) GetIntentByID(ctx context.Context, id string) (*models.PaymentIntent, error) {
	var in models.PaymentIntent
	err := s.db.GetContext(ctx, &in, "SELECT * FROM payment_intents WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		eventID, eventType)
	return err
}
