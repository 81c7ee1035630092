package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// LocalBus delivers events in process, synchronously, through the same
// serialisation and routing as the Kafka path. It is used when no broker is
// configured and in tests.
type LocalBus struct {
	mu      sync.Mutex
	handler *EventHandler
	log     []json.RawMessage
}

// NewLocalBus creates a bus that dispatches to handler. handler may be set
// later with Attach.
func NewLocalBus(handler *EventHandler) *LocalBus {
	return &LocalBus{handler: handler}
}

// Attach sets the handler events are dispatched to.
func (b *LocalBus) Attach(handler *EventHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// PublishEvent records and dispatches event.
func (b *LocalBus) PublishEvent(ctx context.Context, key string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	b.mu.Lock()
	b.log = append(b.log, payload)
	handler := b.handler
	b.mu.Unlock()

	if handler == nil {
		return nil
	}
	return handler.Dispatch(ctx, payload)
}

// Types returns the event types published so far, in order.
func (b *LocalBus) Types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]string, 0, len(b.log))
	for _, raw := range b.log {
		var base struct {
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal(raw, &base); err == nil {
			types = append(types, base.EventType)
		}
	}
	return types
}
