// Package bgsync replays reservation submissions that were captured while
// the origin was unreachable.
package bgsync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueClosed    = errors.New("bgsync: queue closed")
	ErrInvalidPayload = errors.New("bgsync: payload is not valid JSON")
)

// Item is one queued reservation. ID doubles as the idempotency key sent
// to the backend, so a retried item is recognisable as a duplicate.
type Item struct {
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt time.Time       `json:"queued_at"`
}

// Queue is a FIFO of pending reservations. Implementations are safe for
// concurrent use.
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) (Item, error)
	// PeekAll returns every pending item, oldest first, without removing it.
	PeekAll(ctx context.Context) ([]Item, error)
	// DrainAll removes and returns every pending item.
	DrainAll(ctx context.Context) ([]Item, error)
	// Ack removes one item once the backend has confirmed it. Acking an
	// unknown id is not an error.
	Ack(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
	Close() error
}

func newItem(payload []byte, now time.Time) (Item, error) {
	if !json.Valid(payload) {
		return Item{}, ErrInvalidPayload
	}
	p := make(json.RawMessage, len(payload))
	copy(p, payload)
	return Item{
		ID:       uuid.NewString(),
		Payload:  p,
		QueuedAt: now.UTC(),
	}, nil
}
