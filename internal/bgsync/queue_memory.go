package bgsync

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue keeps items in process memory. Used in tests and when no
// queue path is configured.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []Item
	closed bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, payload []byte) (Item, error) {
	it, err := newItem(payload, time.Now())
	if err != nil {
		return Item{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Item{}, ErrQueueClosed
	}
	q.items = append(q.items, it)
	return it, nil
}

func (q *MemoryQueue) PeekAll(_ context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out, nil
}

func (q *MemoryQueue) DrainAll(_ context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	out := q.items
	q.items = nil
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	return len(q.items), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
