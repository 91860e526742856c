// Package lifecycle routes edge lifecycle events to their handlers.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Event kinds.
const (
	Install           = "install"
	Activate          = "activate"
	Sync              = "sync"
	Push              = "push"
	NotificationClick = "notificationclick"
)

var ErrNoHandler = errors.New("lifecycle: no handler for event")

// Event is one lifecycle signal. Tag is used by sync events; Data carries
// the raw push payload or click details.
type Event struct {
	Kind string          `json:"kind"`
	Tag  string          `json:"tag,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler runs one event to completion. The returned value is what the
// caller waits on, such as an install report or a sync report.
type Handler func(ctx context.Context, ev Event) (any, error)

// Dispatcher is a table from event kind to handler.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[string]Handler{}}
}

// On registers h for kind, replacing any previous handler.
func (d *Dispatcher) On(kind string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[ev.Kind]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, ev.Kind)
	}
	return h(ctx, ev)
}

// Kinds lists registered event kinds in sorted order.
func (d *Dispatcher) Kinds() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
