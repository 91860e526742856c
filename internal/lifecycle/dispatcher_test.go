package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_RoutesByKind(t *testing.T) {
	d := NewDispatcher()
	var gotTag string
	d.On(Sync, func(_ context.Context, ev Event) (any, error) {
		gotTag = ev.Tag
		return "synced", nil
	})
	d.On(Install, func(context.Context, Event) (any, error) { return "installed", nil })

	out, err := d.Dispatch(context.Background(), Event{Kind: Sync, Tag: "sync-reservations"})
	require.NoError(t, err)
	assert.Equal(t, "synced", out)
	assert.Equal(t, "sync-reservations", gotTag)
	assert.Equal(t, []string{Install, Sync}, d.Kinds())
}

func TestDispatch_UnknownKind(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Dispatch(context.Background(), Event{Kind: "periodicsync"})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestDispatch_HandlerErrorPropagates(t *testing.T) {
	d := NewDispatcher()
	boom := errors.New("boom")
	d.On(Activate, func(context.Context, Event) (any, error) { return nil, boom })
	_, err := d.Dispatch(context.Background(), Event{Kind: Activate})
	assert.ErrorIs(t, err, boom)
}

func TestOn_Replaces(t *testing.T) {
	d := NewDispatcher()
	d.On(Push, func(context.Context, Event) (any, error) { return 1, nil })
	d.On(Push, func(context.Context, Event) (any, error) { return 2, nil })
	out, err := d.Dispatch(context.Background(), Event{Kind: Push})
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}
