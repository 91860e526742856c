package bgsync

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queues(t *testing.T) map[string]Queue {
	t.Helper()
	sq, err := OpenSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Queue{
		"memory": NewMemoryQueue(),
		"sqlite": sq,
	}
}

func TestQueue_FIFOAndAck(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			a, err := q.Enqueue(ctx, []byte(`{"pharmacy":1}`))
			require.NoError(t, err)
			b, err := q.Enqueue(ctx, []byte(`{"pharmacy":2}`))
			require.NoError(t, err)
			c, err := q.Enqueue(ctx, []byte(`{"pharmacy":3}`))
			require.NoError(t, err)
			assert.NotEqual(t, a.ID, b.ID)

			items, err := q.PeekAll(ctx)
			require.NoError(t, err)
			require.Len(t, items, 3)
			assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{items[0].ID, items[1].ID, items[2].ID})
			assert.JSONEq(t, `{"pharmacy":2}`, string(items[1].Payload))

			require.NoError(t, q.Ack(ctx, b.ID))
			require.NoError(t, q.Ack(ctx, "unknown"))
			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			drained, err := q.DrainAll(ctx)
			require.NoError(t, err)
			require.Len(t, drained, 2)
			assert.Equal(t, a.ID, drained[0].ID)
			assert.Equal(t, c.ID, drained[1].ID)

			n, err = q.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestQueue_RejectsInvalidJSON(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, []byte(`{not json`))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestQueue_Closed(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Close())
			_, err := q.Enqueue(ctx, []byte(`{}`))
			assert.ErrorIs(t, err, ErrQueueClosed)
			_, err = q.PeekAll(ctx)
			assert.ErrorIs(t, err, ErrQueueClosed)
		})
	}
}

func TestSQLiteQueue_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := OpenSQLiteQueue(path)
	require.NoError(t, err)
	it, err := q.Enqueue(ctx, []byte(`{"medicine":"paracetamol"}`))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = OpenSQLiteQueue(path)
	require.NoError(t, err)
	defer q.Close()
	items, err := q.PeekAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, it.ID, items[0].ID)
	assert.Equal(t, it.QueuedAt.UnixNano(), items[0].QueuedAt.UnixNano())
}
