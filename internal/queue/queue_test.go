package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(Config{InMemory: true, MaxAttempts: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue("analyze", "cycle-1", []byte("first")))
	require.NoError(t, q.Enqueue("analyze", "cycle-2", []byte("second")))

	m1, err := q.Dequeue(ctx, "analyze")
	require.NoError(t, err)
	assert.Equal(t, "first", string(m1.Payload))
	assert.Equal(t, "cycle-1", m1.Key)
	require.NoError(t, q.Ack(m1))

	m2, err := q.Dequeue(ctx, "analyze")
	require.NoError(t, err)
	assert.Equal(t, "second", string(m2.Payload))
	require.NoError(t, q.Ack(m2))

	n, err := q.Len("analyze")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = q.Enqueue("act", "c1", []byte("late"))
	}()

	start := time.Now()
	m, err := q.Dequeue(ctx, "act")
	require.NoError(t, err)
	assert.Equal(t, "late", string(m.Payload))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDequeueContextCancel(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx, "empty")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNackRedeliversThenDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue("learn", "cycle-9", []byte("poison")))

	// Attempts 1 and 2 redeliver.
	for i := 0; i < 2; i++ {
		m, err := q.Dequeue(ctx, "learn")
		require.NoError(t, err)
		dead, err := q.Nack(m)
		require.NoError(t, err)
		assert.False(t, dead, "dead-lettered too early on attempt %d", i+1)
	}

	// Third failure exhausts MaxAttempts.
	m, err := q.Dequeue(ctx, "learn")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Attempts)
	dead, err := q.Nack(m)
	require.NoError(t, err)
	assert.True(t, dead)

	n, err := q.Len("learn")
	require.NoError(t, err)
	assert.Zero(t, n, "poison message still on the live topic")

	dls, err := q.DeadLetters("learn")
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "cycle-9", dls[0].Key)
	assert.Equal(t, 3, dls[0].Attempts)
}

func TestLeasePreventsDoubleDelivery(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue("analyze", "c1", []byte("only")))

	m, err := q.Dequeue(ctx, "analyze")
	require.NoError(t, err)

	// While leased the message must not be redelivered.
	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(shortCtx, "analyze")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Ack(m))
}

func TestTopicsAreIndependent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue("a", "k", []byte("for-a")))
	require.NoError(t, q.Enqueue("b", "k", []byte("for-b")))

	mb, err := q.Dequeue(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "for-b", string(mb.Payload))

	ma, err := q.Dequeue(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "for-a", string(ma.Payload))
}
