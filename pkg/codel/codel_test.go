package codel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFOWhileIdle(t *testing.T) {
	q := NewQueue[int](10, time.Minute, time.Minute)

	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	require.NoError(t, q.Push(3))

	v, err, ok := q.Pop()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "an idle queue drains FIFO")
}

func TestQueue_PushFailsAtCapacity(t *testing.T) {
	q := NewQueue[int](2, time.Minute, time.Minute)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	assert.ErrorIs(t, q.Push(3), ErrQueueFull)
}

func TestQueue_PopEmptyReportsNotOK(t *testing.T) {
	q := NewQueue[int](2, time.Minute, time.Minute)
	_, err, ok := q.Pop()
	assert.False(t, ok)
	assert.NoError(t, err)
}

// TestQueue_ExpiredHeadDrainsBeforeLIFO exercises the S4 fairness scenario:
// a queue that sat idle long enough for its oldest entry to outlive the
// idle/congested transition drains that expired head first, then falls
// back to LIFO order among the still-live congested entries.
func TestQueue_ExpiredHeadDrainsBeforeLIFO(t *testing.T) {
	start := time.Unix(1700000000, 0)
	clock := start
	q := NewQueue[int](10, time.Minute, time.Hour)
	q.now = func() time.Time { return clock }
	q.lastTimeEmpty = clock

	require.NoError(t, q.Push(1)) // pushed while idle: 1-minute deadline

	clock = clock.Add(2 * time.Minute) // queue has been busy longer than idleExpiration: congested
	require.NoError(t, q.Push(2))
	require.NoError(t, q.Push(3))

	v, err, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.ErrorIs(t, err, Expired{})

	v, err, ok = q.Pop()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 3, v, "congested queue pops most-recently-pushed first")

	v, err, ok = q.Pop()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestAsync_TrySendThenNext(t *testing.T) {
	snd, rcv := NewAsync[string](10, time.Minute, time.Minute)
	require.NoError(t, snd.TrySend("hello"))

	v, err, ok := rcv.Next(context.Background())
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestAsync_NextBlocksUntilSend(t *testing.T) {
	snd, rcv := NewAsync[int](10, time.Minute, time.Minute)

	resultCh := make(chan int, 1)
	go func() {
		v, err, ok := rcv.Next(context.Background())
		if ok && err == nil {
			resultCh <- v
		}
	}()

	time.Sleep(10 * time.Millisecond) // give Next a chance to block on notify
	require.NoError(t, snd.TrySend(42))

	select {
	case v := <-resultCh:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after TrySend")
	}
}

func TestAsync_NextReturnsOnContextCancel(t *testing.T) {
	_, rcv := NewAsync[int](10, time.Minute, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err, ok := rcv.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAsync_CloseWakesReceiverWithNotOK(t *testing.T) {
	snd, rcv := NewAsync[int](10, time.Minute, time.Minute)

	doneCh := make(chan bool, 1)
	go func() {
		_, _, ok := rcv.Next(context.Background())
		doneCh <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	snd.Close()

	select {
	case ok := <-doneCh:
		assert.False(t, ok, "Next should report ok=false once every sender has closed")
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after sender Close")
	}
}

func TestAsync_ClonedSenderKeepsQueueOpen(t *testing.T) {
	snd, rcv := NewAsync[int](10, time.Minute, time.Minute)
	snd2 := snd.Clone()
	snd.Close()

	require.NoError(t, snd2.TrySend(7))
	v, err, ok := rcv.Next(context.Background())
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
