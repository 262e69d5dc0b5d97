package reconnect

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/funkpopo/simpleshell-engine/lib/connpool"
)

type fakeTransport struct{ closed int32 }

func (f *fakeTransport) Close() error { atomic.AddInt32(&f.closed, 1); return nil }

func TestDelayForAttemptDoublesAndCaps(t *testing.T) {
	require.Equal(t, 250*time.Millisecond, delayForAttempt(0))
	require.Equal(t, 500*time.Millisecond, delayForAttempt(1))
	require.Equal(t, time.Second, delayForAttempt(2))
	require.Equal(t, 2*time.Second, delayForAttempt(3))
	require.Equal(t, 4*time.Second, delayForAttempt(4))
	require.Equal(t, 8*time.Second, delayForAttempt(5))
	require.Equal(t, 10*time.Second, delayForAttempt(6))
	require.Equal(t, 10*time.Second, delayForAttempt(10), "must stay capped at 10s")
}

func TestStartSucceedsOnFirstAttempt(t *testing.T) {
	pool, err := connpool.New(connpool.Config{})
	require.NoError(t, err)

	key := connpool.KeyFor("ssh", "example.com", 22, "alice", "")
	dial := func(ctx context.Context, k connpool.Key) (connpool.Transport, error) { return &fakeTransport{}, nil }
	_, err = pool.Acquire(context.Background(), key, "tab1", "ssh", dial)
	require.NoError(t, err)

	var reconnected int32
	m, err := New(Config{Pool: pool, OnReconnected: func(k connpool.Key) { atomic.AddInt32(&reconnected, 1) }})
	require.NoError(t, err)

	m.Start(context.Background(), key, func(ctx context.Context, k connpool.Key) (connpool.Transport, error) {
		return &fakeTransport{}, nil
	})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&reconnected) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Await(context.Background(), key))

	c, ok := pool.Get(key)
	require.True(t, ok)
	require.Equal(t, connpool.ReconnectIdle, c.ReconnectState)
}

func TestStartRetriesThenSucceeds(t *testing.T) {
	pool, err := connpool.New(connpool.Config{})
	require.NoError(t, err)
	key := connpool.KeyFor("ssh", "example.com", 22, "alice", "")
	dial := func(ctx context.Context, k connpool.Key) (connpool.Transport, error) { return &fakeTransport{}, nil }
	_, err = pool.Acquire(context.Background(), key, "tab1", "ssh", dial)
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	var reconnected int32
	m, err := New(Config{Pool: pool, Clock: clock, OnReconnected: func(k connpool.Key) { atomic.AddInt32(&reconnected, 1) }})
	require.NoError(t, err)

	var calls int32
	m.Start(context.Background(), key, func(ctx context.Context, k connpool.Key) (connpool.Transport, error) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			return nil, plainErr("connection refused")
		}
		return &fakeTransport{}, nil
	})

	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(MaxDelay)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&reconnected) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestAwaitReturnsNilWhenNoAttemptRunning(t *testing.T) {
	pool, err := connpool.New(connpool.Config{})
	require.NoError(t, err)
	m, err := New(Config{Pool: pool})
	require.NoError(t, err)

	key := connpool.KeyFor("ssh", "example.com", 22, "alice", "")
	require.NoError(t, m.Await(context.Background(), key))
}

func TestWindowExhaustionTransitionsToFailed(t *testing.T) {
	pool, err := connpool.New(connpool.Config{})
	require.NoError(t, err)
	key := connpool.KeyFor("ssh", "example.com", 22, "alice", "")
	dial := func(ctx context.Context, k connpool.Key) (connpool.Transport, error) { return &fakeTransport{}, nil }
	_, err = pool.Acquire(context.Background(), key, "tab1", "ssh", dial)
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	var offline int32
	m, err := New(Config{Pool: pool, Clock: clock, OnOffline: func(k connpool.Key) { atomic.AddInt32(&offline, 1) }})
	require.NoError(t, err)

	m.Start(context.Background(), key, func(ctx context.Context, k connpool.Key) (connpool.Transport, error) {
		return nil, plainErr("connection refused")
	})

	// Backoff delays (250ms, 500ms, 1s, 2s, 4s, 8s, then 10s-capped)
	// sum past the 1-minute window after 10 waited steps; drive the
	// fake clock through them in the background so the main goroutine
	// isn't at risk of blocking forever on a stale BlockUntil once the
	// manager stops scheduling timers.
	go func() {
		for i := 0; i < 10; i++ {
			clock.BlockUntil(1)
			clock.Advance(MaxDelay)
		}
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&offline) == 1 }, 2*time.Second, time.Millisecond)
	c, ok := pool.Get(key)
	require.True(t, ok)
	require.Equal(t, connpool.ReconnectFailed, c.ReconnectState)
}

type plainError string

func (p plainError) Error() string { return string(p) }
func plainErr(msg string) error    { return plainError(msg) }
