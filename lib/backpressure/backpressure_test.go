package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReserveWithinWindowSucceedsImmediately(t *testing.T) {
	c, err := New(Config{InitialCredit: 1024, MaxCredit: 1024})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Reserve(ctx, 512))
}

func TestReserveBlocksUntilAcknowledge(t *testing.T) {
	c, err := New(Config{InitialCredit: 100, MaxCredit: 100})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Reserve(ctx, 100))

	done := make(chan error, 1)
	go func() {
		done <- c.Reserve(ctx, 50)
	}()

	select {
	case <-done:
		t.Fatal("reserve should have blocked with no credit available")
	case <-time.After(50 * time.Millisecond):
	}

	c.Acknowledge(100)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reserve should have unblocked after acknowledge")
	}
}

func TestReserveRespectsContextCancellation(t *testing.T) {
	c, err := New(Config{InitialCredit: 10, MaxCredit: 10})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Reserve(ctx, 10))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = c.Reserve(cctx, 5)
	require.ErrorIs(t, err, context.Canceled)
}

func TestThrottleSignalFiresAt75Percent(t *testing.T) {
	c, err := New(Config{InitialCredit: 100, MaxCredit: 100})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Reserve(ctx, 80))

	select {
	case <-c.Throttled():
	default:
		t.Fatal("expected throttle signal at 80% in flight")
	}
}

func TestDestroyFailsPendingWrites(t *testing.T) {
	c, err := New(Config{InitialCredit: 10, MaxCredit: 10})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Reserve(ctx, 10))

	done := make(chan error, 1)
	go func() {
		done <- c.Reserve(ctx, 5)
	}()
	time.Sleep(20 * time.Millisecond)

	c.Destroy()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("destroy should have failed the pending write")
	}
}

func TestWaitersServedFIFO(t *testing.T) {
	c, err := New(Config{InitialCredit: 10, MaxCredit: 10})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Reserve(ctx, 10))

	order := make(chan int, 2)
	go func() {
		_ = c.Reserve(ctx, 10)
		order <- 1
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		_ = c.Reserve(ctx, 10)
		order <- 2
	}()
	time.Sleep(10 * time.Millisecond)

	c.Acknowledge(10)
	c.Acknowledge(10)

	require.Equal(t, 1, <-order)
	require.Equal(t, 2, <-order)
}
