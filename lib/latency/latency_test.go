package latency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestClassifyThresholds(t *testing.T) {
	require.Equal(t, ClassExcellent, Classify(50*time.Millisecond))
	require.Equal(t, ClassGood, Classify(100*time.Millisecond))
	require.Equal(t, ClassFair, Classify(200*time.Millisecond))
	require.Equal(t, ClassPoor, Classify(500*time.Millisecond))
	require.Equal(t, ClassBad, Classify(501*time.Millisecond))
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func unlimited() *rate.Limiter { return rate.NewLimiter(rate.Inf, 1) }

func TestProberEmitsUpdatedOnSuccess(t *testing.T) {
	rec := &eventRecorder{}
	p, err := New(Config{OnEvent: rec.record, Limiter: unlimited()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, "tab1", "example.com", 22, func(ctx context.Context) (time.Duration, error) {
		return 40 * time.Millisecond, nil
	})

	require.Eventually(t, func() bool { return rec.count() > 0 }, time.Second, time.Millisecond)
	e := rec.last()
	require.Equal(t, "updated", e.Kind)
	require.Equal(t, ClassExcellent, e.Class)

	sample, ok := p.Sample("tab1")
	require.True(t, ok)
	require.Equal(t, StatusOK, sample.Status)
}

func TestProberEmitsErrorWithoutRemovingSession(t *testing.T) {
	rec := &eventRecorder{}
	p, err := New(Config{OnEvent: rec.record, Limiter: unlimited()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, "tab1", "example.com", 22, func(ctx context.Context) (time.Duration, error) {
		return 0, deadlineExceeded()
	})

	require.Eventually(t, func() bool { return rec.count() > 0 }, time.Second, time.Millisecond)
	e := rec.last()
	require.Equal(t, "error", e.Kind)

	_, ok := p.Sample("tab1")
	require.True(t, ok, "session must survive a probe error, per spec")
}

func TestProbeNowTriggersImmediateProbe(t *testing.T) {
	rec := &eventRecorder{}
	clock := clockwork.NewFakeClock()
	p, err := New(Config{OnEvent: rec.record, Limiter: unlimited(), Clock: clock, Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	var mu sync.Mutex
	p.Start(ctx, "tab1", "example.com", 22, func(ctx context.Context) (time.Duration, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return 10 * time.Millisecond, nil
	})

	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return calls == 1 }, time.Second, time.Millisecond)

	p.ProbeNow("tab1")
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return calls == 2 }, time.Second, time.Millisecond)
}

func TestStopEmitsDisconnected(t *testing.T) {
	rec := &eventRecorder{}
	p, err := New(Config{OnEvent: rec.record, Limiter: unlimited()})
	require.NoError(t, err)

	ctx := context.Background()
	p.Start(ctx, "tab1", "example.com", 22, func(ctx context.Context) (time.Duration, error) {
		return 10 * time.Millisecond, nil
	})
	require.Eventually(t, func() bool { return rec.count() > 0 }, time.Second, time.Millisecond)

	p.Stop("tab1")
	require.Equal(t, "disconnected", rec.last().Kind)

	_, ok := p.Sample("tab1")
	require.False(t, ok)
}

func TestWindowIsBoundedToTenSamples(t *testing.T) {
	rec := &eventRecorder{}
	clock := clockwork.NewFakeClock()
	p, err := New(Config{OnEvent: rec.record, Limiter: unlimited(), Clock: clock, Interval: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx, "tab1", "example.com", 22, func(ctx context.Context) (time.Duration, error) {
		return 10 * time.Millisecond, nil
	})
	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, time.Millisecond)

	for i := 0; i < 15; i++ {
		p.ProbeNow("tab1")
		require.Eventually(t, func() bool { return rec.count() >= i+2 }, time.Second, time.Millisecond)
	}

	sample, ok := p.Sample("tab1")
	require.True(t, ok)
	require.LessOrEqual(t, len(sample.Window), WindowSize)
}

// deadlineExceeded avoids importing "errors" for a single sentinel-ish
// error in this test file.
func deadlineExceeded() error { return context.DeadlineExceeded }
