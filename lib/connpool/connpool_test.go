package connpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	closed int32
}

func (f *fakeTransport) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

func TestAcquireFastPathReusesReadyClient(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	key := KeyFor("ssh", "example.com", 22, "alice", "")
	var dials int32
	dial := func(ctx context.Context, k Key) (Transport, error) {
		atomic.AddInt32(&dials, 1)
		return &fakeTransport{}, nil
	}

	c1, err := p.Acquire(context.Background(), key, "tab1", "ssh", dial)
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), key, "tab2", "ssh", dial)
	require.NoError(t, err)

	require.Same(t, c1, c2)
	require.Equal(t, int32(1), atomic.LoadInt32(&dials))
	require.Equal(t, 2, c1.RefCount())
}

func TestAcquireCoalescesConcurrentDials(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	key := KeyFor("ssh", "example.com", 22, "alice", "")
	var dials int32
	release := make(chan struct{})
	dial := func(ctx context.Context, k Key) (Transport, error) {
		atomic.AddInt32(&dials, 1)
		<-release
		return &fakeTransport{}, nil
	}

	var wg sync.WaitGroup
	results := make([]*PooledClient, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), key, "tab", "ssh", dial)
			require.NoError(t, err)
			results[i] = c
		}(i)
	}
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&dials))
	for _, c := range results[1:] {
		require.Same(t, results[0], c)
	}
}

func TestReleaseKeepsClientOnTransientDrop(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	key := KeyFor("ssh", "example.com", 22, "alice", "")
	ft := &fakeTransport{}
	dial := func(ctx context.Context, k Key) (Transport, error) { return ft, nil }

	_, err = p.Acquire(context.Background(), key, "tab1", "ssh", dial)
	require.NoError(t, err)

	require.NoError(t, p.Release(key, "tab1", false))
	_, ok := p.Get(key)
	require.True(t, ok, "transient release must not remove the client")
	require.Zero(t, atomic.LoadInt32(&ft.closed))
}

func TestReleaseClosesOnIntentionalWithNoRefs(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	key := KeyFor("ssh", "example.com", 22, "alice", "")
	ft := &fakeTransport{}
	dial := func(ctx context.Context, k Key) (Transport, error) { return ft, nil }

	_, err = p.Acquire(context.Background(), key, "tab1", "ssh", dial)
	require.NoError(t, err)

	require.NoError(t, p.Release(key, "tab1", true))
	_, ok := p.Get(key)
	require.False(t, ok)
	require.Equal(t, int32(1), atomic.LoadInt32(&ft.closed))
}

func TestReleaseKeepsClientWhileOtherRefsRemain(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	key := KeyFor("ssh", "example.com", 22, "alice", "")
	ft := &fakeTransport{}
	dial := func(ctx context.Context, k Key) (Transport, error) { return ft, nil }

	_, err = p.Acquire(context.Background(), key, "tab1", "ssh", dial)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), key, "tab2", "ssh", dial)
	require.NoError(t, err)

	require.NoError(t, p.Release(key, "tab1", true))
	_, ok := p.Get(key)
	require.True(t, ok)
	require.Zero(t, atomic.LoadInt32(&ft.closed))
}

func TestTopNTracksMostRecentlyUsed(t *testing.T) {
	var notified [][]Key
	p, err := New(Config{TopN: 2, OnTopChanged: func(keys []Key) {
		cp := append([]Key(nil), keys...)
		notified = append(notified, cp)
	}})
	require.NoError(t, err)

	dial := func(ctx context.Context, k Key) (Transport, error) { return &fakeTransport{}, nil }

	k1 := KeyFor("ssh", "a.com", 22, "alice", "")
	k2 := KeyFor("ssh", "b.com", 22, "alice", "")
	k3 := KeyFor("ssh", "c.com", 22, "alice", "")

	_, err = p.Acquire(context.Background(), k1, "tab1", "ssh", dial)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), k2, "tab1", "ssh", dial)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), k3, "tab1", "ssh", dial)
	require.NoError(t, err)

	top := p.TopN()
	require.Len(t, top, 2)
	require.Equal(t, k3, top[0])
	require.NotEmpty(t, notified)
}

func TestKeyForIsDeterministicAndDistinguishesProxy(t *testing.T) {
	k1 := KeyFor("ssh", "example.com", 22, "alice", "")
	k2 := KeyFor("ssh", "example.com", 22, "alice", "")
	k3 := KeyFor("ssh", "example.com", 22, "alice", "proxy.internal:1080")

	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}
