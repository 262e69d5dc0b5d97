package mempool

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestAllocateFromClass(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	b, err := p.Allocate(2048)
	require.NoError(t, err)
	require.Equal(t, 4*1024, b.Size())
	require.Equal(t, StateAllocated, b.state)
}

func TestFreeIsIdempotent(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	b, err := p.Allocate(1024)
	require.NoError(t, err)

	b.Buf[0] = 0xFF
	b.Free()
	require.Equal(t, byte(0), b.Buf[0], "free must zero the buffer")

	// double free must be a no-op, not a panic or error
	require.NotPanics(t, func() {
		b.Free()
		b.Free()
	})
}

func TestAllocateExpandsWithinHardCap(t *testing.T) {
	p, err := New(Config{Classes: []classSpec{{size: 4096, initial: 2}}})
	require.NoError(t, err)

	var blocks []*Block
	for i := 0; i < 6; i++ {
		b, err := p.Allocate(4096)
		require.NoError(t, err, "allocation %d should succeed within hard cap (2*3)", i)
		blocks = append(blocks, b)
	}

	_, err = p.Allocate(4096)
	require.Error(t, err, "7th allocation should exceed hard cap with nothing freed")

	blocks[0].Free()
	_, err = p.Allocate(4096)
	require.NoError(t, err, "freeing a block should allow a subsequent allocation")
}

func TestAdaptivePathRoundsToPowerOfTwo(t *testing.T) {
	p, err := New(Config{Classes: []classSpec{{size: 4096, initial: 1}}})
	require.NoError(t, err)

	b, err := p.Allocate(100_000)
	require.NoError(t, err)
	require.Equal(t, 131072, b.Size())
}

func TestAdaptivePathRespectsCeiling(t *testing.T) {
	p, err := New(Config{
		Classes: []classSpec{{size: 4096, initial: 1}},
		Ceiling: 1000,
	})
	require.NoError(t, err)

	_, err = p.Allocate(100_000)
	require.Error(t, err)
}

func TestReservedBlockReclaimedAfterAge(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p, err := New(Config{
		Classes: []classSpec{{size: 4096, initial: 1}},
		Clock:   clock,
	})
	require.NoError(t, err)

	b, err := p.Allocate(4096)
	require.NoError(t, err)
	b.Reserve()

	// Fill the class to its hard cap (1*3) so only reclamation can
	// serve another allocation.
	for i := 0; i < 2; i++ {
		_, err := p.Allocate(4096)
		require.NoError(t, err)
	}

	_, err = p.Allocate(4096)
	require.Error(t, err, "class is at its hard cap and the reserved block is not yet old enough")

	clock.Advance(reclaimAge + time.Second)
	b2, err := p.Allocate(4096)
	require.NoError(t, err, "aged reserved block should be reclaimed")
	require.Equal(t, b.Buf[0:0], b2.Buf[0:0])
}

func TestFragmentationTriggersShrink(t *testing.T) {
	p, err := New(Config{Classes: []classSpec{{size: 4096, initial: 10}}})
	require.NoError(t, err)

	var blocks []*Block
	for i := 0; i < 10; i++ {
		b, err := p.Allocate(4096)
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
	for _, b := range blocks {
		b.Free()
	}

	c := p.classes[0]
	c.mu.Lock()
	total := len(c.free) + len(c.allocated)
	c.mu.Unlock()
	require.Less(t, total, 10, "freeing every block should shrink the pool")
}
