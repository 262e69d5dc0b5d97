/*
Copyright 2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package mempool implements the fixed-class pooled byte buffer described
// in spec.md §4.1: a small set of predefined block sizes, an adaptive
// path for odd-sized requests, and fragmentation-driven reclamation.
package mempool

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	ss "github.com/funkpopo/simpleshell-engine"
)

// State is the lifecycle state of a MemoryBlock.
type State int

const (
	StateFree State = iota
	StateAllocated
	StateReserved
)

// defaultClasses are the four pool classes spec.md §4.1 requires.
var defaultClasses = []classSpec{
	{size: 4 * 1024, initial: 100},
	{size: 64 * 1024, initial: 50},
	{size: 1024 * 1024, initial: 20},
	{size: 8 * 1024 * 1024, initial: 5},
}

const (
	// defaultCeiling is the global byte ceiling across all classes.
	defaultCeiling = 512 * 1024 * 1024
	// hardCapMultiplier bounds how far a class may expand beyond its
	// initial block count.
	hardCapMultiplier = 3
	// reclaimAge is how long after its allocation a reserved block may
	// sit before pool-local reclamation takes it back.
	reclaimAge = 5 * time.Minute
	// fragmentationShrinkRatio triggers a shrink of free blocks.
	fragmentationShrinkRatio = 0.7
	// shrinkTarget is the fraction of pool size kept after a shrink.
	shrinkTarget = 0.2
	// gcUsageThreshold is the used/total byte ratio across the
	// predefined classes at or above which an allocation logs a debug
	// message. Crossing it does not run a reclamation pass.
	gcUsageThreshold = 0.8
)

type classSpec struct {
	size    int
	initial int
}

// Block is a single pooled allocation handed back to callers.
type Block struct {
	ID         uint64
	Buf        []byte
	Class      int
	state      State
	allocated  time.Time
	useCount   int
	pool       *Pool
	class      *class
}

// Size returns the usable size of the block (the class size, which may
// be larger than the originally requested size).
func (b *Block) Size() int { return len(b.Buf) }

// Free returns the block to its origin pool. Double-free is a
// recoverable no-op with a warning, per spec.md §4.1.
func (b *Block) Free() {
	b.pool.free(b)
}

// Reserve marks an allocated block as held for future use (e.g. the
// SFTP engine's chunk read-ahead) without resetting its allocation
// clock, making it eligible for age-based reclamation if it's never
// consumed, per spec.md §4.1's pool-local reclamation rule.
func (b *Block) Reserve() {
	if b.class == nil {
		return
	}
	b.class.mu.Lock()
	if b.state == StateAllocated {
		b.state = StateReserved
	}
	b.class.mu.Unlock()
}

type class struct {
	size      int
	mu        sync.Mutex
	free      []*Block
	allocated map[uint64]*Block
	hardCap   int
	dynamic   bool
}

// Config configures a Pool.
type Config struct {
	// Classes overrides the default pool classes; nil uses
	// defaultClasses.
	Classes []classSpec
	// Ceiling is the global byte ceiling across all classes and
	// dynamic blocks.
	Ceiling int
	// Clock is used for reclamation scheduling so tests can use a
	// clockwork.FakeClock instead of real sleeps.
	Clock clockwork.Clock
	// Log is the component logger.
	Log log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if len(c.Classes) == 0 {
		c.Classes = defaultClasses
	}
	if c.Ceiling == 0 {
		c.Ceiling = defaultCeiling
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "mempool")
	}
	return nil
}

// Pool is the process-wide memory pool described in spec.md §4.1. It is
// safe for concurrent use; the Memory Pool is one of the two shared
// resources called out in spec.md §5 as requiring internal
// synchronization.
type Pool struct {
	Config

	mu          sync.Mutex
	classes     []*class
	nextID      uint64
	dynamic     map[int]*class
	totalBytes  int64
}

// New constructs a Pool from cfg, creating the default classes'
// pre-populated free lists.
func New(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	p := &Pool{
		Config:  cfg,
		dynamic: make(map[int]*class),
	}
	for _, cs := range cfg.Classes {
		c := &class{
			size:      cs.size,
			allocated: make(map[uint64]*Block),
			hardCap:   cs.initial * hardCapMultiplier,
		}
		for i := 0; i < cs.initial; i++ {
			c.free = append(c.free, &Block{Buf: make([]byte, cs.size), Class: cs.size})
		}
		p.classes = append(p.classes, c)
		p.totalBytes += int64(cs.initial * cs.size)
	}
	return p, nil
}

// Allocate returns a block whose size is >= requested, drawn from the
// smallest class that fits. If the request doesn't fit any predefined
// class it is served by the adaptive power-of-two path.
func (p *Pool) Allocate(requested int) (*Block, error) {
	if requested <= 0 {
		return nil, trace.BadParameter("requested size must be positive")
	}

	cls := p.findClass(requested)
	if cls == nil {
		return p.allocateAdaptive(requested)
	}

	if b := p.tryTakeFree(cls); b != nil {
		return p.finalize(b, cls), nil
	}

	if p.expandClass(cls) {
		if b := p.tryTakeFree(cls); b != nil {
			return p.finalize(b, cls), nil
		}
	}

	p.reclaimOlderThan(cls, reclaimAge)
	if b := p.tryTakeFree(cls); b != nil {
		return p.finalize(b, cls), nil
	}

	p.globalReclaim()
	if b := p.tryTakeFree(cls); b != nil {
		return p.finalize(b, cls), nil
	}

	return nil, ss.NewKind(ss.KindResourceExhaustion, "memory pool: no free block available for class %d bytes", cls.size)
}

func (p *Pool) finalize(b *Block, cls *class) *Block {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	b.ID = id
	b.state = StateAllocated
	b.allocated = p.Clock.Now()
	b.useCount++
	b.pool = p
	b.class = cls

	cls.mu.Lock()
	cls.allocated[id] = b
	cls.mu.Unlock()
	if p.usageRatio() >= gcUsageThreshold {
		p.Log.Debug("pool usage at or above GC threshold")
	}
	return b
}

func (p *Pool) findClass(requested int) *class {
	for _, c := range p.classes {
		if c.size >= requested {
			return c
		}
	}
	return nil
}

func (p *Pool) tryTakeFree(c *class) *Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.free) == 0 {
		return nil
	}
	n := len(c.free) - 1
	b := c.free[n]
	c.free = c.free[:n]
	return b
}

// expandClass grows a class's backing free list within its hard cap.
// Returns true if at least one block was added.
func (p *Pool) expandClass(c *class) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := len(c.free) + len(c.allocated)
	if current >= c.hardCap {
		return false
	}
	c.free = append(c.free, &Block{Buf: make([]byte, c.size), Class: c.size})
	return true
}

// reclaimOlderThan takes back reserved blocks (see Block.Reserve) that
// were allocated more than age ago: each is zeroed, marked free and
// returned to c's free list. Allocated blocks that were never reserved
// are not touched.
func (p *Pool) reclaimOlderThan(c *class, age time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := p.Clock.Now().Add(-age)
	for id, b := range c.allocated {
		if b.state == StateReserved && b.allocated.Before(cutoff) {
			delete(c.allocated, id)
			b.state = StateFree
			zero(b.Buf)
			c.free = append(c.free, b)
		}
	}
}

// globalReclaim runs reclaimOlderThan across all predefined classes
// with a zero age, reclaiming every reserved block allocated before
// now. Only blocks reclaimed into the starved class can serve the
// allocation that triggered it.
func (p *Pool) globalReclaim() {
	for _, c := range p.classes {
		p.reclaimOlderThan(c, 0)
	}
}

func (p *Pool) usageRatio() float64 {
	var used, total int64
	for _, c := range p.classes {
		c.mu.Lock()
		used += int64(len(c.allocated) * c.size)
		total += int64((len(c.allocated) + len(c.free)) * c.size)
		c.mu.Unlock()
	}
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total)
}

// allocateAdaptive rounds requested up to the next power of two and
// serves it from a dynamically created class, provided the global
// ceiling allows ten more blocks of that size.
func (p *Pool) allocateAdaptive(requested int) (*Block, error) {
	size := nextPowerOfTwo(requested)

	p.mu.Lock()
	c, ok := p.dynamic[size]
	if !ok {
		projected := p.totalBytes + int64(size*10)
		if projected > int64(p.Ceiling) {
			p.mu.Unlock()
			return nil, ss.NewKind(ss.KindResourceExhaustion, "memory pool: ceiling reached, cannot create dynamic class for %d bytes", size)
		}
		c = &class{size: size, allocated: make(map[uint64]*Block), hardCap: 10 * hardCapMultiplier, dynamic: true}
		p.dynamic[size] = c
		p.totalBytes = projected
	}
	p.mu.Unlock()

	b := &Block{Buf: make([]byte, size), Class: size}
	return p.finalize(b, c), nil
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// free returns b to its origin class. Double-free is detected via the
// state field and logged as a warning rather than an error, per
// spec.md §4.1 and the idempotence invariant in spec.md §8.7.
func (p *Pool) free(b *Block) {
	if b == nil || b.class == nil {
		return
	}
	c := b.class

	c.mu.Lock()
	defer c.mu.Unlock()

	if b.state == StateFree {
		p.Log.Warnf("double-free of memory block %d ignored", b.ID)
		return
	}

	delete(c.allocated, b.ID)
	zero(b.Buf)
	b.state = StateFree
	c.free = append(c.free, b)

	p.maybeShrink(c)
}

// maybeShrink trims a class's free list down to shrinkTarget of its
// size once the fragmentation ratio (free / total) reaches
// fragmentationShrinkRatio, per spec.md §4.1's integrity rule. Caller
// holds c.mu.
func (p *Pool) maybeShrink(c *class) {
	total := len(c.free) + len(c.allocated)
	if total == 0 {
		return
	}
	ratio := float64(len(c.free)) / float64(total)
	if ratio < fragmentationShrinkRatio {
		return
	}
	target := int(float64(total) * shrinkTarget)
	if target < len(c.allocated) {
		target = len(c.allocated)
	}
	excess := total - target
	for excess > 0 && len(c.free) > 0 {
		c.free = c.free[:len(c.free)-1]
		excess--
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
