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

// Package backpressure implements the per-stream credit window described
// in spec.md §4.2: writes beyond the window suspend until the transport
// acknowledges delivery, and a throttle signal fires once most of the
// credit is in flight.
package backpressure

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	ss "github.com/funkpopo/simpleshell-engine"
)

const (
	// DefaultInitialCredit is the starting credit window, per spec.md §4.2.
	DefaultInitialCredit = 256 * 1024
	// DefaultMaxCredit is the upper bound the window may grow to.
	DefaultMaxCredit = 1024 * 1024
	// throttleRatio is the fraction of the window in flight that fires
	// the throttle signal.
	throttleRatio = 0.75
)

// Config configures a Controller.
type Config struct {
	InitialCredit int
	MaxCredit     int
	Log           log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.InitialCredit == 0 {
		c.InitialCredit = DefaultInitialCredit
	}
	if c.MaxCredit == 0 {
		c.MaxCredit = DefaultMaxCredit
	}
	if c.InitialCredit > c.MaxCredit {
		return trace.BadParameter("initial credit %d exceeds max credit %d", c.InitialCredit, c.MaxCredit)
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "backpressure")
	}
	return nil
}

// pendingWrite is a write waiting for enough credit to proceed.
type pendingWrite struct {
	size int
	done chan error
}

// Controller is a single stream's credit window. It is not safe to share
// across streams; the Stream Multiplexer (§4.7) owns one per ShellStream
// and the SFTP Engine owns one per active transfer.
type Controller struct {
	Config

	mu        sync.Mutex
	window    int
	inFlight  int
	destroyed bool
	waiters   []*pendingWrite
	throttle  chan struct{}
}

// New constructs a Controller from cfg.
func New(cfg Config) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{
		Config:   cfg,
		window:   cfg.InitialCredit,
		throttle: make(chan struct{}, 1),
	}, nil
}

// Reserve blocks until size bytes of credit are available (or ctx is
// done, or the stream is destroyed), then marks them in flight. Callers
// release the credit with Acknowledge once the transport confirms
// delivery. This is the suspension point spec.md §5 calls out: "each
// write in the Backpressure Controller when credit is exhausted."
func (c *Controller) Reserve(ctx context.Context, size int) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ss.NewKind(ss.KindInternal, "backpressure: stream destroyed")
	}
	if c.inFlight+size <= c.window {
		c.inFlight += size
		c.maybeThrottle()
		c.mu.Unlock()
		return nil
	}

	pw := &pendingWrite{size: size, done: make(chan error, 1)}
	c.waiters = append(c.waiters, pw)
	c.mu.Unlock()

	select {
	case err := <-pw.done:
		return err
	case <-ctx.Done():
		c.removeWaiter(pw)
		return ctx.Err()
	}
}

// Acknowledge returns size bytes of credit to the window once the
// transport has confirmed the corresponding write was delivered, waking
// any writers now able to proceed in FIFO order.
func (c *Controller) Acknowledge(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight -= size
	if c.inFlight < 0 {
		c.inFlight = 0
	}

	for len(c.waiters) > 0 {
		next := c.waiters[0]
		if c.inFlight+next.size > c.window {
			break
		}
		c.inFlight += next.size
		c.waiters = c.waiters[1:]
		next.done <- nil
	}
	c.maybeThrottle()
}

// Grow raises the credit window, capped at MaxCredit. Used when the
// transport signals it can sustain more in-flight data.
func (c *Controller) Grow(by int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window += by
	if c.window > c.MaxCredit {
		c.window = c.MaxCredit
	}
}

// Throttled returns a channel that receives a value whenever 75% of the
// credit window becomes in flight, per spec.md §4.2, so producers can
// pause upstream I/O. The channel is not closed; callers should drain it
// opportunistically rather than block on it.
func (c *Controller) Throttled() <-chan struct{} {
	return c.throttle
}

func (c *Controller) maybeThrottle() {
	if float64(c.inFlight) >= throttleRatio*float64(c.window) {
		select {
		case c.throttle <- struct{}{}:
		default:
		}
	}
}

func (c *Controller) removeWaiter(target *pendingWrite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Destroy fails every pending write with a cancellation error, per
// spec.md §4.2's "On stream destruction all pending writes are failed
// with a cancellation error."
func (c *Controller) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	for _, w := range c.waiters {
		w.done <- ss.NewKind(ss.KindInternal, "backpressure: stream destroyed")
	}
	c.waiters = nil
}
