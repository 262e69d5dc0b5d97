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

// Package reconnect implements the Reconnection Manager described in
// spec.md §4.6: per connection key, schedule reconnect attempts with
// exponential backoff after an unintentional stream close, coalescing
// concurrent acquires onto the outcome of the attempt already running.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	ss "github.com/funkpopo/simpleshell-engine"
	"github.com/funkpopo/simpleshell-engine/lib/connpool"
)

// State is a connection key's reconnection state, per spec.md §3/§4.6.
type State string

const (
	StateIdle          State = "idle"
	StatePending        State = "pending"
	StateReconnecting   State = "reconnecting"
	StateFailed         State = "failed"
)

const (
	// BaseDelay is the initial backoff delay, per spec.md §4.6.
	BaseDelay = 250 * time.Millisecond
	// MaxDelay caps each individual backoff step.
	MaxDelay = 10 * time.Second
	// MaxWindow is the total time budget across all attempts before
	// the manager gives up and transitions to failed.
	MaxWindow = time.Minute
)

// delayForAttempt returns 250ms * 2^n capped at MaxDelay, per
// spec.md §4.6's "250 ms × 2ⁿ, capped at 10 s".
func delayForAttempt(n int) time.Duration {
	d := BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= MaxDelay {
			return MaxDelay
		}
	}
	return d
}

// Reconnector re-establishes a transport for key, mirroring the
// Dialer the Connection Pool uses. It typically re-runs the Auth
// Orchestrator, per spec.md §4.6's "re-runs Auth Orchestrator."
type Reconnector func(ctx context.Context, key connpool.Key) (connpool.Transport, error)

// Config configures a Manager.
type Config struct {
	Pool  *connpool.Pool
	Clock clockwork.Clock
	// OnReconnected fires with key once a reconnect attempt succeeds,
	// spec.md §4.6's `reconnected(key)` notification that wakes
	// Sessions awaiting readiness.
	OnReconnected func(key connpool.Key)
	// OnOffline fires when the reconnect window is exhausted, the
	// `tab-connection-status {offline}` event of spec.md §4.6/§6.
	OnOffline func(key connpool.Key)
	Log       log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("reconnect: Pool is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "reconnect")
	}
	return nil
}

type attempt struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
}

// Manager is the Reconnection Manager. One instance is shared across
// all connection keys.
type Manager struct {
	Config

	mu       sync.Mutex
	attempts map[connpool.Key]*attempt
}

// New constructs a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{Config: cfg, attempts: make(map[connpool.Key]*attempt)}, nil
}

// Await blocks until any reconnect attempt currently running for key
// completes, returning its outcome. If no attempt is running it
// returns immediately with a nil error, matching spec.md §4.6's "any
// acquire during pending|reconnecting awaits the outcome rather than
// starting a parallel attempt."
func (m *Manager) Await(ctx context.Context, key connpool.Key) error {
	m.mu.Lock()
	a, ok := m.attempts[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-a.done:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start schedules reconnect attempts for key following an unintentional
// stream close. It is a no-op if an attempt for key is already
// running. Start returns immediately; callers observe progress via
// OnReconnected/OnOffline or by calling Await.
func (m *Manager) Start(ctx context.Context, key connpool.Key, reconnect Reconnector) {
	m.mu.Lock()
	if _, running := m.attempts[key]; running {
		m.mu.Unlock()
		return
	}
	a := &attempt{done: make(chan struct{})}
	m.attempts[key] = a
	m.mu.Unlock()

	m.Pool.MarkReconnectState(key, connpool.ReconnectPending)
	go m.run(ctx, key, reconnect, a)
}

func (m *Manager) run(ctx context.Context, key connpool.Key, reconnect Reconnector, a *attempt) {
	deadline := m.Clock.Now().Add(MaxWindow)

	var lastErr error
	for n := 0; ; n++ {
		if m.Clock.Now().After(deadline) {
			lastErr = ss.NewKind(ss.KindTransientIO, "reconnect window exhausted for key %s", key)
			break
		}

		m.Pool.MarkReconnectState(key, connpool.ReconnectReconnecting)
		transport, err := reconnect(ctx, key)
		if err == nil {
			m.Pool.ReplaceTransport(key, transport)
			m.finish(key, a, nil)
			if m.OnReconnected != nil {
				m.OnReconnected(key)
			}
			return
		}
		lastErr = err
		m.Log.Warnf("reconnect attempt %d for %s failed: %v", n, key, err)

		delay := delayForAttempt(n)
		if m.Clock.Now().Add(delay).After(deadline) {
			lastErr = ss.NewKind(ss.KindTransientIO, "reconnect window exhausted for key %s", key)
			break
		}

		timer := m.Clock.NewTimer(delay)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
			m.finish(key, a, lastErr)
			return
		}
		timer.Stop()
	}

	m.Pool.MarkReconnectState(key, connpool.ReconnectFailed)
	m.finish(key, a, lastErr)
	if m.OnOffline != nil {
		m.OnOffline(key)
	}
}

func (m *Manager) finish(key connpool.Key, a *attempt, err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	close(a.done)

	m.mu.Lock()
	delete(m.attempts, key)
	m.mu.Unlock()
}
