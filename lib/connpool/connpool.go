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

// Package connpool implements the Connection Pool described in
// spec.md §4.5: a keyed map of reference-counted PooledClients,
// concurrent-acquire coalescing, a most-recently-used top-N list, and
// optional proxy dialing.
package connpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/gravitational/trace"

	ss "github.com/funkpopo/simpleshell-engine"
)

// ReconnectState mirrors spec.md §3's PooledClient.reconnect-state.
type ReconnectState string

const (
	ReconnectIdle         ReconnectState = "idle"
	ReconnectPending      ReconnectState = "pending"
	ReconnectReconnecting ReconnectState = "reconnecting"
	ReconnectFailed       ReconnectState = "failed"
)

// DefaultTopN is the size of the most-recently-used connection list,
// per spec.md §4.5.
const DefaultTopN = 5

// Key is the deterministic fingerprint spec.md §3 calls ConnectionKey,
// derived from {protocol, host, port, username, proxy}.
type Key string

// KeyFor derives a Key from the fields spec.md §3 names. proxyAddr is
// empty when no proxy is configured.
func KeyFor(protocol, host string, port int, username, proxyAddr string) Key {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s", protocol, host, port, username, proxyAddr)))
	return Key(hex.EncodeToString(sum[:]))
}

// Transport is the underlying connection handle a PooledClient wraps.
// lib/stream and lib/sftptransfer consume it through their own narrower
// interfaces; connpool only needs to be able to close it.
type Transport interface {
	Close() error
}

// Dialer establishes a new Transport for key, running the Auth
// Orchestrator as needed. It is supplied by the engine facade, which
// has the ConnectionSpec and proxy details connpool itself is agnostic
// to.
type Dialer func(ctx context.Context, key Key) (Transport, error)

// PooledClient is a pooled, reference-counted connection, per
// spec.md §3.
type PooledClient struct {
	Key             Key
	Protocol        string
	Transport       Transport
	Ready           bool
	LastUsed        time.Time
	KnownFingerprint string
	ReconnectState  ReconnectState

	mu   sync.Mutex
	refs map[string]struct{}
}

// RefCount reports the number of tab identifiers currently holding the
// client.
func (c *PooledClient) RefCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.refs)
}

func (c *PooledClient) addRef(tabID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[tabID] = struct{}{}
}

func (c *PooledClient) removeRef(tabID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.refs, tabID)
	return len(c.refs)
}

// Config configures a Pool.
type Config struct {
	// TopN is the size of the most-recently-used list.
	TopN int
	// Clock is used for LastUsed bookkeeping.
	Clock clockwork.Clock
	// OnTopChanged fires whenever the top-N list's membership or order
	// changes, the `top-connections-changed` event of spec.md §6.
	OnTopChanged func(keys []Key)
	Log          log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.TopN <= 0 {
		c.TopN = DefaultTopN
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "connpool")
	}
	return nil
}

// Pool is the Connection Pool.
type Pool struct {
	Config

	mu      sync.Mutex
	clients map[Key]*PooledClient
	recent  *lru.Cache

	group singleflight.Group
}

// New constructs a Pool from cfg.
func New(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	recent, err := lru.New(cfg.TopN)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{
		Config:  cfg,
		clients: make(map[Key]*PooledClient),
		recent:  recent,
	}, nil
}

// Acquire returns the ready client for key (fast path) or dials a new
// one via dial, coalescing concurrent acquires for the same key onto a
// single in-flight establishment, per spec.md §4.5's tie-break rule.
func (p *Pool) Acquire(ctx context.Context, key Key, tabID string, protocol string, dial Dialer) (*PooledClient, error) {
	p.mu.Lock()
	if c, ok := p.clients[key]; ok && c.Ready {
		p.mu.Unlock()
		c.addRef(tabID)
		p.touch(key)
		return c, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(string(key), func() (interface{}, error) {
		p.mu.Lock()
		if c, ok := p.clients[key]; ok && c.Ready {
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		transport, derr := dial(ctx, key)
		if derr != nil {
			return nil, ss.WrapKind(ss.KindTransientIO, derr, "establishing connection for key %s", key)
		}

		c := &PooledClient{
			Key:            key,
			Protocol:       protocol,
			Transport:      transport,
			Ready:          true,
			LastUsed:       p.Clock.Now(),
			ReconnectState: ReconnectIdle,
			refs:           make(map[string]struct{}),
		}
		p.mu.Lock()
		p.clients[key] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	c := v.(*PooledClient)
	c.addRef(tabID)
	p.touch(key)
	return c, nil
}

// touch updates LastUsed and the top-N recency list, firing
// OnTopChanged when membership or order changes.
func (p *Pool) touch(key Key) {
	p.mu.Lock()
	if c, ok := p.clients[key]; ok {
		c.LastUsed = p.Clock.Now()
	}
	p.mu.Unlock()

	keys := p.recent.Keys()
	alreadyFirst := len(keys) > 0 && keys[len(keys)-1].(Key) == key
	p.recent.Add(key, struct{}{})
	if !alreadyFirst {
		p.notifyTop()
	}
}

func (p *Pool) notifyTop() {
	if p.OnTopChanged == nil {
		return
	}
	keys := p.recent.Keys()
	out := make([]Key, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		out = append(out, keys[i].(Key))
	}
	p.OnTopChanged(out)
}

// Release removes tabID from key's reference set. The underlying
// transport is closed only when references are empty AND intentional
// is true; transient drops keep the client reserved for the
// Reconnection Manager, per spec.md §3 invariant (a).
func (p *Pool) Release(key Key, tabID string, intentional bool) error {
	p.mu.Lock()
	c, ok := p.clients[key]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	remaining := c.removeRef(tabID)
	if remaining > 0 || !intentional {
		return nil
	}

	p.mu.Lock()
	delete(p.clients, key)
	p.mu.Unlock()

	if c.Transport != nil {
		return trace.Wrap(c.Transport.Close())
	}
	return nil
}

// Get returns the current client for key, if any, without affecting
// reference counts (used by the Reconnection Manager and Latency
// Prober, which observe but don't hold the client).
func (p *Pool) Get(key Key) (*PooledClient, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[key]
	return c, ok
}

// MarkReconnectState transitions key's PooledClient to state. It is a
// no-op if the key is unknown (e.g. it was already released).
func (p *Pool) MarkReconnectState(key Key, state ReconnectState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		c.ReconnectState = state
	}
}

// ReplaceTransport swaps in a freshly reconnected transport for key,
// called by the Reconnection Manager on a successful reconnect.
func (p *Pool) ReplaceTransport(key Key, transport Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		c.Transport = transport
		c.Ready = true
		c.ReconnectState = ReconnectIdle
		c.LastUsed = p.Clock.Now()
	}
}

// TopN returns the current most-recently-used key list, most recent
// first.
func (p *Pool) TopN() []Key {
	keys := p.recent.Keys()
	out := make([]Key, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		out = append(out, keys[i].(Key))
	}
	return out
}
