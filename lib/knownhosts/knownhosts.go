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

// Package knownhosts implements the process-wide host-fingerprint cache
// described in spec.md §4.3: an in-memory (host, port) → fingerprint map
// with first-seen recording and change detection, gating connection
// establishment through the Auth Orchestrator.
package knownhosts

import (
	"crypto/sha1"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/trace"
)

// Result is the outcome of checking an incoming fingerprint against the
// cache, per spec.md §4.3.
type Result int

const (
	// Unknown means the cache has no record for (host, port).
	Unknown Result = iota
	// Match means the incoming fingerprint matches the cached one.
	Match
	// Changed means the incoming fingerprint differs from the cached one.
	Changed
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case Changed:
		return "changed"
	default:
		return "unknown"
	}
}

// Fingerprint formats an SSH public key as a colon-separated hex SHA-1
// digest, per spec.md's HostFingerprint type (§3): "SHA-1-colon-formatted
// key digest".
func Fingerprint(key ssh.PublicKey) string {
	sum := sha1.Sum(key.Marshal())
	return colonHex(sum[:])
}

func colonHex(b []byte) string {
	out := make([]byte, 0, len(b)*3-1)
	for i, c := range b {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, fmt.Sprintf("%02x", c)...)
	}
	return string(out)
}

// Config configures a Cache.
type Config struct {
	Log log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "knownhosts")
	}
	return nil
}

type entry struct {
	fingerprint string
}

// Cache is the process-wide known-hosts cache. It is one of the two
// shared resources spec.md §5 calls out as requiring internal
// synchronization (the other being the Memory Pool).
type Cache struct {
	Config

	mu      sync.RWMutex
	entries map[string]entry
}

// New constructs an empty Cache from cfg.
func New(cfg Config) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{Config: cfg, entries: make(map[string]entry)}, nil
}

func key(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Check compares incoming against the cached fingerprint for (host,
// port), returning Unknown if there is no prior record, Match if it
// agrees, or Changed if it disagrees. It does not mutate the cache;
// callers record a verified fingerprint explicitly via Remember.
func (c *Cache) Check(host string, port int, incoming string) Result {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key(host, port)]
	if !ok {
		return Unknown
	}
	if e.fingerprint == incoming {
		return Match
	}
	return Changed
}

// Previous returns the fingerprint currently on record for (host, port),
// if any, so callers can surface it in a host-key-changed prompt (the
// `fingerprint-changed?` field of the ssh:auth-request envelope, §6).
func (c *Cache) Previous(host string, port int) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key(host, port)]
	return e.fingerprint, ok
}

// Remember records fingerprint as the known value for (host, port),
// overwriting any previous record. Callers invoke this only after the
// Auth Orchestrator has obtained explicit user approval for a new or
// changed fingerprint, per spec.md's "change-detected flag" language in
// §3 and the HostKeyChanged edge case in §7.
func (c *Cache) Remember(host string, port int, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(host, port)
	_, existed := c.entries[k]
	c.entries[k] = entry{fingerprint: fingerprint}
	if existed {
		c.Log.Debugf("updated known-hosts fingerprint for %s", k)
	} else {
		c.Log.Debugf("recorded first-seen fingerprint for %s", k)
	}
}

// Forget removes any cached fingerprint for (host, port), used when a
// connection spec is deleted so stale host-key approvals don't linger.
func (c *Cache) Forget(host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key(host, port))
}

// Len reports the number of distinct (host, port) pairs on record.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
