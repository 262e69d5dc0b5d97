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

// Package latency implements the Latency Prober described in
// spec.md §4.8: per-session periodic and on-demand round-trip probes,
// a rolling sample window, and status classification.
package latency

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gravitational/trace"
)

// Status is a session's latency status, per spec.md §4.8.
type Status string

const (
	StatusOK       Status = "ok"
	StatusChecking Status = "checking"
	StatusError    Status = "error"
	StatusOffline  Status = "offline"
)

// Class is the latency-quality classification, per spec.md §4.8's
// thresholds: <=50 excellent, <=100 good, <=200 fair, <=500 poor,
// otherwise bad.
type Class string

const (
	ClassExcellent Class = "excellent"
	ClassGood      Class = "good"
	ClassFair      Class = "fair"
	ClassPoor      Class = "poor"
	ClassBad       Class = "bad"
)

// Classify maps a round-trip time to its Class.
func Classify(d time.Duration) Class {
	ms := d.Milliseconds()
	switch {
	case ms <= 50:
		return ClassExcellent
	case ms <= 100:
		return ClassGood
	case ms <= 200:
		return ClassFair
	case ms <= 500:
		return ClassPoor
	default:
		return ClassBad
	}
}

const (
	// DefaultInterval is the periodic probe interval, per spec.md §4.8.
	DefaultInterval = 30 * time.Second
	// WindowSize is the rolling sample count, per spec.md §4.8.
	WindowSize = 10
)

// Probe executes a minimal channel exchange (a keepalive or no-op
// exec) against a session's transport and returns the round-trip time.
type Probe func(ctx context.Context) (time.Duration, error)

// Event is emitted on `latency:updated|error|disconnected`, per
// spec.md §4.8/§6.
type Event struct {
	Kind      string // "updated", "error", or "disconnected"
	TabID     string
	Host      string
	Port      int
	LatencyMS float64
	Status    Status
	Class     Class
	LastCheck time.Time
}

// Sample is a session's current latency state, per spec.md §4.8.
type Sample struct {
	Host      string
	Port      int
	LastMS    float64
	LastCheck time.Time
	Status    Status
	Window    []float64
}

// Config configures a Prober.
type Config struct {
	Interval time.Duration
	Limiter  *rate.Limiter
	Clock    clockwork.Clock
	OnEvent  func(Event)
	Log      log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Limiter == nil {
		c.Limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 5)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.OnEvent == nil {
		return trace.BadParameter("latency: OnEvent is required")
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "latency")
	}
	return nil
}

type session struct {
	host    string
	port    int
	probe   Probe
	cancel  context.CancelFunc
	onDemand chan struct{}

	mu     sync.Mutex
	sample Sample
}

// Prober is the Latency Prober. One instance tracks every active
// tab's SSH session.
type Prober struct {
	Config

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs a Prober from cfg.
func New(cfg Config) (*Prober, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Prober{Config: cfg, sessions: make(map[string]*session)}, nil
}

// Start begins periodic probing for tabID against (host, port) using
// probe to measure round-trip time. It replaces any prior session for
// the same tabID.
func (p *Prober) Start(ctx context.Context, tabID, host string, port int, probe Probe) {
	p.Stop(tabID)

	ctx, cancel := context.WithCancel(ctx)
	s := &session{host: host, port: port, probe: probe, cancel: cancel, onDemand: make(chan struct{}, 1)}
	s.sample = Sample{Host: host, Port: port, Status: StatusChecking}

	p.mu.Lock()
	p.sessions[tabID] = s
	p.mu.Unlock()

	go p.run(ctx, tabID, s)
}

// ProbeNow enqueues an immediate out-of-band probe for tabID, per
// spec.md §4.8's "on user request an immediate probe may be enqueued."
func (p *Prober) ProbeNow(tabID string) {
	p.mu.Lock()
	s, ok := p.sessions[tabID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case s.onDemand <- struct{}{}:
	default:
	}
}

// Sample returns the current latency sample for tabID.
func (p *Prober) Sample(tabID string) (Sample, bool) {
	p.mu.Lock()
	s, ok := p.sessions[tabID]
	p.mu.Unlock()
	if !ok {
		return Sample{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sample, true
}

// Stop cancels probing for tabID and emits a disconnected event.
func (p *Prober) Stop(tabID string) {
	p.mu.Lock()
	s, ok := p.sessions[tabID]
	if ok {
		delete(p.sessions, tabID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	p.OnEvent(Event{Kind: "disconnected", TabID: tabID, Host: s.host, Port: s.port, LastCheck: p.Clock.Now()})
}

func (p *Prober) run(ctx context.Context, tabID string, s *session) {
	p.probeOnce(ctx, tabID, s)

	ticker := p.Clock.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.probeOnce(ctx, tabID, s)
		case <-s.onDemand:
			p.probeOnce(ctx, tabID, s)
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, tabID string, s *session) {
	if err := p.Limiter.Wait(ctx); err != nil {
		return
	}

	rtt, err := s.probe(ctx)
	now := p.Clock.Now()

	s.mu.Lock()
	if err != nil {
		s.sample.Status = StatusError
		s.sample.LastCheck = now
		sample := s.sample
		s.mu.Unlock()

		p.OnEvent(Event{Kind: "error", TabID: tabID, Host: s.host, Port: s.port, Status: sample.Status, LastCheck: now})
		return
	}

	ms := float64(rtt.Microseconds()) / 1000.0
	s.sample.Window = append(s.sample.Window, ms)
	if len(s.sample.Window) > WindowSize {
		s.sample.Window = s.sample.Window[len(s.sample.Window)-WindowSize:]
	}
	s.sample.LastMS = ms
	s.sample.LastCheck = now
	s.sample.Status = StatusOK
	sample := s.sample
	s.mu.Unlock()

	p.OnEvent(Event{
		Kind:      "updated",
		TabID:     tabID,
		Host:      s.host,
		Port:      s.port,
		LatencyMS: ms,
		Status:    sample.Status,
		Class:     Classify(rtt),
		LastCheck: now,
	})
}
