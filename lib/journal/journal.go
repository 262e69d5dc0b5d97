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

// Package journal implements the Resume Journal described in
// spec.md §4.10: one atomically-written file per active
// TransferRecord, discarded-on-load terminal records, and delayed
// cleanup after completion or cancellation.
package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	"github.com/funkpopo/simpleshell-engine/lib/sftptransfer"
)

const (
	// deltaThresholdBytes and minInterval gate how often Persist
	// actually writes, per spec.md §4.10's "records state at >=1 MiB
	// deltas or >=5 s."
	deltaThresholdBytes = 1024 * 1024
	minInterval         = 5 * time.Second

	// completedCleanupDelay and cancelledCleanupDelay are spec.md
	// §4.10's cleanup delays.
	completedCleanupDelay = 24 * time.Hour
	cancelledCleanupDelay = 5 * time.Second
)

// discardOnLoad are the terminal states spec.md §4.10 says must be
// dropped (not resumed) when the journal is loaded at startup.
var discardOnLoad = map[sftptransfer.State]bool{
	sftptransfer.StateCompleted: true,
	sftptransfer.StateCancelled: true,
}

// Config configures a Journal.
type Config struct {
	// Dir is the user-data directory one file per active TransferRecord
	// is written under.
	Dir   string
	Clock clockwork.Clock
	Log   log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("journal: Dir is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "journal")
	}
	return nil
}

type cadence struct {
	lastBytes int64
	lastTime  time.Time
}

// Journal persists TransferRecord snapshots to disk, per spec.md
// §4.10.
type Journal struct {
	Config

	mu       sync.Mutex
	cadences map[string]*cadence
}

// New constructs a Journal from cfg, creating Dir if it doesn't exist.
func New(cfg Config) (*Journal, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Journal{Config: cfg, cadences: make(map[string]*cadence)}, nil
}

func (j *Journal) path(id string) string {
	return filepath.Join(j.Dir, id+".json")
}

// ShouldPersist reports whether snap's byte delta or elapsed time
// since the last persisted write for its id warrants writing again,
// per spec.md §4.10's cadence rule. The first call for a given id
// always persists.
func (j *Journal) ShouldPersist(snap sftptransfer.Snapshot) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	c, ok := j.cadences[snap.ID]
	if !ok {
		return true
	}
	if snap.TransferredBytes-c.lastBytes >= deltaThresholdBytes {
		return true
	}
	return j.Clock.Now().Sub(c.lastTime) >= minInterval
}

// Persist atomically writes snap's full state (including its chunk
// ledger) to disk via write-temp-then-rename, per spec.md §4.10, and
// records the cadence checkpoint used by ShouldPersist.
func (j *Journal) Persist(snap sftptransfer.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return trace.Wrap(err)
	}

	final := j.path(snap.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return trace.ConvertSystemError(err)
	}

	j.mu.Lock()
	j.cadences[snap.ID] = &cadence{lastBytes: snap.TransferredBytes, lastTime: j.Clock.Now()}
	j.mu.Unlock()
	return nil
}

// Load reads every journaled record from Dir, discarding (and
// deleting) any whose state is COMPLETED or CANCELLED, per spec.md
// §4.10, and returns the resumable remainder.
func (j *Journal) Load() ([]sftptransfer.Snapshot, error) {
	entries, err := os.ReadDir(j.Dir)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	var resumable []sftptransfer.Snapshot
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		full := filepath.Join(j.Dir, e.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			j.Log.Warnf("journal: skipping unreadable record %s: %v", e.Name(), err)
			continue
		}
		var snap sftptransfer.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			j.Log.Warnf("journal: skipping corrupt record %s: %v", e.Name(), err)
			continue
		}
		if discardOnLoad[snap.State] {
			os.Remove(full)
			continue
		}
		resumable = append(resumable, snap)
	}
	return resumable, nil
}

// Remove deletes id's journal file immediately.
func (j *Journal) Remove(id string) error {
	err := os.Remove(j.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	j.mu.Lock()
	delete(j.cadences, id)
	j.mu.Unlock()
	return trace.ConvertSystemError(err)
}

// ScheduleCleanup removes id's journal file after the delay spec.md
// §4.10 assigns to state (24h after completion, 5s after
// cancellation); any other state is not scheduled for cleanup. ctx
// cancellation aborts the pending cleanup.
func (j *Journal) ScheduleCleanup(ctx context.Context, id string, state sftptransfer.State) {
	var delay time.Duration
	switch state {
	case sftptransfer.StateCompleted:
		delay = completedCleanupDelay
	case sftptransfer.StateCancelled:
		delay = cancelledCleanupDelay
	default:
		return
	}

	go func() {
		timer := j.Clock.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			if err := j.Remove(id); err != nil {
				j.Log.Warnf("journal: cleanup of %s failed: %v", id, err)
			}
		}
	}()
}
