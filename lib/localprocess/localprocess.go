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

// Package localprocess implements the Local Process Registry described
// in SPEC_FULL.md §4.13: a thin wrapper around github.com/creack/pty
// that starts a local shell (or arbitrary command) under a PTY and
// fans its combined output through the same Stream Multiplexer
// machinery (lib/stream) that SSH and Telnet sessions use, so output
// framing, bounded buffering, and backpressure pacing are shared code.
package localprocess

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	"github.com/funkpopo/simpleshell-engine/lib/backpressure"
	"github.com/funkpopo/simpleshell-engine/lib/stream"
)

// Config configures a Registry.
type Config struct {
	// Backpressure, if set, is shared with a Stream's Controller so a
	// busy UI also paces locally-spawned process output.
	Backpressure *backpressure.Controller
	Log          log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "localprocess")
	}
	return nil
}

// Registry tracks the set of live local processes, keyed by process
// ID, per spec.md §1's "register external process outputs" hook.
type Registry struct {
	Config

	mu        sync.Mutex
	processes map[string]*Process
}

// New constructs an empty Registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{Config: cfg, processes: make(map[string]*Process)}, nil
}

// Process is one registered local process: its PTY master, the OS
// process it drives, and the Stream Multiplexer pumping its output.
type Process struct {
	ID string

	cmd    *exec.Cmd
	ptmx   *os.File
	stream *stream.Stream

	mu     sync.Mutex
	exited bool
}

// ptyRawStream adapts an *os.File PTY master to stream.RawStream.
// Close is a no-op here: the master is closed by Start's background
// waiter once the child has been waited on, so a stream.Close(false) triggered by
// a read error doesn't race the exit-code collection in Start's
// background waiter.
type ptyRawStream struct {
	f *os.File
}

func (p ptyRawStream) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p ptyRawStream) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p ptyRawStream) Close() error                { return nil }

// ptyResizer adapts pty.Setsize to the stream.Resizer interface.
type ptyResizer struct {
	f *os.File
}

func (r ptyResizer) WindowChange(rows, cols int) error {
	return trace.Wrap(pty.Setsize(r.f, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}))
}

// Start launches command (with args) under a new PTY sized to
// stream.InitialCols/InitialRows, registers it under id, and begins
// pumping its output through onOutput. onExit fires once the process
// has exited, carrying its exit code, the `process:exit:{id}` event of
// spec.md §4.7/§6.
func (r *Registry) Start(ctx context.Context, id, command string, args []string, onOutput func(text string), onExit func(code int)) (*Process, error) {
	r.mu.Lock()
	if _, exists := r.processes[id]; exists {
		r.mu.Unlock()
		return nil, trace.AlreadyExists("localprocess: %q is already registered", id)
	}
	r.mu.Unlock()

	cmd := exec.CommandContext(ctx, command, args...)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: stream.InitialRows, Cols: stream.InitialCols})
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	p := &Process{ID: id, cmd: cmd, ptmx: ptmx}

	streamCfg := stream.Config{
		TabID:        id,
		Backpressure: r.Backpressure,
		OnOutput:     onOutput,
		OnClosed:     func(intentional bool) { r.unregister(id) },
		Log:          r.Log.WithField("process_id", id),
	}
	st, err := stream.OpenProcess(streamCfg, ptyRawStream{f: ptmx}, ptyResizer{f: ptmx}, nil)
	if err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		return nil, trace.Wrap(err)
	}
	p.stream = st

	r.mu.Lock()
	r.processes[id] = p
	r.mu.Unlock()

	go func() {
		werr := cmd.Wait()
		code := 0
		if werr != nil {
			if exitErr, ok := werr.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		ptmx.Close()
		if onExit != nil {
			onExit(code)
		}
	}()

	return p, nil
}

// Write sends input to the process's PTY master, per the
// `terminal:write:{process_id}` operation of spec.md §6.
func (p *Process) Write(ctx context.Context, data []byte) error {
	return trace.Wrap(p.stream.Write(ctx, data))
}

// Resize applies a window-change to the process's PTY.
func (p *Process) Resize(cols, rows int) error {
	return trace.Wrap(p.stream.Resize(cols, rows))
}

// Stop terminates the process and tears down its Stream.
func (p *Process) Stop() error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()

	if !exited {
		_ = p.cmd.Process.Kill()
	}
	return trace.Wrap(p.stream.Close(true))
}

// Get returns the process registered under id, if any.
func (r *Registry) Get(id string) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processes[id]
	return p, ok
}

// unregister removes id from the registry, invoked when its Stream
// closes.
func (r *Registry) unregister(id string) {
	r.mu.Lock()
	delete(r.processes, id)
	r.mu.Unlock()
}

// StopAll terminates every registered process, used on engine
// shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	procs := make([]*Process, 0, len(r.processes))
	for _, p := range r.processes {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		if err := p.Stop(); err != nil {
			r.Log.Warnf("stopping local process %s: %v", p.ID, err)
		}
	}
}
