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

// Package stream implements the Stream Multiplexer described in
// spec.md §4.7: an interactive shell stream over either an SSH "shell"
// channel or a Telnet NVT connection, with incremental UTF-8 framing,
// bounded ingress buffering, and backpressure-aware pacing.
package stream

import (
	"context"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/trace"

	"github.com/funkpopo/simpleshell-engine/lib/backpressure"
	"github.com/funkpopo/simpleshell-engine/lib/connpool"
)

const (
	// InitialCols/InitialRows are the default PTY dimensions, per
	// spec.md §4.7.
	InitialCols = 120
	InitialRows = 30
	// TermType is the SSH pty-req terminal type requested.
	TermType = "xterm-256color"

	// maxIngressBytes is the hard bound beyond which the oldest
	// accumulated bytes are dropped, per spec.md §4.7.
	maxIngressBytes = 10 * 1024 * 1024
	// pauseThresholdBytes triggers a source pause once buffered data
	// reaches this size.
	pauseThresholdBytes = 1024 * 1024
	// pauseDuration is how long the source read loop pauses once
	// paused, per spec.md §4.7.
	pauseDuration = 100 * time.Millisecond
)

// ansiRed/ansiReset wrap SSH extended data (stderr) in red, per
// spec.md §4.7.
const ansiRed = "\x1b[31m"
const ansiReset = "\x1b[0m"

// closedBanner is emitted to the UI when a stream closes, per
// spec.md §4.7.
const closedBanner = "*** connection closed ***"

// utf8Framer incrementally decodes a byte stream to UTF-8, retaining
// up to three trailing bytes when a multi-byte sequence is
// incomplete and replacing invalid sequences with U+FFFD, per
// spec.md §4.7.
type utf8Framer struct {
	pending []byte
}

// Feed appends chunk to any retained remainder and returns the valid
// decoded text; up to three trailing bytes of an incomplete sequence
// are retained for the next call.
func (f *utf8Framer) Feed(chunk []byte) string {
	data := append(f.pending, chunk...)

	var out []rune
	i := 0
	for i < len(data) {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			if len(data)-i <= utf8.UTFMax && !utf8.FullRune(data[i:]) {
				break
			}
			out = append(out, utf8.RuneError)
			i++
			continue
		}
		out = append(out, r)
		i += size
	}

	remainder := make([]byte, len(data)-i)
	copy(remainder, data[i:])
	f.pending = remainder
	return string(out)
}

// RawStream is the minimal byte-stream interface both SSH shell
// channels and Telnet NVT connections satisfy.
type RawStream interface {
	io.Reader
	io.Writer
	Close() error
}

// Resizer is implemented by transports that support a window-change
// request (SSH); Telnet streams don't implement it, per spec.md §4.7's
// "Telnet ignores (no NAWS handshake is required here)."
type Resizer interface {
	WindowChange(rows, cols int) error
}

// Config configures a Stream.
type Config struct {
	TabID        string
	Key          connpool.Key
	Pool         *connpool.Pool
	Backpressure *backpressure.Controller
	Clock        clockwork.Clock

	// OnOutput delivers decoded shell output, the
	// `process:output:{process_id}` event of spec.md §4.7/§6.
	OnOutput func(text string)
	// OnClosed fires once the stream has fully torn down, reporting
	// whether the close was user-initiated (vs. a transient drop the
	// caller's Reconnection Manager should act on).
	OnClosed func(intentional bool)
	Log      log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	// Pool is nil for a Stream wrapping a local process (lib/localprocess):
	// there is no PooledClient to release on Close, only the raw stream.
	if c.OnOutput == nil {
		return trace.BadParameter("stream: OnOutput is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "stream")
	}
	return nil
}

// Stream is one interactive shell stream, per spec.md §3's
// ShellStream type.
type Stream struct {
	Config

	raw     RawStream
	resizer Resizer

	mu      sync.Mutex
	ingress []byte
	closed  bool

	// onCancelTransfers is set by the owning Session so Close can
	// cancel in-flight SFTP transfers for this tab, per spec.md §4.7.
	onCancelTransfers func()
	wg                sync.WaitGroup
}

// New constructs a Stream wrapping raw. resizer may be nil (Telnet).
func New(cfg Config, raw RawStream, resizer Resizer, onCancelTransfers func()) (*Stream, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Stream{Config: cfg, raw: raw, resizer: resizer, onCancelTransfers: onCancelTransfers}
	return s, nil
}

// OpenSSHShell opens an interactive shell channel on client with the
// default PTY size and term type, per spec.md §4.7, and returns a
// Stream pumping its output.
func OpenSSHShell(cfg Config, client *ssh.Client, onCancelTransfers func()) (*Stream, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(TermType, InitialRows, InitialCols, modes); err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}

	raw := &sshShellStream{session: session, in: stdin, out: stdout}
	s, err := New(cfg, raw, session, onCancelTransfers)
	if err != nil {
		session.Close()
		return nil, trace.Wrap(err)
	}
	s.pump(stdout, false)
	s.pump(stderr, true)
	return s, nil
}

// sshShellStream adapts an *ssh.Session's stdin/stdout pipes plus the
// session itself into a RawStream.
type sshShellStream struct {
	session *ssh.Session
	in      io.WriteCloser
	out     io.Reader
}

func (s *sshShellStream) Read(p []byte) (int, error)  { return s.out.Read(p) }
func (s *sshShellStream) Write(p []byte) (int, error) { return s.in.Write(p) }
func (s *sshShellStream) Close() error                { return s.session.Close() }

// OpenTelnet wraps an already-connected Telnet NVT conn (typically a
// net.Conn) as a Stream. Telnet has no NAWS handshake in this engine,
// so resizer is nil, per spec.md §4.7.
func OpenTelnet(cfg Config, conn RawStream, onCancelTransfers func()) (*Stream, error) {
	s, err := New(cfg, conn, nil, onCancelTransfers)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.pump(conn, false)
	return s, nil
}

// OpenProcess wraps an already-running raw stream (typically a local
// PTY master, per SPEC_FULL.md §4.13) as a Stream, with resizer
// carrying its window-change support (pty.Setsize for a local
// process, vs. an SSH session's WindowChange).
func OpenProcess(cfg Config, raw RawStream, resizer Resizer, onCancelTransfers func()) (*Stream, error) {
	s, err := New(cfg, raw, resizer, onCancelTransfers)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.pump(raw, false)
	return s, nil
}

// pump reads from src in a background goroutine, decoding to UTF-8 and
// fanning out via OnOutput, applying the bounded-buffer and
// backpressure-pause rules of spec.md §4.7. extended marks SSH stderr,
// which is wrapped in ANSI red.
func (s *Stream) pump(src io.Reader, extended bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		framer := &utf8Framer{}
		buf := make([]byte, 32*1024)

		for {
			s.maybePause()

			n, err := src.Read(buf)
			if n > 0 {
				s.append(buf[:n])
				decoded := s.drain(framer)
				if decoded != "" {
					if extended {
						decoded = ansiRed + decoded + ansiReset
					}
					s.Config.OnOutput(decoded)
				}
			}
			if err != nil {
				// A read error here means the underlying transport died
				// out from under us (not a user-initiated Close, which
				// already sets s.closed before raw.Close() runs). Tear
				// the stream down as non-intentional so the engine's
				// Reconnection Manager gets a chance to re-establish it.
				// Close blocks on s.wg, so it must run off this
				// goroutine to avoid it waiting on its own Done call.
				go s.Close(false)
				return
			}
		}
	}()
}

// maybePause sleeps pauseDuration if the ingress buffer has backed up
// past pauseThresholdBytes or the backpressure controller signals
// throttle, per spec.md §4.7.
func (s *Stream) maybePause() {
	s.mu.Lock()
	backed := len(s.ingress) >= pauseThresholdBytes
	s.mu.Unlock()

	throttled := false
	if s.Backpressure != nil {
		select {
		case <-s.Backpressure.Throttled():
			throttled = true
		default:
		}
	}

	if backed || throttled {
		s.Clock.Sleep(pauseDuration)
	}
}

// append adds chunk to the ingress buffer, dropping the oldest
// accumulated bytes (keeping only chunk) if the bound would be
// exceeded, per spec.md §4.7.
func (s *Stream) append(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ingress)+len(chunk) > maxIngressBytes {
		s.Log.Warnf("ingress buffer overflow for tab %s, dropping %d buffered bytes", s.TabID, len(s.ingress))
		s.ingress = append([]byte(nil), chunk...)
		return
	}
	s.ingress = append(s.ingress, chunk...)
}

// drain hands the current ingress buffer to framer, which itself
// retains any incomplete trailing multi-byte sequence across calls.
// ingress must NOT also retain that remainder — framer.pending already
// gets prepended on the next Feed, and double-keeping it would feed
// the same trailing bytes to the decoder twice, corrupting any rune
// split across two reads.
func (s *Stream) drain(framer *utf8Framer) string {
	s.mu.Lock()
	chunk := s.ingress
	s.ingress = nil
	s.mu.Unlock()

	return framer.Feed(chunk)
}

// Write sends p to the remote shell, reserving backpressure credit
// first when a Controller is configured.
func (s *Stream) Write(ctx context.Context, p []byte) error {
	if s.Backpressure != nil {
		if err := s.Backpressure.Reserve(ctx, len(p)); err != nil {
			return trace.Wrap(err)
		}
		defer s.Backpressure.Acknowledge(len(p))
	}
	_, err := s.raw.Write(p)
	return trace.Wrap(err)
}

// Resize issues an SSH window-change request; it is a no-op for
// Telnet streams, per spec.md §4.7.
func (s *Stream) Resize(cols, rows int) error {
	if s.resizer == nil {
		return nil
	}
	return trace.Wrap(s.resizer.WindowChange(rows, cols))
}

// Close tears the stream down: emits the closed banner, cancels any
// in-flight SFTP transfers for the tab, and releases the PooledClient,
// per spec.md §4.7. intentional reflects whether the user initiated
// the close (vs. a transient drop the Reconnection Manager should
// handle).
func (s *Stream) Close(intentional bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.raw.Close()
	s.wg.Wait()

	s.Config.OnOutput(closedBanner)
	if s.onCancelTransfers != nil {
		s.onCancelTransfers()
	}
	if s.Pool != nil {
		if rerr := s.Pool.Release(s.Key, s.TabID, intentional); rerr != nil {
			s.Log.Warnf("releasing pooled client for tab %s: %v", s.TabID, rerr)
		}
	}
	if s.Config.OnClosed != nil {
		s.Config.OnClosed(intentional)
	}
	return trace.Wrap(err)
}
