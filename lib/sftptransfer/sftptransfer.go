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

// Package sftptransfer implements the SFTP Transfer Engine described
// in spec.md §4.9: a bounded queue and active set of TransferRecords,
// each a chunked, pausable, resumable, checksummed file transfer
// backed by the Memory Pool and paced by the Backpressure Controller.
package sftptransfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/trace"

	ss "github.com/funkpopo/simpleshell-engine"
	"github.com/funkpopo/simpleshell-engine/lib/backpressure"
	"github.com/funkpopo/simpleshell-engine/lib/mempool"
	"github.com/funkpopo/simpleshell-engine/lib/metrics"
)

// OpenRemoteFS dials an SFTP subsystem over an established SSH client
// and returns both the FileSystem and the underlying *sftp.Client so
// the caller can close it once the session is done.
func OpenRemoteFS(client *ssh.Client) (FileSystem, *sftp.Client, error) {
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return NewRemoteFS(NewSFTPClientAdapter(sc)), sc, nil
}

// Type is the direction of a transfer, per spec.md §3.
type Type string

const (
	TypeUpload   Type = "upload"
	TypeDownload Type = "download"
	TypeCopy     Type = "copy"
)

// State is a TransferRecord's lifecycle state, per spec.md §4.9:
//
//	PENDING -> PREPARING -> TRANSFERRING <-> PAUSED -> COMPLETED
//	                  \            \
//	                 FAILED      CANCELLED
type State string

const (
	StatePending      State = "pending"
	StatePreparing    State = "preparing"
	StateTransferring State = "transferring"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

const (
	// DefaultMaxConcurrent bounds the active set, per spec.md §4.9.
	DefaultMaxConcurrent = 5
	// maxChunkLedger bounds the per-record chunk history kept for the
	// Resume Journal, per spec.md §4.10.
	maxChunkLedger = 500
	// maxErrors bounds the per-record error history.
	maxErrors = 20

	// chunkSizeSmall/Medium/Large are the adaptive chunk sizes of
	// spec.md §4.9 step 2.
	chunkSizeSmall  = 32 * 1024
	chunkSizeMedium = 128 * 1024
	chunkSizeLarge  = 512 * 1024

	smallThreshold  = 1 * 1024 * 1024
	mediumThreshold = 100 * 1024 * 1024

	// readAheadBlocks is how many chunk-sized memory blocks a transfer
	// preallocates, per spec.md §4.9 step 3.
	readAheadBlocks = 3

	// maxRetries and retryUnit implement spec.md §4.9 step 7's "retry
	// up to 3 times with linear backoff (1s * attempt)".
	maxRetries = 3
	retryUnit  = time.Second

	chunkIOTimeout = 60 * time.Second
)

// chunkSizeFor picks the chunk size for a transfer of totalSize bytes,
// per spec.md §4.9 step 2.
func chunkSizeFor(totalSize int64) int {
	switch {
	case totalSize < smallThreshold:
		return chunkSizeSmall
	case totalSize < mediumThreshold:
		return chunkSizeMedium
	default:
		return chunkSizeLarge
	}
}

// FileSystem is the minimal local-or-remote filesystem surface a
// transfer needs, satisfied separately by localFS and remoteFS.
type FileSystem interface {
	Stat(ctx context.Context, path string) (os.FileInfo, error)
	// ReaderAt opens path for reading starting at offset.
	ReaderAt(ctx context.Context, path string, offset int64) (io.ReadCloser, error)
	// WriterAt opens (creating if needed) path for writing starting at
	// offset; append is true when resuming a partial transfer.
	WriterAt(ctx context.Context, path string, offset int64, appendMode bool) (io.WriteCloser, error)
	// Remove deletes path.
	Remove(ctx context.Context, path string) error
	// Rename moves oldPath to newPath.
	Rename(ctx context.Context, oldPath, newPath string) error
}

// Delete removes path from fs, rejecting synchronously (no FileSystem
// call issued) if path is the filesystem root, per spec.md §7/§8's
// scenario S6.
func Delete(ctx context.Context, fs FileSystem, path string) error {
	if ss.IsRootPath(path) {
		return trace.Wrap(ss.ErrRootPath)
	}
	return trace.Wrap(fs.Remove(ctx, path))
}

// Move renames oldPath to newPath on fs, rejecting synchronously if
// either path is the filesystem root, per spec.md §7/§8's scenario S6.
func Move(ctx context.Context, fs FileSystem, oldPath, newPath string) error {
	if ss.IsRootPath(oldPath) || ss.IsRootPath(newPath) {
		return trace.Wrap(ss.ErrRootPath)
	}
	return trace.Wrap(fs.Rename(ctx, oldPath, newPath))
}

// ChunkEntry is one completed-chunk ledger row, persisted by the
// Resume Journal (§4.10) and bounded to the last maxChunkLedger
// entries per record.
type ChunkEntry struct {
	Index     int
	Offset    int64
	Size      int
	Timestamp time.Time
}

// ProgressEvent is emitted after each chunk, the `sftp:transferProgress`
// wire event of spec.md §4.9/§6.
type ProgressEvent struct {
	ID               string
	Percent          float64
	BytesTransferred int64
	Total            int64
	CurrentChunk     int
	TotalChunks      int
	ThroughputBPS    float64
}

// Snapshot is the serializable state of a TransferRecord, the shape
// the Resume Journal persists, per spec.md §3/§4.10.
type Snapshot struct {
	ID               string
	Type             Type
	SrcPath          string
	DstPath          string
	State            State
	TotalBytes       int64
	TransferredBytes int64
	ChunkSize        int
	RetryCount       int
	StartedAt        time.Time
	UpdatedAt        time.Time
	Errors           []string
	Chunks           []ChunkEntry
	EnableChecksum   bool
	ExpectedChecksum string
	ActualChecksum   string
}

// IDFor derives the deterministic transfer id spec.md §3 requires,
// from the fields that identify one logical transfer.
func IDFor(typ Type, srcPath, dstPath string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", typ, srcPath, dstPath)))
	return hex.EncodeToString(sum[:])[:16]
}

// Record is one SFTP transfer and its state machine.
type Record struct {
	ID      string
	Type    Type
	SrcPath string
	DstPath string

	enableChecksum   bool
	expectedChecksum string

	mgr *Manager

	mu         sync.Mutex
	state      State
	total      int64
	transferred int64
	chunkSize  int
	retries    int
	startedAt  time.Time
	updatedAt  time.Time
	errs       []string
	chunks     []ChunkEntry
	actualSum  string

	pauseCh  chan struct{}
	resumeCh chan struct{}
	cancel   context.CancelFunc
}

// Snapshot returns a copy of the record's current state.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:               r.ID,
		Type:             r.Type,
		SrcPath:          r.SrcPath,
		DstPath:          r.DstPath,
		State:            r.state,
		TotalBytes:       r.total,
		TransferredBytes: r.transferred,
		ChunkSize:        r.chunkSize,
		RetryCount:       r.retries,
		StartedAt:        r.startedAt,
		UpdatedAt:        r.updatedAt,
		Errors:           append([]string(nil), r.errs...),
		Chunks:           append([]ChunkEntry(nil), r.chunks...),
		EnableChecksum:   r.enableChecksum,
		ExpectedChecksum: r.expectedChecksum,
		ActualChecksum:   r.actualSum,
	}
}

func (r *Record) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.updatedAt = r.mgr.Clock.Now()
	r.mu.Unlock()
	r.mgr.emit(r.eventKind(s), r)
}

func (r *Record) eventKind(s State) string {
	switch s {
	case StatePending, StatePreparing, StateTransferring, StatePaused:
		return "sftp:transferStart"
	case StateCompleted:
		return "sftp:transferComplete"
	case StateFailed:
		return "sftp:transferError"
	case StateCancelled:
		return "sftp:transferCancelled"
	default:
		return "sftp:transferStart"
	}
}

func (r *Record) addError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err.Error())
	if len(r.errs) > maxErrors {
		r.errs = r.errs[len(r.errs)-maxErrors:]
	}
	r.mu.Unlock()
}

func (r *Record) addChunk(e ChunkEntry) {
	r.mu.Lock()
	r.chunks = append(r.chunks, e)
	if len(r.chunks) > maxChunkLedger {
		r.chunks = r.chunks[len(r.chunks)-maxChunkLedger:]
	}
	r.mu.Unlock()
}

// Pause signals the transfer loop to stop before its next chunk, per
// spec.md §4.9.
func (r *Record) Pause() {
	r.mu.Lock()
	if r.state != StateTransferring {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	select {
	case r.pauseCh <- struct{}{}:
	default:
	}
}

// Resume unblocks a paused transfer.
func (r *Record) Resume() {
	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
}

// Cancel transitions the record terminally; the loop observes this at
// its next safepoint, per spec.md §4.9/§5.
func (r *Record) Cancel() {
	r.mu.Lock()
	switch r.state {
	case StateCompleted, StateCancelled, StateFailed:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Config configures a Manager.
type Config struct {
	MaxConcurrent int
	Pool          *mempool.Pool
	Backpressure  *backpressure.Controller
	Clock         clockwork.Clock
	// OnEvent delivers ProgressEvent payloads wrapped per wire channel
	// name (see emit), the `sftp:*` events of spec.md §4.11/§6.
	OnEvent func(channel string, record Snapshot, progress *ProgressEvent)
	// Metrics, if set, receives the transfer-engine observability
	// described in SPEC_FULL.md §4.14 (active/queued gauges and a
	// per-direction throughput histogram).
	Metrics *metrics.Metrics
	Log     log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Pool == nil {
		return trace.BadParameter("sftptransfer: Pool is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.OnEvent == nil {
		return trace.BadParameter("sftptransfer: OnEvent is required")
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "sftptransfer")
	}
	return nil
}

// Manager owns the transfer queue and the bounded active set described
// in spec.md §4.9.
type Manager struct {
	Config

	mu      sync.Mutex
	queue   []*Record
	active  map[string]*Record
	records map[string]*Record
	sem     chan struct{}
}

// New constructs a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		Config:  cfg,
		active:  make(map[string]*Record),
		records: make(map[string]*Record),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

func (m *Manager) emit(channel string, r *Record) {
	m.OnEvent(channel, r.Snapshot(), nil)
}

func (m *Manager) emitProgress(r *Record, p ProgressEvent) {
	if m.Metrics != nil {
		m.Metrics.TransferThroughputBytes.WithLabelValues(string(r.Type)).Observe(p.ThroughputBPS)
	}
	m.OnEvent("sftp:transferProgress", r.Snapshot(), &p)
}

// Enqueue creates a new Record for a transfer and admits it into the
// queue, starting it immediately if the active set has room.
func (m *Manager) Enqueue(ctx context.Context, typ Type, srcPath, dstPath string, srcFS, dstFS FileSystem, enableChecksum bool, expectedChecksum string) (*Record, error) {
	id := IDFor(typ, srcPath, dstPath)

	rctx, cancel := context.WithCancel(ctx)
	r := &Record{
		ID:               id,
		Type:             typ,
		SrcPath:          srcPath,
		DstPath:          dstPath,
		enableChecksum:   enableChecksum,
		expectedChecksum: expectedChecksum,
		mgr:              m,
		state:            StatePending,
		pauseCh:          make(chan struct{}, 1),
		resumeCh:         make(chan struct{}, 1),
		cancel:           cancel,
		startedAt:        m.Clock.Now(),
	}

	m.mu.Lock()
	m.records[id] = r
	m.mu.Unlock()
	m.emit("sftp:transferStart", r)

	if m.Metrics != nil {
		m.Metrics.TransferQueued.Inc()
	}
	go m.run(rctx, r, srcFS, dstFS)
	return r, nil
}

// Resume restarts a transfer from a previously journaled Snapshot
// (typically reloaded via lib/journal on process start), continuing
// at its last transferred offset instead of re-sending the file from
// byte zero, per spec.md §4.9's resume operation, invariant §8.8
// (byte-identical resumed file), and scenario S3 (resume a
// 150 MiB-in upload without re-sending already-transferred bytes).
func (m *Manager) Resume(ctx context.Context, snap Snapshot, srcFS, dstFS FileSystem) (*Record, error) {
	rctx, cancel := context.WithCancel(ctx)
	r := &Record{
		ID:               snap.ID,
		Type:             snap.Type,
		SrcPath:          snap.SrcPath,
		DstPath:          snap.DstPath,
		enableChecksum:   snap.EnableChecksum,
		expectedChecksum: snap.ExpectedChecksum,
		mgr:              m,
		state:            StatePending,
		total:            snap.TotalBytes,
		transferred:      snap.TransferredBytes,
		chunkSize:        snap.ChunkSize,
		retries:          snap.RetryCount,
		startedAt:        snap.StartedAt,
		errs:             append([]string(nil), snap.Errors...),
		chunks:           append([]ChunkEntry(nil), snap.Chunks...),
		pauseCh:          make(chan struct{}, 1),
		resumeCh:         make(chan struct{}, 1),
		cancel:           cancel,
	}

	m.mu.Lock()
	m.records[r.ID] = r
	m.mu.Unlock()
	m.emit("sftp:transferStart", r)

	if m.Metrics != nil {
		m.Metrics.TransferQueued.Inc()
	}
	go m.run(rctx, r, srcFS, dstFS)
	return r, nil
}

// Get returns the Record for id, if tracked.
func (m *Manager) Get(id string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

func (m *Manager) run(ctx context.Context, r *Record, srcFS, dstFS FileSystem) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		if m.Metrics != nil {
			m.Metrics.TransferQueued.Dec()
		}
		r.setState(StateCancelled)
		return
	}
	if m.Metrics != nil {
		m.Metrics.TransferQueued.Dec()
		m.Metrics.TransferActive.Inc()
	}
	m.mu.Lock()
	m.active[r.ID] = r
	m.mu.Unlock()
	defer func() {
		<-m.sem
		m.mu.Lock()
		delete(m.active, r.ID)
		m.mu.Unlock()
		if m.Metrics != nil {
			m.Metrics.TransferActive.Dec()
		}
	}()

	if err := m.transfer(ctx, r, srcFS, dstFS); err != nil {
		if ctx.Err() != nil {
			r.setState(StateCancelled)
			return
		}
		r.addError(err)
		r.setState(StateFailed)
		return
	}
	r.setState(StateCompleted)
}

// transfer runs the per-record loop of spec.md §4.9. If r.transferred is
// already non-zero (seeded by Resume from a journaled Snapshot), it
// continues from that offset instead of re-sending the file from byte
// zero, per spec.md §4.9's resume operation and invariant §8.8
// (byte-identical resumed file).
func (m *Manager) transfer(ctx context.Context, r *Record, srcFS, dstFS FileSystem) error {
	r.setState(StatePreparing)

	info, err := srcFS.Stat(ctx, r.SrcPath)
	if err != nil {
		return trace.Wrap(err)
	}

	r.mu.Lock()
	startOffset := r.transferred
	r.total = info.Size()
	if r.chunkSize == 0 {
		r.chunkSize = chunkSizeFor(r.total)
	}
	chunkSize := r.chunkSize
	r.mu.Unlock()

	var blocks []*mempool.Block
	for i := 0; i < readAheadBlocks; i++ {
		b, err := m.Pool.Allocate(chunkSize)
		if err != nil {
			for _, used := range blocks {
				used.Free()
			}
			return trace.Wrap(err)
		}
		blocks = append(blocks, b)
	}
	defer func() {
		for _, b := range blocks {
			b.Free()
		}
	}()

	switch r.Type {
	case TypeCopy:
		return ss.NewKind(ss.KindInvalidOperation, "server-side copy is not supported by this transport; use a download followed by an upload")
	case TypeUpload, TypeDownload:
	default:
		return ss.NewKind(ss.KindInvalidOperation, "unknown transfer type %q", r.Type)
	}

	src, err := srcFS.ReaderAt(ctx, r.SrcPath, startOffset)
	if err != nil {
		return trace.Wrap(err)
	}
	defer src.Close()

	dst, err := dstFS.WriterAt(ctx, r.DstPath, startOffset, startOffset > 0)
	if err != nil {
		return trace.Wrap(err)
	}
	defer dst.Close()

	r.setState(StateTransferring)

	hasher := sha256.New()
	var writer io.Writer = dst
	if r.enableChecksum {
		writer = io.MultiWriter(dst, hasher)
		if startOffset > 0 {
			if err := primeHasher(ctx, dstFS, r.DstPath, startOffset, hasher); err != nil {
				return trace.Wrap(err)
			}
		}
	}

	totalChunks := int((r.total + int64(chunkSize) - 1) / int64(chunkSize))
	if totalChunks == 0 {
		totalChunks = 1
	}

	chunkIdx := int(startOffset / int64(chunkSize))
	startTime := m.Clock.Now()
	for blockIdx := 0; ; blockIdx = (blockIdx + 1) % len(blocks) {
		if err := m.awaitNotPaused(ctx, r); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		block := blocks[blockIdx]
		n, rerr := m.readChunkWithRetry(ctx, r, src, block.Buf)
		if n > 0 {
			if m.Backpressure != nil {
				if err := m.Backpressure.Reserve(ctx, n); err != nil {
					return trace.Wrap(err)
				}
			}
			_, werr := writer.Write(block.Buf[:n])
			if m.Backpressure != nil {
				m.Backpressure.Acknowledge(n)
			}
			if werr != nil {
				return trace.Wrap(werr)
			}

			chunkIdx++
			r.mu.Lock()
			r.transferred += int64(n)
			transferred := r.transferred
			r.mu.Unlock()
			r.addChunk(ChunkEntry{Index: chunkIdx, Offset: transferred - int64(n), Size: n, Timestamp: m.Clock.Now()})

			elapsedMS := float64(m.Clock.Now().Sub(startTime).Milliseconds())
			throughput := 0.0
			if elapsedMS > 0 {
				throughput = float64(transferred) / elapsedMS * 1000
			}
			percent := 0.0
			if r.total > 0 {
				percent = float64(transferred) / float64(r.total) * 100
			}
			m.emitProgress(r, ProgressEvent{
				ID:               r.ID,
				Percent:          percent,
				BytesTransferred: transferred,
				Total:            r.total,
				CurrentChunk:     chunkIdx,
				TotalChunks:      totalChunks,
				ThroughputBPS:    throughput,
			})
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return trace.Wrap(rerr)
		}
	}

	r.mu.Lock()
	transferred := r.transferred
	total := r.total
	r.mu.Unlock()
	if transferred != total {
		return ss.NewKind(ss.KindTransferIntegrity, "integrity check failed: transferred %d bytes, expected %d", transferred, total)
	}

	if r.enableChecksum {
		sum := hex.EncodeToString(hasher.Sum(nil))
		r.mu.Lock()
		r.actualSum = sum
		expected := r.expectedChecksum
		r.mu.Unlock()
		if expected != "" && expected != sum {
			return ss.NewKind(ss.KindTransferIntegrity, "integrity check failed")
		}
	}
	return nil
}

// readChunkWithRetry reads one chunk into buf, retrying transient
// errors up to maxRetries times with linear backoff, per spec.md
// §4.9 step 7.
func (m *Manager) readChunkWithRetry(ctx context.Context, r *Record, src io.Reader, buf []byte) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		ioCtx, cancel := context.WithTimeout(ctx, chunkIOTimeout)
		n, err := readWithContext(ioCtx, src, buf)
		cancel()
		if err == nil || err == io.EOF {
			return n, err
		}
		lastErr = err
		r.mu.Lock()
		r.retries++
		r.mu.Unlock()
		r.addError(err)
		if attempt > maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case <-m.Clock.After(time.Duration(attempt) * retryUnit):
		}
	}
	return 0, trace.Wrap(lastErr)
}

// readWithContext performs a single Read, honoring ctx cancellation
// for transports whose Read doesn't itself respect deadlines.
func readWithContext(ctx context.Context, src io.Reader, buf []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := src.Read(buf)
		done <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-done:
		return res.n, res.err
	}
}

// primeHasher feeds the first n bytes already written at dstPath into
// hasher, so a resumed transfer's final checksum covers the whole
// file rather than just the bytes sent after the resume point.
func primeHasher(ctx context.Context, dstFS FileSystem, dstPath string, n int64, hasher io.Writer) error {
	existing, err := dstFS.ReaderAt(ctx, dstPath, 0)
	if err != nil {
		return trace.Wrap(err)
	}
	defer existing.Close()
	if _, err := io.CopyN(hasher, existing, n); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (m *Manager) awaitNotPaused(ctx context.Context, r *Record) error {
	select {
	case <-r.pauseCh:
	default:
		return nil
	}
	r.setState(StatePaused)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.resumeCh:
		r.setState(StateTransferring)
		return nil
	}
}

// localFS implements FileSystem against the local disk.
type localFS struct{}

// NewLocalFS constructs a FileSystem backed by the local filesystem.
func NewLocalFS() FileSystem { return localFS{} }

func (localFS) Stat(_ context.Context, path string) (os.FileInfo, error) {
	fi, err := os.Stat(path)
	return fi, trace.ConvertSystemError(err)
}

func (localFS) ReaderAt(_ context.Context, path string, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, trace.Wrap(err)
		}
	}
	return f, nil
}

func (localFS) WriterAt(_ context.Context, path string, offset int64, appendMode bool) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if offset > 0 && !appendMode {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, trace.Wrap(err)
		}
	}
	return f, nil
}

func (localFS) Remove(_ context.Context, path string) error {
	return trace.ConvertSystemError(os.Remove(path))
}

func (localFS) Rename(_ context.Context, oldPath, newPath string) error {
	return trace.ConvertSystemError(os.Rename(oldPath, newPath))
}

// sftpClient is the subset of *sftp.Client remoteFS needs, letting
// tests substitute a fake.
type sftpClient interface {
	Stat(path string) (os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	OpenFile(path string, flags int) (sftpWriteSeekCloser, error)
	Remove(path string) error
	Rename(oldPath, newPath string) error
}

// sftpWriteSeekCloser is the write side of an open remote file.
type sftpWriteSeekCloser interface {
	io.WriteCloser
	Seek(offset int64, whence int) (int64, error)
}

// remoteFS implements FileSystem against an open SFTP session.
type remoteFS struct {
	client sftpClient
}

// NewRemoteFS constructs a FileSystem backed by an established SFTP
// client connection.
func NewRemoteFS(client sftpClient) FileSystem { return remoteFS{client: client} }

// sftpClientAdapter adapts a real *sftp.Client to the narrower
// sftpClient interface remoteFS depends on, so tests can substitute a
// fake without dialing a real SFTP session.
type sftpClientAdapter struct {
	c *sftp.Client
}

// NewSFTPClientAdapter wraps client for use with NewRemoteFS.
func NewSFTPClientAdapter(client *sftp.Client) sftpClient { return sftpClientAdapter{c: client} }

func (a sftpClientAdapter) Stat(path string) (os.FileInfo, error) { return a.c.Stat(path) }
func (a sftpClientAdapter) Open(path string) (io.ReadCloser, error) {
	return a.c.Open(path)
}
func (a sftpClientAdapter) OpenFile(path string, flags int) (sftpWriteSeekCloser, error) {
	return a.c.OpenFile(path, flags)
}
func (a sftpClientAdapter) Remove(path string) error { return a.c.Remove(path) }
func (a sftpClientAdapter) Rename(oldPath, newPath string) error {
	return a.c.Rename(oldPath, newPath)
}

func (r remoteFS) Stat(_ context.Context, path string) (os.FileInfo, error) {
	fi, err := r.client.Stat(path)
	return fi, trace.Wrap(err)
}

func (r remoteFS) ReaderAt(_ context.Context, path string, offset int64) (io.ReadCloser, error) {
	f, err := r.client.Open(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if offset > 0 {
		if seeker, ok := f.(io.Seeker); ok {
			if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
				f.Close()
				return nil, trace.Wrap(err)
			}
		}
	}
	return f, nil
}

func (r remoteFS) WriterAt(_ context.Context, path string, offset int64, appendMode bool) (io.WriteCloser, error) {
	const (
		flagWrite  = 1 << 1
		flagCreate = 1 << 6
		flagTrunc  = 1 << 9
	)
	flags := flagWrite | flagCreate
	if !appendMode && offset == 0 {
		flags |= flagTrunc
	}
	f, err := r.client.OpenFile(path, flags)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, trace.Wrap(err)
		}
	}
	return f, nil
}

func (r remoteFS) Remove(_ context.Context, path string) error {
	return trace.Wrap(r.client.Remove(path))
}

func (r remoteFS) Rename(_ context.Context, oldPath, newPath string) error {
	return trace.Wrap(r.client.Rename(oldPath, newPath))
}
