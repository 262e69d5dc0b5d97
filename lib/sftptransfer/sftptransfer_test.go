package sftptransfer

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ss "github.com/funkpopo/simpleshell-engine"
	"github.com/funkpopo/simpleshell-engine/lib/mempool"
)

func mustPool(t *testing.T) *mempool.Pool {
	t.Helper()
	p, err := mempool.New(mempool.Config{})
	require.NoError(t, err)
	return p
}

type recordedEvent struct {
	channel  string
	snapshot Snapshot
	progress *ProgressEvent
}

type eventSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *eventSink) onEvent(channel string, rec Snapshot, p *ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{channel: channel, snapshot: rec, progress: p})
}

func (s *eventSink) last() recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func (s *eventSink) count(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.channel == channel {
			n++
		}
	}
	return n
}

func newManager(t *testing.T) (*Manager, *eventSink) {
	t.Helper()
	sink := &eventSink{}
	m, err := New(Config{Pool: mustPool(t), OnEvent: sink.onEvent})
	require.NoError(t, err)
	return m, sink
}

func TestChunkSizeForThresholds(t *testing.T) {
	require.Equal(t, chunkSizeSmall, chunkSizeFor(100))
	require.Equal(t, chunkSizeMedium, chunkSizeFor(2*1024*1024))
	require.Equal(t, chunkSizeLarge, chunkSizeFor(200*1024*1024))
}

func TestIDForIsDeterministic(t *testing.T) {
	a := IDFor(TypeUpload, "/a", "/b")
	b := IDFor(TypeUpload, "/a", "/b")
	c := IDFor(TypeUpload, "/a", "/c")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestUploadTransfersLocalFileToLocalDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	payload := bytes.Repeat([]byte("x"), 10)
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	m, sink := newManager(t)
	fs := NewLocalFS()

	r, err := m.Enqueue(context.Background(), TypeUpload, src, dst, fs, fs, false, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.Snapshot().State == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, StateCompleted, sink.last().snapshot.State)
}

func TestTransferVerifiesChecksumWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o644))

	m, _ := newManager(t)
	fs := NewLocalFS()

	const wantSum = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	r, err := m.Enqueue(context.Background(), TypeUpload, src, dst, fs, fs, true, wantSum)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.Snapshot().State == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, wantSum, r.Snapshot().ActualChecksum)
}

func TestTransferFailsOnChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o644))

	m, _ := newManager(t)
	fs := NewLocalFS()

	r, err := m.Enqueue(context.Background(), TypeUpload, src, dst, fs, fs, true, "deadbeef")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := r.Snapshot().State
		return s == StateFailed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCopyTypeIsNotSupported(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	m, _ := newManager(t)
	fs := NewLocalFS()

	r, err := m.Enqueue(context.Background(), TypeCopy, src, dst, fs, fs, false, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.Snapshot().State == StateFailed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCancelTransitionsTerminally(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte("y"), 5*1024*1024), 0o644))

	m, _ := newManager(t)
	fs := NewLocalFS()

	r, err := m.Enqueue(context.Background(), TypeUpload, src, dst, fs, fs, false, "")
	require.NoError(t, err)
	r.Cancel()

	require.Eventually(t, func() bool {
		s := r.Snapshot().State
		return s == StateCancelled || s == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPauseBlocksProgressUntilResume(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte("z"), 64*1024), 0o644))

	m, _ := newManager(t)
	fs := NewLocalFS()

	r, err := m.Enqueue(context.Background(), TypeUpload, src, dst, fs, fs, false, "")
	require.NoError(t, err)
	r.Pause()

	require.Eventually(t, func() bool {
		return r.Snapshot().State == StatePaused || r.Snapshot().State == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	r.Resume()
	require.Eventually(t, func() bool {
		return r.Snapshot().State == StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestChunkLedgerIsBoundedTo500Entries(t *testing.T) {
	r := &Record{mgr: &Manager{Config: Config{Clock: nil}}}
	for i := 0; i < maxChunkLedger+50; i++ {
		r.addChunk(ChunkEntry{Index: i})
	}
	require.Len(t, r.chunks, maxChunkLedger)
	require.Equal(t, maxChunkLedger+49, r.chunks[len(r.chunks)-1].Index)
}

// fakeSFTPFile implements both io.ReadCloser and sftpWriteSeekCloser
// over an in-memory buffer, so remoteFS can be exercised without a
// real SSH/SFTP connection.
type fakeSFTPFile struct {
	buf    *bytes.Buffer
	offset int64
}

func (f *fakeSFTPFile) Read(p []byte) (int, error)  { return f.buf.Read(p) }
func (f *fakeSFTPFile) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *fakeSFTPFile) Close() error                { return nil }
func (f *fakeSFTPFile) Seek(offset int64, whence int) (int64, error) {
	f.offset = offset
	return offset, nil
}

type fakeSFTPClient struct {
	files map[string]*bytes.Buffer
}

func (c *fakeSFTPClient) Stat(path string) (os.FileInfo, error) {
	return nil, os.ErrNotExist
}

func (c *fakeSFTPClient) Open(path string) (io.ReadCloser, error) {
	b, ok := c.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &fakeSFTPFile{buf: bytes.NewBuffer(b.Bytes())}, nil
}

func (c *fakeSFTPClient) OpenFile(path string, flags int) (sftpWriteSeekCloser, error) {
	b := &bytes.Buffer{}
	c.files[path] = b
	return &fakeSFTPFile{buf: b}, nil
}

func (c *fakeSFTPClient) Remove(path string) error {
	if _, ok := c.files[path]; !ok {
		return os.ErrNotExist
	}
	delete(c.files, path)
	return nil
}

func (c *fakeSFTPClient) Rename(oldPath, newPath string) error {
	b, ok := c.files[oldPath]
	if !ok {
		return os.ErrNotExist
	}
	delete(c.files, oldPath)
	c.files[newPath] = b
	return nil
}

func TestDeleteRejectsRootPathSynchronously(t *testing.T) {
	client := &fakeSFTPClient{files: make(map[string]*bytes.Buffer)}
	fs := NewRemoteFS(client)

	err := Delete(context.Background(), fs, "/")
	require.Error(t, err)
	require.ErrorIs(t, err, ss.ErrRootPath)
}

func TestMoveRejectsRootPathSynchronously(t *testing.T) {
	client := &fakeSFTPClient{files: make(map[string]*bytes.Buffer)}
	fs := NewRemoteFS(client)
	client.files["/real"] = bytes.NewBufferString("data")

	require.Error(t, Move(context.Background(), fs, "/real", "/"))
	require.Error(t, Move(context.Background(), fs, "/", "/real2"))
}

func TestDeleteAndMoveOnLocalFS(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	fs := NewLocalFS()

	dst := filepath.Join(dir, "b.txt")
	require.NoError(t, Move(context.Background(), fs, src, dst))
	_, err := os.Stat(dst)
	require.NoError(t, err)

	require.NoError(t, Delete(context.Background(), fs, dst))
	_, err = os.Stat(dst)
	require.True(t, os.IsNotExist(err))
}

func TestRemoteFSRoundTripsThroughFakeClient(t *testing.T) {
	client := &fakeSFTPClient{files: make(map[string]*bytes.Buffer)}
	fs := NewRemoteFS(client)

	w, err := fs.WriterAt(context.Background(), "/remote/file", 0, false)
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := fs.ReaderAt(context.Background(), "/remote/file", 0)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}
