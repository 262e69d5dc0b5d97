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

// Package engine wires the Session & Transfer Engine's components
// together into the operations SPEC_FULL.md §3/§6 expose: opening and
// tearing down a session, writing input, resizing, starting/cancelling
// an SFTP transfer, and passing credential updates through to the
// connection catalog. It mirrors the teacher's
// `lib/teleterm/daemon.Service`: a thin Config+CheckAndSetDefaults
// aggregator that owns every long-lived subcomponent and threads
// callbacks between them instead of each component reaching for its
// neighbors directly.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/trace"

	ss "github.com/funkpopo/simpleshell-engine"
	"github.com/funkpopo/simpleshell-engine/lib/authflow"
	"github.com/funkpopo/simpleshell-engine/lib/backpressure"
	"github.com/funkpopo/simpleshell-engine/lib/catalog"
	"github.com/funkpopo/simpleshell-engine/lib/connpool"
	"github.com/funkpopo/simpleshell-engine/lib/eventbus"
	"github.com/funkpopo/simpleshell-engine/lib/journal"
	"github.com/funkpopo/simpleshell-engine/lib/knownhosts"
	"github.com/funkpopo/simpleshell-engine/lib/latency"
	"github.com/funkpopo/simpleshell-engine/lib/localprocess"
	"github.com/funkpopo/simpleshell-engine/lib/mempool"
	"github.com/funkpopo/simpleshell-engine/lib/metrics"
	"github.com/funkpopo/simpleshell-engine/lib/reconnect"
	"github.com/funkpopo/simpleshell-engine/lib/sftptransfer"
	"github.com/funkpopo/simpleshell-engine/lib/stream"
)

// Protocol is a ConnectionSpec's transport, per spec.md §3.
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
)

// ConnectionSpec is spec.md §3's ConnectionSpec: everything needed to
// establish one connection, independent of how many tabs share it.
type ConnectionSpec struct {
	Protocol Protocol
	Host     string
	Port     int
	Username string
	Password string
	KeyPath  string
	AuthType string
	Remember bool
	Proxy    *ProxySpec
}

// Config aggregates every component's tuning knobs behind the
// teacher's `Config`+`CheckAndSetDefaults` idiom
// (`lib/teleterm/daemon.Config`).
type Config struct {
	// DataDir holds the Resume Journal directory and the connection
	// catalog file.
	DataDir string
	Clock   clockwork.Clock
	// Registerer is where the engine's Prometheus collectors (§4.14)
	// register themselves; nil uses a private registry so concurrent
	// Engine instances in the same process (e.g. in tests) never
	// collide on the global DefaultRegisterer.
	Registerer prometheus.Registerer
	// Tuning carries the optional on-disk overrides loaded by
	// LoadTuning; its zero value leaves every component's own
	// CheckAndSetDefaults value in force.
	Tuning Tuning
	Log    log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("engine: DataDir is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "engine")
	}
	return nil
}

// Engine owns every long-lived component and the live session/transfer
// registries built on top of them.
type Engine struct {
	Config

	Mempool   *mempool.Pool
	ConnPool  *connpool.Pool
	Hosts     *knownhosts.Cache
	Auth      *authflow.Orchestrator
	Reconnect *reconnect.Manager
	Transfers *sftptransfer.Manager
	Journal   *journal.Journal
	Catalog   *catalog.Catalog
	Processes *localprocess.Registry
	Metrics   *metrics.Metrics
	Latency   *latency.Prober

	busMu sync.RWMutex
	bus   *eventbus.Hub

	sessMu         sync.Mutex
	sessions       map[string]*Session
	transfersByTab map[string]map[string]struct{}
}

// Session is one open tab's view of a shared PooledClient, per
// spec.md §3's Session type.
type Session struct {
	TabID        string
	Key          connpool.Key
	Spec         ConnectionSpec
	Stream       *stream.Stream
	Backpressure *backpressure.Controller
}

// New constructs an Engine and every component it owns. It does not
// resume interrupted transfers itself; see ResumeTransfers and
// ResumeTransfer.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	m, err := metrics.New(metrics.Config{Registerer: cfg.Registerer})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pool, err := mempool.New(mempool.Config{
		Clock:   cfg.Clock,
		Ceiling: cfg.Tuning.Mempool.CeilingBytes,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	e := &Engine{
		Config:         cfg,
		Mempool:        pool,
		Metrics:        m,
		sessions:       make(map[string]*Session),
		transfersByTab: make(map[string]map[string]struct{}),
	}

	e.ConnPool, err = connpool.New(connpool.Config{
		TopN:         cfg.Tuning.ConnPool.TopN,
		Clock:        cfg.Clock,
		OnTopChanged: e.publishTopConnections,
		Log:          cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	e.Hosts, err = knownhosts.New(knownhosts.Config{Log: cfg.Log})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	e.Auth, err = authflow.New(authflow.Config{
		Dispatcher: dispatcherFunc(e.dispatchAuthRequest),
		Hosts:      e.Hosts,
		Clock:      cfg.Clock,
		Log:        cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	e.Reconnect, err = reconnect.New(reconnect.Config{
		Pool:          e.ConnPool,
		Clock:         cfg.Clock,
		OnReconnected: e.publishReconnected,
		OnOffline:     e.publishOffline,
		Log:           cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	e.Journal, err = journal.New(journal.Config{
		Dir:   filepath.Join(cfg.DataDir, "transfers"),
		Clock: cfg.Clock,
		Log:   cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	e.Transfers, err = sftptransfer.New(sftptransfer.Config{
		MaxConcurrent: cfg.Tuning.Transfers.MaxConcurrent,
		Pool:          pool,
		Clock:         cfg.Clock,
		OnEvent:       e.onTransferEvent,
		Metrics:       m,
		Log:           cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	e.Catalog, err = catalog.New(catalog.Config{
		Path:      filepath.Join(cfg.DataDir, "catalog.json"),
		OnChanged: e.publishConnectionsChanged,
		Log:       cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := e.Catalog.Load(); err != nil {
		return nil, trace.Wrap(err)
	}

	e.Processes, err = localprocess.New(localprocess.Config{Log: cfg.Log})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	e.Latency, err = latency.New(latency.Config{
		Interval: cfg.Tuning.latencyInterval(),
		Clock:    cfg.Clock,
		OnEvent:  e.publishLatencyEvent,
		Log:      cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return e, nil
}

func (e *Engine) publishLatencyEvent(evt latency.Event) {
	channel := eventbus.ChannelLatencyUpdated
	switch evt.Kind {
	case "error":
		channel = eventbus.ChannelLatencyError
	case "disconnected":
		channel = eventbus.ChannelLatencyDisconnected
	}
	if err := e.publish(channel, evt); err != nil {
		e.Log.Debugf("publishing %s: %v", channel, err)
	}
}

// dispatcherFunc adapts a plain function to authflow.Dispatcher.
type dispatcherFunc func(ctx context.Context, req authflow.Request) error

func (f dispatcherFunc) Dispatch(ctx context.Context, req authflow.Request) error { return f(ctx, req) }

// AttachBus registers the UI transport, the Event Bus hub spec.md §6
// leaves to the implementer. Publishing before a Bus is attached (e.g.
// an auth request racing a just-opened UI) surfaces as a TransientIO
// error rather than silently dropping the event.
func (e *Engine) AttachBus(bus *eventbus.Hub) {
	e.busMu.Lock()
	e.bus = bus
	e.busMu.Unlock()
}

func (e *Engine) publish(channel string, payload interface{}) error {
	e.busMu.RLock()
	bus := e.bus
	e.busMu.RUnlock()
	if bus == nil {
		return ss.NewKind(ss.KindTransientIO, "engine: no UI transport attached")
	}
	return trace.Wrap(bus.Publish(channel, payload))
}

func (e *Engine) dispatchAuthRequest(ctx context.Context, req authflow.Request) error {
	return e.publish(eventbus.ChannelAuthRequest, req)
}

func (e *Engine) publishTopConnections(keys []connpool.Key) {
	if err := e.publish(eventbus.ChannelTopConnectionsChanged, keys); err != nil {
		e.Log.Debugf("publishing top-connections-changed: %v", err)
	}
}

func (e *Engine) publishConnectionsChanged() {
	if err := e.publish(eventbus.ChannelConnectionsChanged, e.Catalog.Tree()); err != nil {
		e.Log.Debugf("publishing connections-changed: %v", err)
	}
}

type reconnectedPayload struct {
	Key    connpool.Key `json:"key"`
	Status string       `json:"status,omitempty"`
}

func (e *Engine) publishReconnected(key connpool.Key) {
	_ = e.publish(eventbus.ChannelTabConnectionStatus, reconnectedPayload{Key: key})
}

func (e *Engine) publishOffline(key connpool.Key) {
	_ = e.publish(eventbus.ChannelTabConnectionStatus, reconnectedPayload{Key: key, Status: "offline"})
}

func (e *Engine) onTransferEvent(channel string, record sftptransfer.Snapshot, progress *sftptransfer.ProgressEvent) {
	if e.Journal.ShouldPersist(record) {
		if err := e.Journal.Persist(record); err != nil {
			e.Log.Warnf("persisting transfer journal for %s: %v", record.ID, err)
		}
	}
	e.Journal.ScheduleCleanup(context.Background(), record.ID, record.State)

	payload := interface{}(record)
	if progress != nil {
		payload = progress
	}
	if err := e.publish(channel, payload); err != nil {
		e.Log.Debugf("publishing %s: %v", channel, err)
	}
}

// RespondAuth delivers an inbound `ssh:auth-response` to the
// Authenticate call awaiting it, per spec.md §6.
func (e *Engine) RespondAuth(resp authflow.Response) {
	e.Auth.Respond(resp)
}

// startSessionRequest is the inbound `terminal:startSSH`/`terminal:startTelnet`
// envelope, per spec.md §6.
type startSessionRequest struct {
	TabID string `json:"tab_id"`
	ConnectionSpec
}

// updateCredentialsRequest is the inbound
// `terminal:updateConnectionCredentials` envelope, per spec.md §6.
type updateCredentialsRequest struct {
	ConnectionID string              `json:"connection_id"`
	Credentials  catalog.Credentials `json:"credentials"`
}

// HandleInbound routes a decoded inbound Event Bus frame to the
// matching engine operation, the counterpart of AttachBus's OnInbound
// callback. It runs session dials on a new goroutine since
// Authenticate can block on user input for up to
// authflow.ResponseTimeout, and the readLoop that calls HandleInbound
// must keep draining the websocket in the meantime.
func (e *Engine) HandleInbound(channel string, payload json.RawMessage) {
	switch channel {
	case eventbus.ChannelAuthResponse:
		var resp authflow.Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			e.Log.Warnf("malformed auth-response: %v", err)
			return
		}
		e.RespondAuth(resp)

	case eventbus.ChannelTerminalStartSSH, eventbus.ChannelTerminalStartTelnet:
		var req startSessionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			e.Log.Warnf("malformed %s: %v", channel, err)
			return
		}
		go func() {
			if _, err := e.OpenSession(context.Background(), req.TabID, req.ConnectionSpec); err != nil {
				e.Log.Warnf("opening session for tab %s: %v", req.TabID, err)
			}
		}()

	case eventbus.ChannelUpdateCredentials:
		var req updateCredentialsRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			e.Log.Warnf("malformed %s: %v", channel, err)
			return
		}
		if err := e.Catalog.UpdateCredentials(context.Background(), req.ConnectionID, req.Credentials); err != nil {
			e.Log.Warnf("updating credentials for %s: %v", req.ConnectionID, err)
		}

	default:
		e.Log.Debugf("engine: no handler for inbound channel %q", channel)
	}
}

// keyFor derives the shared connpool.Key for spec.
func keyFor(spec ConnectionSpec) connpool.Key {
	proxyAddr := ""
	if spec.Proxy != nil {
		proxyAddr = spec.Proxy.Address
	}
	return connpool.KeyFor(string(spec.Protocol), spec.Host, spec.Port, spec.Username, proxyAddr)
}

// OpenSession opens (or attaches to) the PooledClient for spec and
// starts an interactive Stream for tabID, per spec.md §3/§4.7.
func (e *Engine) OpenSession(ctx context.Context, tabID string, spec ConnectionSpec) (*Session, error) {
	key := keyFor(spec)

	dial := connpool.Dialer(func(ctx context.Context, key connpool.Key) (connpool.Transport, error) {
		switch spec.Protocol {
		case ProtocolSSH:
			return e.dialSSHWithAuth(ctx, tabID, spec)
		case ProtocolTelnet:
			return dialThroughProxy(ctx, spec.Proxy, fmt.Sprintf("%s:%d", spec.Host, spec.Port))
		default:
			return nil, trace.BadParameter("engine: unknown protocol %q", spec.Protocol)
		}
	})

	pc, err := e.ConnPool.Acquire(ctx, key, tabID, string(spec.Protocol), dial)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	bpCtrl, err := backpressure.New(backpressure.Config{
		InitialCredit: e.Tuning.Backpressure.InitialCredit,
		MaxCredit:     e.Tuning.Backpressure.MaxCredit,
		Log:           e.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	streamCfg := stream.Config{
		TabID:        tabID,
		Key:          key,
		Pool:         e.ConnPool,
		Backpressure: bpCtrl,
		Clock:        e.Clock,
		OnOutput:     func(text string) { _ = e.publish(eventbus.ProcessOutputChannel(tabID), text) },
		OnClosed:     func(intentional bool) { e.onSessionClosed(tabID, key, intentional, spec) },
		Log:          e.Log.WithField("tab_id", tabID),
	}

	var st *stream.Stream
	onCancel := func() { e.cancelTransfersForTab(tabID) }
	switch spec.Protocol {
	case ProtocolSSH:
		client := pc.Transport.(*ssh.Client)
		st, err = stream.OpenSSHShell(streamCfg, client, onCancel)
	case ProtocolTelnet:
		conn := pc.Transport.(stream.RawStream)
		st, err = stream.OpenTelnet(streamCfg, conn, onCancel)
	}
	if err != nil {
		e.ConnPool.Release(key, tabID, true)
		return nil, trace.Wrap(err)
	}

	sess := &Session{TabID: tabID, Key: key, Spec: spec, Stream: st, Backpressure: bpCtrl}
	e.sessMu.Lock()
	e.sessions[tabID] = sess
	e.sessMu.Unlock()
	return sess, nil
}

// onSessionClosed drops tabID's live Session and, for a non-intentional
// close, starts the Reconnection Manager against key so the same tab
// can resume once connectivity returns, per spec.md §4.6.
func (e *Engine) onSessionClosed(tabID string, key connpool.Key, intentional bool, spec ConnectionSpec) {
	e.sessMu.Lock()
	delete(e.sessions, tabID)
	e.sessMu.Unlock()

	if intentional {
		return
	}
	e.Reconnect.Start(context.Background(), key, func(ctx context.Context, key connpool.Key) (connpool.Transport, error) {
		if spec.Protocol == ProtocolSSH {
			return e.dialSSHWithAuth(ctx, tabID, spec)
		}
		return dialThroughProxy(ctx, spec.Proxy, fmt.Sprintf("%s:%d", spec.Host, spec.Port))
	})
}

// dialSSHWithAuth drives the Auth Orchestrator to completion for an
// SSH connection, per spec.md §4.4/§4.5.
func (e *Engine) dialSSHWithAuth(ctx context.Context, tabID string, spec ConnectionSpec) (*ssh.Client, error) {
	var client *ssh.Client

	apply := func(ctx context.Context, creds authflow.Credentials) (string, error) {
		c, fingerprint, err := dialSSH(ctx, spec, creds)
		if err != nil {
			return "", err
		}
		client = c
		return fingerprint, nil
	}

	_, err := e.Auth.Authenticate(ctx, authflow.Attempt{
		TabID: tabID,
		Host:  spec.Host,
		Port:  spec.Port,
		Initial: authflow.Credentials{
			Username: spec.Username,
			Password: spec.Password,
			KeyPath:  spec.KeyPath,
			AuthType: spec.AuthType,
			Remember: spec.Remember,
		},
		Apply: apply,
		OnRemember: func(creds authflow.Credentials) {
			node, ok := e.Catalog.Find(tabID)
			if !ok || node.Type != catalog.NodeConnection {
				return
			}
			_ = e.Catalog.UpdateCredentials(ctx, tabID, catalog.Credentials{
				Username:       creds.Username,
				Password:       creds.Password,
				PrivateKeyPath: creds.KeyPath,
				AuthType:       catalog.AuthType(creds.AuthType),
			})
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return client, nil
}

// dialSSH performs one raw TCP dial (optionally proxied) plus SSH
// handshake attempt with creds, returning the observed host-key
// fingerprint so the caller's Auth Orchestrator can run Known-Hosts
// Cache logic, per spec.md §4.4.
func dialSSH(ctx context.Context, spec ConnectionSpec, creds authflow.Credentials) (*ssh.Client, string, error) {
	auth, err := authMethodFor(creds)
	if err != nil {
		return nil, "", err
	}

	var fingerprint string
	cfg := &ssh.ClientConfig{
		User:    creds.Username,
		Auth:    []ssh.AuthMethod{auth},
		Timeout: 15 * time.Second,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			fingerprint = knownhosts.Fingerprint(key)
			return nil
		},
	}

	addr := fmt.Sprintf("%s:%d", spec.Host, spec.Port)
	conn, err := dialThroughProxy(ctx, spec.Proxy, addr)
	if err != nil {
		return nil, "", ss.WrapKind(ss.KindTransientIO, err, "dialing %s", addr)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, "", ss.WrapKind(ss.ClassifyAuthError(err), err, "ssh handshake with %s", addr)
	}
	return ssh.NewClient(sshConn, chans, reqs), fingerprint, nil
}

func authMethodFor(creds authflow.Credentials) (ssh.AuthMethod, error) {
	if creds.Password != "" {
		return ssh.Password(creds.Password), nil
	}
	if creds.KeyPath != "" {
		key, err := os.ReadFile(creds.KeyPath)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, ss.NewKind(ss.KindAuthFailure, "parsing private key %s: %v", creds.KeyPath, err)
		}
		return ssh.PublicKeys(signer), nil
	}
	return nil, ss.NewKind(ss.KindAuthFailure, "no credentials supplied")
}

// WriteSession sends input to tabID's interactive shell.
func (e *Engine) WriteSession(ctx context.Context, tabID string, data []byte) error {
	sess, ok := e.getSession(tabID)
	if !ok {
		return trace.NotFound("engine: no session for tab %q", tabID)
	}
	return trace.Wrap(sess.Stream.Write(ctx, data))
}

// ResizeSession applies a window-change for tabID.
func (e *Engine) ResizeSession(tabID string, cols, rows int) error {
	sess, ok := e.getSession(tabID)
	if !ok {
		return trace.NotFound("engine: no session for tab %q", tabID)
	}
	return trace.Wrap(sess.Stream.Resize(cols, rows))
}

// CloseSession tears tabID's stream down. intentional distinguishes a
// user-initiated close (releases the pooled client outright) from a
// transient drop the Reconnection Manager should handle.
func (e *Engine) CloseSession(tabID string, intentional bool) error {
	sess, ok := e.getSession(tabID)
	if !ok {
		return trace.NotFound("engine: no session for tab %q", tabID)
	}
	return trace.Wrap(sess.Stream.Close(intentional))
}

func (e *Engine) getSession(tabID string) (*Session, bool) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	s, ok := e.sessions[tabID]
	return s, ok
}

// StartTransfer enqueues an SFTP transfer between srcFS and dstFS on
// behalf of tabID, per spec.md §4.9. Transfer IDs are content-addressed
// (lib/sftptransfer.IDFor) rather than tab-scoped, so the engine keeps
// its own tab→transfer association to know what to cancel if tabID's
// session drops, per spec.md §4.7's "cancel in-flight transfers" close
// behavior.
func (e *Engine) StartTransfer(ctx context.Context, tabID string, typ sftptransfer.Type, srcPath, dstPath string, srcFS, dstFS sftptransfer.FileSystem, verifyChecksum bool, expectedChecksum string) (*sftptransfer.Record, error) {
	r, err := e.Transfers.Enqueue(ctx, typ, srcPath, dstPath, srcFS, dstFS, verifyChecksum, expectedChecksum)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.sessMu.Lock()
	ids, ok := e.transfersByTab[tabID]
	if !ok {
		ids = make(map[string]struct{})
		e.transfersByTab[tabID] = ids
	}
	ids[r.ID] = struct{}{}
	e.sessMu.Unlock()
	return r, nil
}

// CancelTransfer cancels the transfer identified by id.
func (e *Engine) CancelTransfer(id string) error {
	r, ok := e.Transfers.Get(id)
	if !ok {
		return trace.NotFound("engine: no transfer %q", id)
	}
	r.Cancel()
	return nil
}

// cancelTransfersForTab cancels every transfer StartTransfer
// associated with tabID, invoked when that tab's Stream closes.
func (e *Engine) cancelTransfersForTab(tabID string) {
	e.sessMu.Lock()
	ids := e.transfersByTab[tabID]
	delete(e.transfersByTab, tabID)
	e.sessMu.Unlock()

	for id := range ids {
		if r, ok := e.Transfers.Get(id); ok {
			r.Cancel()
		}
	}
}

// ResumeTransfers reloads any interrupted transfers the Resume
// Journal recorded across a restart, per spec.md §4.10. Actually
// re-driving one requires a live FileSystem pair the caller alone
// knows how to reconstruct (the original source/destination handles
// are not serializable), so this returns the resumable snapshots; the
// caller hands each one to ResumeTransfer — not StartTransfer, which
// would restart the file from byte zero instead of continuing it.
func (e *Engine) ResumeTransfers() ([]sftptransfer.Snapshot, error) {
	return e.Journal.Load()
}

// ResumeTransfer continues a previously interrupted transfer from the
// offset recorded in snap (as returned by ResumeTransfers), on behalf
// of tabID, per spec.md §4.9's resume operation and invariant §8.8
// (byte-identical resumed file).
func (e *Engine) ResumeTransfer(ctx context.Context, tabID string, snap sftptransfer.Snapshot, srcFS, dstFS sftptransfer.FileSystem) (*sftptransfer.Record, error) {
	r, err := e.Transfers.Resume(ctx, snap, srcFS, dstFS)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e.sessMu.Lock()
	ids, ok := e.transfersByTab[tabID]
	if !ok {
		ids = make(map[string]struct{})
		e.transfersByTab[tabID] = ids
	}
	ids[r.ID] = struct{}{}
	e.sessMu.Unlock()
	return r, nil
}

// StartLocalProcess registers a local PTY-backed process under id,
// per SPEC_FULL.md §4.13.
func (e *Engine) StartLocalProcess(ctx context.Context, id, command string, args []string) (*localprocess.Process, error) {
	onOutput := func(text string) { _ = e.publish(eventbus.ProcessOutputChannel(id), text) }
	onExit := func(code int) { _ = e.publish(eventbus.ProcessExitChannel(id), code) }
	return e.Processes.Start(ctx, id, command, args, onOutput, onExit)
}

// ProbeLatency starts a periodic latency probe for tabID over an SSH
// session's keepalive request, per spec.md §4.8.
func (e *Engine) ProbeLatency(ctx context.Context, tabID string, spec ConnectionSpec) {
	probe := func(ctx context.Context) (time.Duration, error) {
		sess, ok := e.getSession(tabID)
		if !ok {
			return 0, trace.NotFound("engine: no session for tab %q", tabID)
		}
		pc, ok := e.ConnPool.Get(sess.Key)
		if !ok {
			return 0, trace.NotFound("engine: no pooled client for tab %q", tabID)
		}
		client, ok := pc.Transport.(*ssh.Client)
		if !ok {
			return 0, ss.NewKind(ss.KindInvalidOperation, "latency probing is only supported over SSH")
		}
		start := e.Clock.Now()
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		if err != nil {
			return 0, trace.Wrap(err)
		}
		return e.Clock.Now().Sub(start), nil
	}
	e.Latency.Start(ctx, tabID, spec.Host, spec.Port, probe)
}

// Shutdown closes every open session, stops local processes, and
// flushes the connection catalog to disk.
func (e *Engine) Shutdown() error {
	e.sessMu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessMu.Unlock()

	for _, s := range sessions {
		if err := s.Stream.Close(true); err != nil {
			e.Log.Warnf("closing session %s during shutdown: %v", s.TabID, err)
		}
	}

	e.Processes.StopAll()

	return trace.Wrap(e.Catalog.Save())
}
