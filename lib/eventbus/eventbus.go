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

// Package eventbus implements the UI transport surface described in
// spec.md §4.11/§6: a typed, JSON-enveloped channel multiplexed over a
// single websocket connection between the engine and its UI.
package eventbus

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/trace"
)

// Canonical wire channel names, per spec.md §6's table. Per-id
// channels (`process:output:{id}`, `process:exit:{id}`) are built with
// ProcessOutputChannel and ProcessExitChannel below.
const (
	ChannelTerminalStartSSH       = "terminal:startSSH"
	ChannelTerminalStartTelnet    = "terminal:startTelnet"
	ChannelUpdateCredentials      = "terminal:updateConnectionCredentials"
	ChannelAuthRequest            = "ssh:auth-request"
	ChannelAuthResponse           = "ssh:auth-response"
	ChannelTabConnectionStatus    = "tab-connection-status"
	ChannelTopConnectionsChanged  = "top-connections-changed"
	ChannelConnectionsChanged     = "connections-changed"
	ChannelSFTPTransferStart      = "sftp:transferStart"
	ChannelSFTPTransferProgress   = "sftp:transferProgress"
	ChannelSFTPTransferComplete   = "sftp:transferComplete"
	ChannelSFTPTransferError      = "sftp:transferError"
	ChannelSFTPTransferCancelled  = "sftp:transferCancelled"
	ChannelLatencyUpdated         = "latency:updated"
	ChannelLatencyError           = "latency:error"
	ChannelLatencyDisconnected    = "latency:disconnected"
)

// ProcessOutputChannel builds the `process:output:{id}` channel name
// for processID, per spec.md §6.
func ProcessOutputChannel(processID string) string { return fmt.Sprintf("process:output:%s", processID) }

// ProcessExitChannel builds the `process:exit:{id}` channel name for
// processID, per spec.md §6.
func ProcessExitChannel(processID string) string { return fmt.Sprintf("process:exit:%s", processID) }

// envelope is the wire frame: every message on the bus names its
// logical channel alongside its payload, per spec.md §4.11.
type envelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Config configures a Hub.
type Config struct {
	Conn *websocket.Conn
	// OnInbound delivers a decoded inbound message for channel, whatever
	// its name (the engine handles ChannelAuthResponse,
	// ChannelTerminalStartSSH, ChannelTerminalStartTelnet and
	// ChannelUpdateCredentials).
	OnInbound func(channel string, payload json.RawMessage)
	Log       log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("eventbus: Conn is required")
	}
	if c.OnInbound == nil {
		c.OnInbound = func(string, json.RawMessage) {}
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "eventbus")
	}
	return nil
}

// Hub multiplexes every spec.md §6 channel over one websocket
// connection to the UI transport.
type Hub struct {
	Config

	writeMu sync.Mutex
	done    chan struct{}
	closeOnce sync.Once
}

// New constructs a Hub wrapping an already-upgraded websocket
// connection and starts its inbound read loop.
func New(cfg Config) (*Hub, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Hub{Config: cfg, done: make(chan struct{})}
	go h.readLoop()
	return h, nil
}

// Publish marshals payload and sends it on channel, per spec.md
// §4.11's typed-channel model.
func (h *Hub) Publish(channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return trace.Wrap(err)
	}
	env := envelope{Channel: channel, Payload: data}
	framed, err := json.Marshal(env)
	if err != nil {
		return trace.Wrap(err)
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return trace.Wrap(h.Conn.WriteMessage(websocket.TextMessage, framed))
}

// readLoop delivers inbound frames to OnInbound; any channel name is
// passed through unfiltered, so callers can extend the inbound surface
// without touching this package.
func (h *Hub) readLoop() {
	defer h.closeOnce.Do(func() { close(h.done) })
	for {
		ty, data, err := h.Conn.ReadMessage()
		if err != nil {
			if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				h.Log.Warnf("eventbus: read failed: %v", err)
			}
			return
		}
		if ty != websocket.TextMessage {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.Log.Warnf("eventbus: malformed inbound frame: %v", err)
			continue
		}
		h.OnInbound(env.Channel, env.Payload)
	}
}

// Done returns a channel closed once the inbound read loop has ended
// (the underlying connection was closed or errored).
func (h *Hub) Done() <-chan struct{} { return h.done }

// Close tears down the underlying websocket connection.
func (h *Hub) Close() error {
	return trace.Wrap(h.Conn.Close())
}
