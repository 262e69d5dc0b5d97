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

// Package authflow implements the Auth Orchestrator described in
// spec.md §4.4: the state machine that gates connection establishment
// on complete credentials and an approved host fingerprint, asking the
// UI transport for whatever is missing and retrying failed attempts up
// to a fixed budget.
package authflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	ss "github.com/funkpopo/simpleshell-engine"
	"github.com/funkpopo/simpleshell-engine/lib/knownhosts"
)

// State is a node in the state machine spec.md §4.4 draws:
//
//	IDLE ── need_auth ──► ASK_USER ── response ──► APPLY
//	APPLY ── success ──► DONE
//	APPLY ── auth_failure ──► ASK_USER  (retries <= 3)
//	ASK_USER ── user_cancel ──► CANCELLED
//	APPLY ── non_auth_failure ──► FAILED
type State string

const (
	StateIdle     State = "idle"
	StateAskUser  State = "ask_user"
	StateApply    State = "apply"
	StateDone     State = "done"
	StateFailed   State = "failed"
	StateCancelled State = "cancelled"
)

const (
	// MaxRetries is the retry budget for auth-failure responses, per
	// spec.md §4.4.
	MaxRetries = 3
	// ResponseTimeout is how long Authenticate waits for a UI response
	// to an auth request before failing, per spec.md §4.4.
	ResponseTimeout = 5 * time.Minute
)

// Credentials is the credential triplet spec.md's glossary describes:
// username AND one of {password, key-path}.
type Credentials struct {
	Username   string
	Password   string
	KeyPath    string
	AuthType   string
	Remember   bool
}

// Complete reports whether c has a username and at least one secret.
func (c Credentials) Complete() bool {
	return c.Username != "" && (c.Password != "" || c.KeyPath != "")
}

// Request is the outbound `ssh:auth-request` envelope, per spec.md §6.
type Request struct {
	RequestID          string
	TabID              string
	Step               string
	Host               string
	Port               int
	Fingerprint        string
	FingerprintChanged bool
	RequireCredentials bool
	ExistingUsername   string
	IsRetry            bool
	ErrorMessage       string
}

// Response is the inbound `ssh:auth-response` envelope.
type Response struct {
	RequestID        string
	Cancelled        bool
	Credentials      Credentials
	FingerprintOK    bool
}

// Dispatcher delivers an auth request to the UI transport (the Event
// Bus's `ssh:auth-request` channel in the full engine).
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// HostVerifier is the subset of lib/knownhosts.Cache the orchestrator
// needs; declared as an interface so tests can fake it.
type HostVerifier interface {
	Check(host string, port int, incoming string) knownhosts.Result
	Previous(host string, port int) (string, bool)
	Remember(host string, port int, fingerprint string)
}

// Applier performs one authenticated connection attempt with creds and
// the host fingerprint offered by the remote end. It returns the
// observed fingerprint (so the orchestrator can run Known-Hosts Cache
// logic) and an error classified via ss.ClassifyAuthError semantics.
type Applier func(ctx context.Context, creds Credentials) (fingerprint string, err error)

// Attempt is one authentication cycle's parameters.
type Attempt struct {
	TabID       string
	Host        string
	Port        int
	Initial     Credentials
	Apply       Applier
	// OnRemember is invoked with creds when the user opted into
	// "remember", per spec.md §4.4's catalog callback.
	OnRemember func(Credentials)
}

// Config configures an Orchestrator.
type Config struct {
	Dispatcher Dispatcher
	Hosts      HostVerifier
	Clock      clockwork.Clock
	Log        log.FieldLogger
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Dispatcher == nil {
		return trace.BadParameter("authflow: Dispatcher is required")
	}
	if c.Hosts == nil {
		return trace.BadParameter("authflow: Hosts is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "authflow")
	}
	return nil
}

// Orchestrator is the Auth Orchestrator. One instance is shared across
// all connection attempts; each Authenticate call runs an independent
// state machine with its own pending-response slot.
type Orchestrator struct {
	Config

	mu      sync.Mutex
	pending map[string]chan Response
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Orchestrator{Config: cfg, pending: make(map[string]chan Response)}, nil
}

// Respond delivers a UI's `ssh:auth-response` to the Authenticate call
// awaiting it. It is a no-op if requestID is unknown (e.g. a response
// arriving after the 5-minute timeout already failed the attempt).
func (o *Orchestrator) Respond(resp Response) {
	o.mu.Lock()
	ch, ok := o.pending[resp.RequestID]
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Authenticate drives att through IDLE → … → DONE|FAILED|CANCELLED,
// returning the credentials that succeeded.
func (o *Orchestrator) Authenticate(ctx context.Context, att Attempt) (Credentials, error) {
	state := StateIdle
	creds := att.Initial
	forceAsk := false
	isRetry := false
	var lastErr string

	for attemptNum := 0; ; {
		if state == StateIdle {
			if !creds.Complete() || forceAsk {
				state = StateAskUser
			} else {
				state = StateApply
			}
		}

		if state == StateAskUser {
			resp, err := o.ask(ctx, att, creds, isRetry, lastErr)
			if err != nil {
				return Credentials{}, trace.Wrap(err)
			}
			if resp.Cancelled {
				o.Log.Debugf("auth cancelled by user for %s:%d", att.Host, att.Port)
				return Credentials{}, ss.NewKind(ss.KindAuthCancelled, "authentication cancelled by user")
			}
			creds = resp.Credentials
			if resp.FingerprintOK {
				o.Hosts.Remember(att.Host, att.Port, resp.Credentials.Username)
			}
			state = StateApply
		}

		if state == StateApply {
			fingerprint, err := att.Apply(ctx, creds)
			if err == nil {
				result := o.Hosts.Check(att.Host, att.Port, fingerprint)
				if result == knownhosts.Unknown {
					o.Hosts.Remember(att.Host, att.Port, fingerprint)
				}
				if creds.Remember && att.OnRemember != nil {
					att.OnRemember(creds)
				}
				state = StateDone
				return creds, nil
			}

			kind := ss.ClassifyAuthError(err)
			if kind != ss.KindAuthFailure {
				state = StateFailed
				return Credentials{}, ss.WrapKind(ss.KindTransientIO, err, "authentication to %s:%d failed", att.Host, att.Port)
			}

			attemptNum++
			if attemptNum >= MaxRetries {
				state = StateFailed
				return Credentials{}, ss.WrapKind(ss.KindAuthFailure, err, "authentication to %s:%d failed after %d attempts", att.Host, att.Port, attemptNum)
			}
			forceAsk = true
			isRetry = true
			lastErr = err.Error()
			state = StateAskUser
		}
	}
}

// ask issues an `ssh:auth-request` and blocks for the matching response
// or ResponseTimeout, whichever comes first.
func (o *Orchestrator) ask(ctx context.Context, att Attempt, creds Credentials, isRetry bool, errMsg string) (Response, error) {
	reqID := uuid.NewString()
	ch := make(chan Response, 1)

	o.mu.Lock()
	o.pending[reqID] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.pending, reqID)
		o.mu.Unlock()
	}()

	prevFingerprint, known := o.Hosts.Previous(att.Host, att.Port)
	req := Request{
		RequestID:          reqID,
		TabID:              att.TabID,
		Step:               "hostVerify",
		Host:               att.Host,
		Port:               att.Port,
		Fingerprint:        prevFingerprint,
		FingerprintChanged: known && prevFingerprint != "",
		RequireCredentials: !creds.Complete(),
		ExistingUsername:   creds.Username,
		IsRetry:            isRetry,
		ErrorMessage:       errMsg,
	}
	if err := o.Dispatcher.Dispatch(ctx, req); err != nil {
		return Response{}, ss.WrapKind(ss.KindInternal, err, "dispatching auth request")
	}

	timer := o.Clock.NewTimer(ResponseTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-timer.Chan():
		return Response{}, ss.NewKind(ss.KindAuthFailure, "timed out waiting %s for auth response", ResponseTimeout)
	}
}
