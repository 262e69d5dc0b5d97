package simpleshell

import (
	"strings"

	"github.com/gravitational/trace"
)

// Error kinds, per spec.md §7. Each is realized as a trace error
// constructor so callers can use trace.Is* predicates; Kind lets
// higher layers (event bus, UI transport) classify an error without
// string-matching messages a second time.
type Kind string

const (
	KindAuthFailure        Kind = "auth_failure"
	KindAuthCancelled      Kind = "auth_cancelled"
	KindHostKeyChanged     Kind = "host_key_changed"
	KindTransientIO        Kind = "transient_io"
	KindProtocol           Kind = "protocol"
	KindTransferIntegrity  Kind = "transfer_integrity"
	KindResourceExhaustion Kind = "resource_exhaustion"
	KindInvalidOperation   Kind = "invalid_operation"
	KindInternal           Kind = "internal"
)

// authFailureSubstrings are matched case-insensitively against an SSH
// error's message, per spec.md §4.4's auth-failure classification rule.
var authFailureSubstrings = []string{
	"authentication",
	"auth fail",
	"permission denied",
	"publickey",
	"password",
	"keyboard-interactive",
}

// ClassifyAuthError decides whether err represents a failed credential
// attempt (eligible for retry through the Auth Orchestrator) or some
// other connection failure. A message matching one of
// authFailureSubstrings AND not containing "cancel" is an auth failure.
func ClassifyAuthError(err error) Kind {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "cancel") {
		return KindTransientIO
	}
	for _, sub := range authFailureSubstrings {
		if strings.Contains(msg, sub) {
			return KindAuthFailure
		}
	}
	return KindTransientIO
}

// WrapKind wraps err with the trace constructor matching kind, so the
// result carries both a stack trace (via trace.Wrap) and a
// machine-readable classification recoverable with KindOf.
func WrapKind(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	wrapped := trace.Wrap(err, format, args...)
	return &classifiedError{kind: kind, err: wrapped}
}

// NewKind builds a fresh classified error without an underlying cause.
func NewKind(kind Kind, format string, args ...interface{}) error {
	return &classifiedError{kind: kind, err: trace.Errorf(format, args...)}
}

type classifiedError struct {
	kind Kind
	err  error
}

func (c *classifiedError) Error() string { return c.err.Error() }
func (c *classifiedError) Unwrap() error { return c.err }

// KindOf extracts the Kind attached by WrapKind/NewKind, defaulting to
// KindInternal for errors the engine didn't classify itself.
func KindOf(err error) Kind {
	var ce *classifiedError
	if trace.Unwrap(err) != nil {
		for e := err; e != nil; e = unwrapOne(e) {
			if c, ok := e.(*classifiedError); ok {
				ce = c
				break
			}
		}
	}
	if ce != nil {
		return ce.kind
	}
	return KindInternal
}

func unwrapOne(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

// ErrRootPath is returned synchronously (no SFTP call issued) when a
// destructive operation targets the filesystem root, per spec.md §8
// scenario S6.
var ErrRootPath = trace.BadParameter("refusing to operate on root path")

// IsRootPath reports whether path is "/" or "\\", the two root
// spellings spec.md §8 S6 requires the engine to reject synchronously.
func IsRootPath(path string) bool {
	return path == "/" || path == `\`
}
