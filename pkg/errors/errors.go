// Package errors provides the structured error taxonomy used across
// proxychain: every failure that crosses a package boundary is a *Error
// carrying a Kind, the failing step index (when known), and a Cause. No
// constructor takes a credential-bearing parameter, so Error() can never
// leak a password or auth header.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind is the category of failure, matching the taxonomy in the spec.
type Kind string

const (
	KindConfig               Kind = "config"
	KindConnect              Kind = "connect"
	KindAuthRequired         Kind = "auth_required_but_not_provided"
	KindAuthFailed           Kind = "auth_failed"
	KindNoAcceptableMethods  Kind = "no_acceptable_methods"
	KindUnexpectedAuthMethod Kind = "unexpected_auth_method"
	KindProtocol             Kind = "protocol"
	KindNegotiationRejected  Kind = "negotiation_rejected"
	KindAddressUnsupported   Kind = "address_type_unsupported"
	KindTimeout              Kind = "timeout"
	KindIO                   Kind = "io"
	KindCancelled            Kind = "cancelled"
)

// TimeoutScope distinguishes a per-step timeout from the total budget firing.
type TimeoutScope string

const (
	ScopeStep  TimeoutScope = "step"
	ScopeTotal TimeoutScope = "total"
)

// Error is the structured error type returned by every proxychain package.
type Error struct {
	Kind      Kind
	Op        string // operation that failed: "open", "greeting", "connect", "read", ...
	Message   string
	Cause     error
	StepIndex int // 1-based; 0 when the error predates any step (e.g. ConfigError)
	Addr      string
	Scope     TimeoutScope // only meaningful when Kind == KindTimeout
	Code      int          // raw protocol reply code, when Kind == KindNegotiationRejected
	Timestamp time.Time
}

// Error implements the error interface.
// Format: [kind] step N op addr: message: cause
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s]", e.Kind)
	if e.StepIndex > 0 {
		msg += fmt.Sprintf(" step %d", e.StepIndex)
	}
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Addr != "" {
		msg += " " + e.Addr
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind only, so callers can compare with errors.Is against a
// bare &Error{Kind: ...} sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithStep returns a copy of e with StepIndex set. The orchestrator calls
// this to attribute an error surfaced by a hop client to its chain position.
func (e *Error) WithStep(index int) *Error {
	cp := *e
	cp.StepIndex = index
	return &cp
}

func newErr(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause, Timestamp: time.Now()}
}

// NewConfigError reports an invalid chain or proxy descriptor.
func NewConfigError(message string) *Error {
	return newErr(KindConfig, "validate", message, nil)
}

// NewConnectError reports a failure to open the transport to addr.
func NewConnectError(addr string, cause error) *Error {
	e := newErr(KindConnect, "open", fmt.Sprintf("failed to connect to %s", addr), cause)
	e.Addr = addr
	return e
}

// NewAuthRequiredError reports that a hop demanded authentication the
// descriptor did not supply.
func NewAuthRequiredError(op string) *Error {
	return newErr(KindAuthRequired, op, "server requires authentication but no credentials were configured", nil)
}

// NewAuthFailedError reports a negative RFC 1929 or HTTP Basic auth reply.
func NewAuthFailedError(op string) *Error {
	return newErr(KindAuthFailed, op, "authentication rejected by server", nil)
}

// NewNoAcceptableMethodsError reports a SOCKS5 greeting rejected with 0xFF.
func NewNoAcceptableMethodsError() *Error {
	return newErr(KindNoAcceptableMethods, "greeting", "server accepted none of the offered authentication methods", nil)
}

// NewUnexpectedAuthMethodError reports a SOCKS5 greeting reply naming a
// method this client never offered.
func NewUnexpectedAuthMethodError(method byte) *Error {
	return newErr(KindUnexpectedAuthMethod, "greeting", fmt.Sprintf("server selected unsupported method 0x%02x", method), nil)
}

// NewProtocolError reports malformed framing: a bad version byte, a
// non-zero reserved field, an unparsable status line, an oversized field.
func NewProtocolError(op, message string, cause error) *Error {
	return newErr(KindProtocol, op, message, cause)
}

// NewNegotiationRejectedError records a well-formed but negative reply from
// a hop (SOCKS5 REP != 0, SOCKS4 status != 0x5A, HTTP status != 200).
func NewNegotiationRejectedError(op string, code int, human string) *Error {
	e := newErr(KindNegotiationRejected, op, human, nil)
	e.Code = code
	return e
}

// NewAddressUnsupportedError reports an address kind the hop's protocol
// cannot carry (e.g. an IPv6 literal target through a SOCKS4 hop).
func NewAddressUnsupportedError(op, message string) *Error {
	return newErr(KindAddressUnsupported, op, message, nil)
}

// NewTimeoutError reports a per-step or total deadline firing.
func NewTimeoutError(scope TimeoutScope, op string, timeout time.Duration) *Error {
	e := newErr(KindTimeout, op, fmt.Sprintf("timed out after %v", timeout), nil)
	e.Scope = scope
	return e
}

// NewIOError wraps a transport-level read/write/close failure.
func NewIOError(op string, cause error) *Error {
	return newErr(KindIO, op, "i/o failure", cause)
}

// NewCancelledError reports that the driving context was cancelled.
func NewCancelledError(op string) *Error {
	return newErr(KindCancelled, op, "operation cancelled", nil)
}

// IsTimeout reports whether err is a proxychain timeout or a net/context
// deadline error, so callers don't need to know which layer produced it.
func IsTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindTimeout {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCancelled reports whether err stems from context cancellation.
func IsCancelled(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// KindOf returns the Kind of a structured error, or "" if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
