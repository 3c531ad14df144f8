// Package errs is the error taxonomy shared across the signaling core.
// Every layer converts lower-layer failures into one of these kinds before
// crossing a package boundary; nothing bubbles raw across the TU boundary.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindParse is a malformed SIP message. Policy: drop the datagram, count it.
	KindParse Kind = iota
	// KindProtocol is a well formed message that violates state machine
	// expectations. Policy: machine goes to Errored, 400-class response if
	// applicable.
	KindProtocol
	// KindTransport is a send or receive failure.
	KindTransport
	KindStoreNotFound
	KindStoreConflict
	KindStoreConnection
	KindStoreBackend
	KindAuthMissingCredentials
	KindAuthBadDigest
	KindAuthNonceExpired
	// KindInternal means an invariant was broken.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindStoreNotFound:
		return "store: not found"
	case KindStoreConflict:
		return "store: conflict"
	case KindStoreConnection:
		return "store: connection"
	case KindStoreBackend:
		return "store: backend"
	case KindAuthMissingCredentials:
		return "auth: missing credentials"
	case KindAuthBadDigest:
		return "auth: bad digest"
	case KindAuthNonceExpired:
		return "auth: nonce expired"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same kind, so callers can write
// errors.Is(err, errs.New(errs.KindStoreNotFound)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind) *Error { return &Error{Kind: kind} }

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsNotFound is the one store failure treated as expected flow.
func IsNotFound(err error) bool { return IsKind(err, KindStoreNotFound) }

func IsAuth(err error) bool {
	switch KindOf(err) {
	case KindAuthMissingCredentials, KindAuthBadDigest, KindAuthNonceExpired:
		return true
	}
	return false
}
