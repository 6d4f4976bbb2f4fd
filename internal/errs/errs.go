// Package errs defines the closed set of error kinds surfaced across the
// mesh client, mirroring the PeerJS error taxonomy.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a mesh error. The zero value is never
// used; every Error constructed through New/Wrap carries a non-empty Kind.
type Kind string

const (
	BrowserIncompatible Kind = "browser-incompatible"
	InvalidID           Kind = "invalid-id"
	InvalidKey          Kind = "invalid-key"
	UnavailableID       Kind = "unavailable-id"
	Disconnected        Kind = "disconnected"
	Destroyed           Kind = "destroyed"
	SocketError         Kind = "socket-error"
	SocketClosed        Kind = "socket-closed"
	ServerError         Kind = "server-error"
	Network             Kind = "network"
	PeerUnavailable     Kind = "peer-unavailable"
	WebRTC              Kind = "webrtc"
	NegotiationFailed   Kind = "negotiation-failed"
	ConnectionClosed    Kind = "connection-closed"
	NotOpenYet          Kind = "not-open-yet"
	NoOpenConnection    Kind = "no-open-connection"
	MessageTooBig       Kind = "message-too-big"
)

// Error is the concrete error type returned throughout the mesh client. It
// always carries a Kind so callers can branch with errors.As + Kind
// equality, and optionally wraps an underlying cause.
type Error struct {
	Kind  Kind
	Peer  string // best-effort, empty if not peer-scoped
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		if e.Peer != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Peer)
		}
		return string(e.Kind)
	}
	if e.Peer != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Peer, e.cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind with no wrapped cause.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap creates an Error of the given kind wrapping cause. If cause is nil,
// behaves like New.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// WrapPeer is Wrap with a peer id attached for diagnostics.
func WrapPeer(kind Kind, peer string, cause error) *Error {
	return &Error{Kind: kind, Peer: peer, cause: cause}
}

// Is reports whether err is a mesh Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
