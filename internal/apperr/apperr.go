// Package apperr defines the error-kind taxonomy shared by every component of the
// hub, so the supervisor and service manager can branch on what failed without
// string-matching.
package apperr

import "fmt"

// Kind classifies an error by how the rest of the system must react to it.
type Kind int

const (
	// Config marks malformed TOML, missing fields, unknown references, or
	// duplicate names. Fatal at startup.
	Config Kind = iota
	// PortInUse marks a local port already bound by another process.
	PortInUse
	// Transport marks a TCP connect or SSH handshake failure. Retried per policy.
	Transport
	// Auth marks an authentication rejection. Fatal for the owning tunnel.
	Auth
	// RemoteForwardRejected marks a peer refusal of a remote bind request.
	RemoteForwardRejected
	// Channel marks a channel open or data-phase failure during Serving.
	Channel
	// PerConnection marks an error confined to one bidirectional copy.
	PerConnection
	// Io marks file I/O failure on config or key files.
	Io
	// IPCUnreachable marks a client-side failure to dial a running daemon's
	// control socket, distinct from Transport's server-side bind failure.
	IPCUnreachable
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case PortInUse:
		return "port_in_use"
	case Transport:
		return "transport"
	case Auth:
		return "auth"
	case RemoteForwardRejected:
		return "remote_forward_rejected"
	case Channel:
		return "channel"
	case PerConnection:
		return "per_connection"
	case Io:
		return "io"
	case IPCUnreachable:
		return "ipc_unreachable"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error that optionally wraps an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that wraps err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retriable reports whether a tunnel should attempt reconnection after an error
// of this kind, per §7's propagation policy.
func (k Kind) Retriable() bool {
	return k == Transport || k == Channel
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, or a zero
// Kind otherwise. Useful for log fields where a default is acceptable.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return Config
}
