// Package lerr defines the error taxonomy shared by the dataplane core.
//
// Kind classifies an error the way spec.md §7 does: allocation failures,
// missing objects, collisions, malformed requests, protocol-level
// validation failures and collaborator I/O errors are all distinguished so
// that callers can decide whether to roll back a transaction, surface an
// OFPErrorMsg to the controller, or just log and drop a packet.
package lerr

import (
	"fmt"

	"github.com/lagopus-go/dpcore/ofp"
)

// Kind is the high-level error classification from spec.md §7.
type Kind int

const (
	// NoMemory represents an allocation failure.
	NoMemory Kind = iota

	// NotFound represents a missing dpid, bridge, port, queue, meter
	// or group.
	NotFound

	// AlreadyExists represents a name/dpid/id collision on create.
	AlreadyExists

	// InvalidArgs represents a structurally invalid request.
	InvalidArgs

	// OFPError represents an OpenFlow protocol-level validation
	// failure, surfaced verbatim to the controller.
	OFPError

	// IO represents a surfaced collaborator failure (PacketIO, Timer).
	IO
)

func (k Kind) String() string {
	switch k {
	case NoMemory:
		return "no-memory"
	case NotFound:
		return "not-found"
	case AlreadyExists:
		return "already-exists"
	case InvalidArgs:
		return "invalid-args"
	case OFPError:
		return "ofp-error"
	case IO:
		return "io"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the error type returned across package boundaries in this
// module. When Kind is OFPError, Type/Code identify the OpenFlow error
// reply the caller should build (see ofp.Error).
type Error struct {
	Kind Kind
	Type ofp.ErrType
	Code ofp.ErrCode
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.Kind == OFPError {
		return fmt.Sprintf("%s: %s/%v: %s", e.Kind, e.Type, e.Code, e.Msg)
	}
	if e.Msg == "" && e.err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a plain error of the given kind.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

// Newf builds a plain error of the given kind with a formatted message.
func Newf(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an arbitrary collaborator error (PacketIO,
// Timer, EventQueue).
func Wrap(k Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: err.Error(), err: err}
}

// OFP builds an Error that carries an OpenFlow (type, code) pair, ready
// to be turned into an ofp.Error wire reply by the caller.
func OFP(t ofp.ErrType, c ofp.ErrCode, msg string) *Error {
	return &Error{Kind: OFPError, Type: t, Code: c, Msg: msg}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}
