// Package fault implements the structured error chain returned by every
// device-server operation.
//
// An Error is an ordered list of frames. Frame 0 is the original cause; each
// Wrap appends a frame describing the layer that re-raised it. Callers branch
// on reason codes:
//
//	if errors.Is(err, fault.CommandNotAllowed) {
//	    // device state forbids the command
//	}
//
// or, equivalently, fault.Has(err, fault.CommandNotAllowed).
package fault

import (
	"errors"
	"strings"
)

// Reason is a machine-readable error code. It implements error so a bare
// reason can be used as an errors.Is target.
type Reason string

func (r Reason) Error() string { return string(r) }

// Frame is one level of an error chain.
type Frame struct {
	Reason Reason `json:"reason" cbor:"1,keyasint"`
	Desc   string `json:"desc" cbor:"2,keyasint"`
	Origin string `json:"origin" cbor:"3,keyasint"`
}

// Error is an ordered chain of frames, cause first.
type Error struct {
	frames []Frame
	cause  error
}

// New starts a chain with a single frame.
func New(reason Reason, desc, origin string) *Error {
	return &Error{frames: []Frame{{Reason: reason, Desc: desc, Origin: origin}}}
}

// FromFrames rebuilds a chain received from a remote peer.
// It returns nil when frames is empty.
func FromFrames(frames []Frame) *Error {
	if len(frames) == 0 {
		return nil
	}
	out := make([]Frame, len(frames))
	copy(out, frames)
	return &Error{frames: out}
}

// Wrap appends a frame on top of err. A non-fault error becomes the first
// frame with reason Internal. Wrap(nil, ...) behaves like New.
func Wrap(err error, reason Reason, desc, origin string) *Error {
	top := Frame{Reason: reason, Desc: desc, Origin: origin}
	if err == nil {
		return &Error{frames: []Frame{top}}
	}

	var fe *Error
	if errors.As(err, &fe) {
		frames := make([]Frame, 0, len(fe.frames)+1)
		frames = append(frames, fe.frames...)
		return &Error{frames: append(frames, top), cause: err}
	}

	return &Error{
		frames: []Frame{{Reason: Internal, Desc: err.Error()}, top},
		cause:  err,
	}
}

// Frames returns a copy of the chain, cause first.
func (e *Error) Frames() []Frame {
	out := make([]Frame, len(e.frames))
	copy(out, e.frames)
	return out
}

// Reason returns the reason of the outermost frame.
func (e *Error) Reason() Reason {
	return e.frames[len(e.frames)-1].Reason
}

// Desc returns the description of the outermost frame.
func (e *Error) Desc() string {
	return e.frames[len(e.frames)-1].Desc
}

// Error renders the chain outermost first.
func (e *Error) Error() string {
	var b strings.Builder
	for i := len(e.frames) - 1; i >= 0; i-- {
		f := e.frames[i]
		if i != len(e.frames)-1 {
			b.WriteString(": ")
		}
		b.WriteString(string(f.Reason))
		if f.Desc != "" {
			b.WriteString(" (")
			b.WriteString(f.Desc)
			b.WriteString(")")
		}
	}
	return b.String()
}

// Unwrap exposes the wrapped non-chain cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a Reason present in any frame.
func (e *Error) Is(target error) bool {
	r, ok := target.(Reason)
	if !ok {
		return false
	}
	for _, f := range e.frames {
		if f.Reason == r {
			return true
		}
	}
	return false
}

// ReasonOf returns the outermost reason of err, or "" when err carries no
// chain.
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason()
	}
	return ""
}

// Has reports whether any frame of err carries reason.
func Has(err error, reason Reason) bool {
	return errors.Is(err, reason)
}

// FramesOf returns the chain carried by err. A plain error yields a single
// Internal frame; nil yields nil.
func FramesOf(err error) []Frame {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Frames()
	}
	return []Frame{{Reason: Internal, Desc: err.Error()}}
}
