package resolver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedFeedback marks diagnostic text the pattern cannot parse.
	// The event is ignored without touching the buffer or the file.
	ErrMalformedFeedback = errors.New("malformed feedback")

	// ErrUnexpectedOpCode aborts a session when feedback names another opcode.
	ErrUnexpectedOpCode = errors.New("unexpected opcode in feedback")

	// ErrOffsetMismatch aborts a session when the reported offset disagrees
	// with the buffer length plus header.
	ErrOffsetMismatch = errors.New("feedback offset mismatch")

	// ErrUnknownHint aborts a session on a hint with no field type mapping.
	ErrUnknownHint = errors.New("unmapped feedback hint")

	// ErrSessionUnbound is reported when another resolver took the session's
	// feedback slot.
	ErrSessionUnbound = errors.New("feedback handler displaced")

	// ErrSessionClosed is reported when the transport closed or a send failed.
	ErrSessionClosed = errors.New("session closed")

	// ErrCancelled is reported when the caller's context ended the session.
	ErrCancelled = errors.New("resolve cancelled")

	// ErrAlreadyStarted is returned by Start on a second call.
	ErrAlreadyStarted = errors.New("resolver already started")

	// ErrNoSession is returned by the Manager when no peer session is up.
	ErrNoSession = errors.New("no peer session available")
)

// AbortError describes why a resolve session was abandoned. Kind is one of
// the sentinel errors above or structure.ErrFileIO; Err carries an
// underlying cause if any.
type AbortError struct {
	Kind     error
	OpCode   uint16
	Offset   int
	Expected int
	Hint     string
	Err      error
}

func (e *AbortError) Error() string {
	if e.Err != nil && errors.Is(e.Err, e.Kind) {
		return e.Err.Error()
	}

	var sb strings.Builder
	sb.WriteString(e.Kind.Error())
	switch {
	case errors.Is(e.Kind, ErrUnexpectedOpCode):
		fmt.Fprintf(&sb, ": got 0x%04X", e.OpCode)
	case errors.Is(e.Kind, ErrOffsetMismatch):
		fmt.Fprintf(&sb, ": reported %d, expected %d", e.Offset, e.Expected)
	case errors.Is(e.Kind, ErrUnknownHint):
		fmt.Fprintf(&sb, ": %q at offset %d", e.Hint, e.Offset)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *AbortError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
