package dispatch

import (
	"errors"
	"fmt"
)

// Code identifies a dispatch failure.
type Code string

const (
	CodeNotConnected     Code = "NOT_CONNECTED"
	CodeNotJoined        Code = "NOT_JOINED"
	CodeJoinFailed       Code = "JOIN_FAILED"
	CodeTimeout          Code = "TIMEOUT"
	CodeRemoteError      Code = "REMOTE_ERROR"
	CodeConnectionClosed Code = "CONNECTION_CLOSED"
	CodeProtocolError    Code = "PROTOCOL_ERROR"
	CodeCancelled        Code = "CANCELLED"
)

// Kind groups codes into the families callers usually branch on.
type Kind string

const (
	KindConnection Kind = "connection"
	KindTimeout    Kind = "timeout"
	KindRemote     Kind = "remote"
	KindProtocol   Kind = "protocol"
	KindCancelled  Kind = "cancelled"
)

// Kind returns the family of c.
func (c Code) Kind() Kind {
	switch c {
	case CodeTimeout:
		return KindTimeout
	case CodeRemoteError:
		return KindRemote
	case CodeProtocolError:
		return KindProtocol
	case CodeCancelled:
		return KindCancelled
	}
	return KindConnection
}

// Error is every failure returned by Client. Compare with errors.Is against
// the Err* sentinels, or errors.As to read the details.
type Error struct {
	Code      Code
	CommandID string
	Command   string
	Message   string
	// Retryable is set when reissuing the same call later can succeed.
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Command != "" {
		msg += " " + e.Command
	}
	if e.CommandID != "" {
		msg += " (" + e.CommandID + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotConnected     = &Error{Code: CodeNotConnected}
	ErrNotJoined        = &Error{Code: CodeNotJoined}
	ErrJoinFailed       = &Error{Code: CodeJoinFailed}
	ErrTimeout          = &Error{Code: CodeTimeout}
	ErrRemote           = &Error{Code: CodeRemoteError}
	ErrConnectionClosed = &Error{Code: CodeConnectionClosed}
	ErrProtocol         = &Error{Code: CodeProtocolError}
	ErrCancelled        = &Error{Code: CodeCancelled}
)

func newError(code Code, id, command, format string, args ...any) *Error {
	e := &Error{Code: code, CommandID: id, Command: command}
	if format != "" {
		e.Message = fmt.Sprintf(format, args...)
	}
	switch code {
	case CodeNotConnected, CodeNotJoined, CodeConnectionClosed, CodeTimeout:
		e.Retryable = true
	}
	return e
}

// cancelledError reports a call abandoned by its caller's context. The
// context error stays reachable through errors.Is.
func cancelledError(id, command string, cause error) *Error {
	return &Error{Code: CodeCancelled, CommandID: id, Command: command, Message: "abandoned by caller", Err: cause}
}

// CodeOf returns the code of a dispatch error, or "" for anything else.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is a dispatch error worth reissuing.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}
