package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocol matches every *ProtocolError via errors.Is.
var ErrProtocol = errors.New("protocol error")

// ProtocolError reports a frame that could not be decoded or whose
// discriminant is unknown.
type ProtocolError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := e.Reason
	if e.Kind != "" {
		msg = fmt.Sprintf("%s (type %q)", e.Reason, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", msg, e.Err)
	}
	return "protocol: " + msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }
