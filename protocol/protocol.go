// Package protocol defines the JSON envelopes exchanged between agents,
// the broker and the host, and decodes them into a closed set of frames.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind is the envelope discriminant carried in the "type" field.
type Kind string

const (
	KindJoin     Kind = "join"
	KindMessage  Kind = "message"
	KindProgress Kind = "progress_update"
	KindSystem   Kind = "system"
	KindError    Kind = "error"
)

// Envelope is the raw wire shape. Only the fields of the active variant are set.
type Envelope struct {
	Type    Kind            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// Frame is a decoded envelope. The concrete type is one of *Join, *Message,
// *Progress, *System or *Error.
type Frame interface {
	Kind() Kind
	ChannelName() string
}

// Join asks the broker to add the sender to a channel.
type Join struct {
	ID      string
	Channel string
}

// Message carries a command request or its terminal reply.
type Message struct {
	ID      string
	Channel string
	Body    Body
}

// Body is the payload of a message envelope. A body with Command set is a
// request; without it, a terminal reply.
type Body struct {
	ID      string          `json:"id"`
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Progress is a progress_update envelope.
type Progress struct {
	ID      string
	Channel string
	Update  ProgressUpdate
}

// System is a broker notice such as a join confirmation or roster change.
type System struct {
	ID      string
	Channel string
	Payload json.RawMessage
}

// Error is a structured error reported by the broker.
type Error struct {
	ID      string
	Channel string
	Message string
}

func (*Join) Kind() Kind     { return KindJoin }
func (*Message) Kind() Kind  { return KindMessage }
func (*Progress) Kind() Kind { return KindProgress }
func (*System) Kind() Kind   { return KindSystem }
func (*Error) Kind() Kind    { return KindError }

func (f *Join) ChannelName() string     { return f.Channel }
func (f *Message) ChannelName() string  { return f.Channel }
func (f *Progress) ChannelName() string { return f.Channel }
func (f *System) ChannelName() string   { return f.Channel }
func (f *Error) ChannelName() string    { return f.Channel }

// IsRequest reports whether the body asks the host to run a command.
func (b Body) IsRequest() bool {
	return b.Command != ""
}

// Failed reports whether a reply body carries a host error.
func (b Body) Failed() bool {
	return len(b.Error) > 0 && !bytes.Equal(b.Error, []byte("null"))
}

// ErrorText extracts a human-readable message from the error field. Hosts
// send either a plain string or an object with a "message" member.
func (b Body) ErrorText() string {
	if !b.Failed() {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(b.Error)
}

// Parse decodes one wire frame. Malformed JSON and unknown discriminants
// are reported as *ProtocolError.
func Parse(data []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope", Err: err}
	}

	switch env.Type {
	case KindJoin:
		return &Join{ID: env.ID, Channel: env.Channel}, nil

	case KindMessage:
		var body Body
		if len(env.Message) == 0 {
			return nil, &ProtocolError{Kind: env.Type, Reason: "missing message body"}
		}
		if err := json.Unmarshal(env.Message, &body); err != nil {
			return nil, &ProtocolError{Kind: env.Type, Reason: "malformed message body", Err: err}
		}
		if body.ID == "" {
			body.ID = env.ID
		}
		return &Message{ID: env.ID, Channel: env.Channel, Body: body}, nil

	case KindProgress:
		var wrapper struct {
			Data ProgressUpdate `json:"data"`
		}
		if err := json.Unmarshal(env.Message, &wrapper); err != nil {
			return nil, &ProtocolError{Kind: env.Type, Reason: "malformed progress data", Err: err}
		}
		update := wrapper.Data
		if update.CommandID == "" {
			update.CommandID = env.ID
		}
		update.Progress = clampPercent(update.Progress)
		return &Progress{ID: env.ID, Channel: env.Channel, Update: update}, nil

	case KindSystem:
		return &System{ID: env.ID, Channel: env.Channel, Payload: env.Message}, nil

	case KindError:
		return &Error{ID: env.ID, Channel: env.Channel, Message: rawText(env.Message)}, nil

	case "":
		return nil, &ProtocolError{Reason: "missing type"}

	default:
		return nil, &ProtocolError{Kind: env.Type, Reason: "unknown envelope type"}
	}
}

// Encode renders a frame back to its wire form.
func Encode(f Frame) ([]byte, error) {
	env := Envelope{Type: f.Kind(), Channel: f.ChannelName()}
	var err error
	switch v := f.(type) {
	case *Join:
		env.ID = v.ID
	case *Message:
		env.ID = v.ID
		env.Message, err = json.Marshal(v.Body)
	case *Progress:
		env.ID = v.ID
		env.Message, err = json.Marshal(map[string]ProgressUpdate{"data": v.Update})
	case *System:
		env.ID = v.ID
		env.Message = v.Payload
	case *Error:
		env.ID = v.ID
		env.Message, err = json.Marshal(v.Message)
	default:
		return nil, fmt.Errorf("encode: unsupported frame %T", f)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Kind(), err)
	}
	return json.Marshal(env)
}

// NewCommand builds the request envelope for one dispatcher call. The
// correlation id is also injected into params as "commandId" so the host can
// tag its progress updates.
func NewCommand(id, channel, command string, params map[string]any) (*Message, error) {
	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["commandId"] = id

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", command, err)
	}
	return &Message{
		ID:      id,
		Channel: channel,
		Body:    Body{ID: id, Command: command, Params: raw},
	}, nil
}

// NewResult builds a successful terminal reply.
func NewResult(id, channel string, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{ID: id, Channel: channel, Body: Body{ID: id, Result: raw}}, nil
}

// NewFailure builds a terminal reply carrying a host error message.
func NewFailure(id, channel, message string) *Message {
	raw, _ := json.Marshal(message)
	return &Message{ID: id, Channel: channel, Body: Body{ID: id, Error: raw}}
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
