package protocol

import "encoding/json"

// Roster events announced to the other members of a channel.
const (
	EventMemberJoined = "member_joined"
	EventMemberLeft   = "member_left"
)

// JoinResult is the system payload confirming a join to the joiner.
type JoinResult struct {
	ID      string `json:"id,omitempty"`
	Result  bool   `json:"result"`
	Channel string `json:"channel"`
}

// RosterChange is the system payload broadcast when membership changes.
type RosterChange struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Members int    `json:"members"`
}

// NewJoinConfirmation builds the reply sent to a connection that joined.
func NewJoinConfirmation(id, channel string) *System {
	raw, _ := json.Marshal(JoinResult{ID: id, Result: true, Channel: channel})
	return &System{ID: id, Channel: channel, Payload: raw}
}

// NewRosterChange builds the notice sent to the rest of a channel.
func NewRosterChange(event, channel string, members int) *System {
	raw, _ := json.Marshal(RosterChange{Event: event, Channel: channel, Members: members})
	return &System{Channel: channel, Payload: raw}
}

// NewError builds a broker error frame.
func NewError(id, channel, message string) *Error {
	return &Error{ID: id, Channel: channel, Message: message}
}

// JoinResult decodes the payload as a join confirmation. ok is false when
// the payload is something else, e.g. a roster change or a plain string.
func (s *System) JoinResult() (JoinResult, bool) {
	var r JoinResult
	if err := json.Unmarshal(s.Payload, &r); err != nil {
		return JoinResult{}, false
	}
	return r, r.Result && r.Channel != ""
}

// RosterChange decodes the payload as a roster change notice.
func (s *System) RosterChange() (RosterChange, bool) {
	var r RosterChange
	if err := json.Unmarshal(s.Payload, &r); err != nil {
		return RosterChange{}, false
	}
	return r, r.Event != ""
}
