package broker

import (
	"context"
	"time"
)

// Status is the snapshot served at GET /status. The transport's health probe
// only looks at Running.
type Status struct {
	Running       bool           `json:"running"`
	Channels      int            `json:"channels"`
	Connections   int            `json:"connections"`
	Errors        uint64         `json:"errors"`
	Dropped       uint64         `json:"dropped"`
	Relayed       uint64         `json:"relayed"`
	StartedAt     time.Time      `json:"startedAt"`
	UptimeSeconds int64          `json:"uptimeSeconds"`
	Members       map[string]int `json:"members,omitempty"`

	// JournalDropped counts events the journal discarded under load. It is
	// omitted when no journal is configured.
	JournalDropped *uint64 `json:"journalDropped,omitempty"`
}

// Status asks the hub loop for a consistent snapshot. A stopped hub reports
// Running=false.
func (h *Hub) Status(ctx context.Context) Status {
	if !h.running.Load() {
		return Status{}
	}
	reply := make(chan Status, 1)
	select {
	case h.statusReq <- reply:
	case <-h.done:
		return Status{}
	case <-ctx.Done():
		return Status{Running: true}
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return Status{Running: true}
	}
}

func (h *Hub) snapshot() Status {
	members := make(map[string]int, len(h.channels))
	for name, set := range h.channels {
		members[name] = len(set)
	}
	return Status{
		Running:       true,
		Channels:      len(h.channels),
		Connections:   len(h.clients),
		Errors:        h.errors,
		Dropped:       h.dropped,
		Relayed:       h.relayed,
		StartedAt:     h.startedAt,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Members:       members,
	}
}
