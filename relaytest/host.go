package relaytest

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nicebartender/canvas-relay/protocol"
)

// Call is one command request received by a Host.
type Call struct {
	ID      string
	Command string
	Params  map[string]any

	host *Host
}

// HostFunc handles one call. It runs on its own goroutine and should end by
// calling Result or Fail, unless the test wants the call to hang.
type HostFunc func(c *Call)

// Host plays the GUI side: it joins a channel and answers command requests.
type Host struct {
	*Peer
	channel string
	handle  HostFunc

	mu    sync.Mutex
	calls []string
}

// StartHost connects a host to the broker at url, joins channel and starts
// answering requests with handle.
func StartHost(t testing.TB, url, channel string, handle HostFunc) *Host {
	t.Helper()
	h := &Host{Peer: Dial(t, url), channel: channel, handle: handle}
	h.Peer.Join(t, channel)
	go h.serve()
	return h
}

func (h *Host) serve() {
	for {
		select {
		case <-h.done:
			return
		case data := <-h.inbox:
			f, err := protocol.Parse(data)
			if err != nil {
				continue
			}
			msg, ok := f.(*protocol.Message)
			if !ok || !msg.Body.IsRequest() {
				continue
			}
			var params map[string]any
			_ = json.Unmarshal(msg.Body.Params, &params)

			h.mu.Lock()
			h.calls = append(h.calls, msg.Body.Command)
			h.mu.Unlock()

			go h.handle(&Call{ID: msg.Body.ID, Command: msg.Body.Command, Params: params, host: h})
		}
	}
}

// Calls returns the command names received so far, in arrival order.
func (h *Host) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// Result sends a successful terminal reply.
func (c *Call) Result(v any) {
	msg, err := protocol.NewResult(c.ID, c.host.channel, v)
	if err != nil {
		return
	}
	_ = c.host.Send(msg)
}

// Fail sends a failed terminal reply.
func (c *Call) Fail(message string) {
	_ = c.host.Send(protocol.NewFailure(c.ID, c.host.channel, message))
}

// Progress emits a progress update for this call.
func (c *Call) Progress(status protocol.ProgressStatus, percent int, message string) {
	_ = c.host.Send(protocol.NewProgress(c.host.channel, protocol.ProgressUpdate{
		CommandID:   c.ID,
		CommandType: c.Command,
		Status:      status,
		Progress:    percent,
		Message:     message,
		Timestamp:   time.Now().UnixMilli(),
	}))
}

// Echo answers every call with its own params.
func Echo(c *Call) {
	c.Result(c.Params)
}
