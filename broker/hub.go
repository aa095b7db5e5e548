// Package broker implements the relay server: connections join named
// channels and everything they send is fanned out to the other members of
// the same channel.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nicebartender/canvas-relay/logger"
	"github.com/nicebartender/canvas-relay/protocol"
)

// Journal event names passed to a Recorder.
const (
	EventChannelCreated = "channel_created"
	EventChannelClosed  = "channel_closed"
	EventJoined         = "joined"
	EventLeft           = "left"
	EventRelayError     = "relay_error"
)

// Recorder receives broker lifecycle events. Implementations must not block.
type Recorder interface {
	Record(event, channel, clientID, detail string)
}

type nopRecorder struct{}

func (nopRecorder) Record(string, string, string, string) {}

type inbound struct {
	client *Client
	data   []byte
}

// Hub owns every channel and every connection's membership. All mutation
// happens on the goroutine running Run, so none of the maps are locked.
type Hub struct {
	clients  map[*Client]struct{}
	channels map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	statusReq  chan chan Status

	errors    uint64
	dropped   uint64
	relayed   uint64
	startedAt time.Time
	running   atomic.Bool
	done      chan struct{}

	recorder Recorder
	logger   *logger.Logger
}

// Option customizes a Hub.
type Option func(*Hub)

// WithRecorder attaches a journal for lifecycle events.
func WithRecorder(r Recorder) Option {
	return func(h *Hub) {
		if r != nil {
			h.recorder = r
		}
	}
}

// NewHub creates a hub. Call Run to start processing.
func NewHub(log *logger.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		channels:   make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		statusReq:  make(chan chan Status),
		done:       make(chan struct{}),
		recorder:   nopRecorder{},
		logger:     log.WithComponent("broker_hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes registrations, frames and status queries until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.startedAt = time.Now().UTC()
	h.running.Store(true)
	h.logger.Info("relay hub started")
	defer h.logger.Info("relay hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Debug("connection registered", zap.String("client_id", c.ID))

		case c := <-h.unregister:
			h.disconnect(c)

		case in := <-h.inbound:
			h.route(in.client, in.data)

		case reply := <-h.statusReq:
			reply <- h.snapshot()
		}
	}
}

// Register hands a new connection to the hub. It returns false if the hub
// has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) submit(c *Client, data []byte) bool {
	select {
	case h.inbound <- inbound{client: c, data: data}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leaveHub(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) shutdown() {
	h.running.Store(false)
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.channels = make(map[string]map[*Client]struct{})
	close(h.done)
}

func (h *Hub) disconnect(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if c.channel != "" {
		h.leave(c)
	}
	h.logger.Debug("connection unregistered", zap.String("client_id", c.ID))
}

func (h *Hub) route(c *Client, data []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	frame, err := protocol.Parse(data)
	if err != nil {
		h.errors++
		h.logger.Warn("dropping malformed frame", zap.String("client_id", c.ID), zap.Error(err))
		h.recorder.Record(EventRelayError, c.channel, c.ID, err.Error())

		var perr *protocol.ProtocolError
		if errors.As(err, &perr) && perr.Kind != "" {
			c.sendFrame(protocol.NewError("", c.channel, err.Error()))
		}
		return
	}

	if join, ok := frame.(*protocol.Join); ok {
		h.join(c, join)
		return
	}
	h.relay(c, frame, data)
}

func (h *Hub) join(c *Client, f *protocol.Join) {
	name := strings.TrimSpace(f.Channel)
	if name == "" {
		h.errors++
		h.recorder.Record(EventRelayError, "", c.ID, "empty channel name")
		c.sendFrame(protocol.NewError(f.ID, "", "channel name is required"))
		return
	}

	if c.channel == name {
		c.sendFrame(protocol.NewJoinConfirmation(f.ID, name))
		return
	}
	if c.channel != "" {
		h.leave(c)
	}

	members, ok := h.channels[name]
	if !ok {
		members = make(map[*Client]struct{})
		h.channels[name] = members
		h.recorder.Record(EventChannelCreated, name, c.ID, "")
	}
	members[c] = struct{}{}
	c.channel = name

	h.recorder.Record(EventJoined, name, c.ID, "")
	h.logger.Info("connection joined channel",
		zap.String("client_id", c.ID),
		zap.String("channel", name),
		zap.Int("members", len(members)))

	c.sendFrame(protocol.NewJoinConfirmation(f.ID, name))
	h.broadcast(name, protocol.NewRosterChange(protocol.EventMemberJoined, name, len(members)), c)
}

func (h *Hub) leave(c *Client) {
	name := c.channel
	c.channel = ""

	members, ok := h.channels[name]
	if !ok {
		return
	}
	delete(members, c)
	h.recorder.Record(EventLeft, name, c.ID, "")

	if len(members) == 0 {
		delete(h.channels, name)
		h.recorder.Record(EventChannelClosed, name, "", "")
		h.logger.Debug("channel closed", zap.String("channel", name))
		return
	}
	h.broadcast(name, protocol.NewRosterChange(protocol.EventMemberLeft, name, len(members)), nil)
}

// relay forwards the raw frame to every other member of the sender's
// channel. The bytes are passed through untouched.
func (h *Hub) relay(c *Client, frame protocol.Frame, data []byte) {
	if c.channel == "" {
		h.errors++
		h.recorder.Record(EventRelayError, "", c.ID, "send before join")
		c.sendFrame(protocol.NewError(frameID(frame), "", "join a channel before sending messages"))
		return
	}
	if target := frame.ChannelName(); target != "" && target != c.channel {
		h.errors++
		detail := fmt.Sprintf("not joined to channel %q", target)
		h.recorder.Record(EventRelayError, c.channel, c.ID, detail)
		c.sendFrame(protocol.NewError(frameID(frame), c.channel, detail))
		return
	}

	for member := range h.channels[c.channel] {
		if member == c {
			continue
		}
		member.enqueue(data)
	}
	h.relayed++
}

func (h *Hub) broadcast(channel string, f protocol.Frame, exclude *Client) {
	data, err := protocol.Encode(f)
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.Error(err))
		return
	}
	for member := range h.channels[channel] {
		if member != exclude {
			member.enqueue(data)
		}
	}
}

func frameID(f protocol.Frame) string {
	switch v := f.(type) {
	case *protocol.Message:
		if v.Body.ID != "" {
			return v.Body.ID
		}
		return v.ID
	case *protocol.Progress:
		return v.ID
	case *protocol.System:
		return v.ID
	case *protocol.Error:
		return v.ID
	}
	return ""
}
