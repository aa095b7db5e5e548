// Package dispatch issues correlated commands to the host of a channel and
// waits for their terminal replies. Progress updates from the host keep a
// command alive past its nominal timeout.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicebartender/canvas-relay/logger"
	"github.com/nicebartender/canvas-relay/protocol"
	"github.com/nicebartender/canvas-relay/transport"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultJoinTimeout = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	Transport transport.Options

	// Timeout is the inactivity window per command when Execute is not
	// given one. Every progress update re-arms it.
	Timeout time.Duration
	// MaxDuration bounds the total life of a command regardless of
	// progress. Zero means no ceiling.
	MaxDuration time.Duration
	JoinTimeout time.Duration
}

// ExecuteOption customizes one Execute call.
type ExecuteOption func(*executeConfig)

type executeConfig struct {
	timeout    time.Duration
	onProgress func(protocol.ProgressUpdate)
}

// WithTimeout overrides the inactivity timeout for one call.
func WithTimeout(d time.Duration) ExecuteOption {
	return func(c *executeConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithProgress observes progress updates for one call. fn runs on the
// dispatcher loop and must not block.
func WithProgress(fn func(protocol.ProgressUpdate)) ExecuteOption {
	return func(c *executeConfig) {
		c.onProgress = fn
	}
}

type outcome struct {
	result json.RawMessage
	err    *Error
}

type pendingRequest struct {
	id      string
	command string
	timeout time.Duration

	startedAt    time.Time
	lastActivity time.Time

	// gen invalidates timers armed before the latest progress update.
	gen   uint64
	timer *time.Timer

	reply      chan outcome
	onProgress func(protocol.ProgressUpdate)
}

type pendingJoin struct {
	id      string
	channel string
	timer   *time.Timer
	// reply is nil for joins issued automatically after a reconnect.
	reply chan *Error
}

// Client owns one transport, the channel it has joined and the table of
// commands awaiting replies. Everything below the ops queue is touched only
// by the loop goroutine.
type Client struct {
	opts   Options
	tr     *transport.Transport
	logger *logger.Logger

	ops       chan func()
	quit      chan struct{}
	closeOnce sync.Once

	channel string
	joined  bool
	pending map[string]*pendingRequest
	joins   map[string]*pendingJoin
}

// New creates a client. Call Connect and Join before Execute.
func New(opts Options, log *logger.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	c := &Client{
		opts:    opts,
		logger:  log.WithComponent("dispatcher"),
		ops:     make(chan func(), 64),
		quit:    make(chan struct{}),
		pending: make(map[string]*pendingRequest),
		joins:   make(map[string]*pendingJoin),
	}
	c.tr = transport.New(opts.Transport, c, log)
	go c.loop()
	return c
}

func (c *Client) loop() {
	for {
		select {
		case fn := <-c.ops:
			fn()
		case <-c.quit:
			return
		}
	}
}

// do queues fn on the loop. It returns false once the client is closed.
func (c *Client) do(fn func()) bool {
	select {
	case c.ops <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (c *Client) call(fn func()) bool {
	done := make(chan struct{})
	if !c.do(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.quit:
		return false
	}
}

// Connect dials the broker. A failed dial leaves the transport retrying in
// the background.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.tr.Connect(ctx); err != nil {
		return c.fail(&Error{Code: CodeNotConnected, Message: "connect to broker", Retryable: true, Err: err})
	}
	return nil
}

// Join joins channel and waits for the broker to confirm. A rejected join is
// not retried. After a reconnect the client rejoins the same channel on its
// own.
func (c *Client) Join(ctx context.Context, channel string) error {
	name := strings.TrimSpace(channel)
	if name == "" {
		return c.fail(newError(CodeJoinFailed, "", "join", "channel name is required"))
	}
	if !c.tr.IsOpen() {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	id := uuid.NewString()
	reply := make(chan *Error, 1)
	var sendErr error
	if !c.call(func() {
		c.channel = name
		c.joined = false
		sendErr = c.sendJoin(id, name, reply)
	}) {
		return c.closedError(id, "join")
	}
	if sendErr != nil {
		return c.fail(&Error{Code: CodeNotConnected, CommandID: id, Command: "join", Retryable: true, Err: sendErr})
	}

	select {
	case err := <-reply:
		if err != nil {
			return c.fail(err)
		}
		c.logger.Info("joined channel", zap.String("channel", name))
		return nil
	case <-ctx.Done():
		c.do(func() { c.dropJoin(id) })
		return c.fail(cancelledError(id, "join", ctx.Err()))
	case <-c.quit:
		return c.closedError(id, "join")
	}
}

// Execute sends command to the channel's host and waits for its terminal
// reply. It fails fast with NOT_CONNECTED or NOT_JOINED instead of queueing.
func (c *Client) Execute(ctx context.Context, command string, params map[string]any, opts ...ExecuteOption) (json.RawMessage, error) {
	cfg := executeConfig{timeout: c.opts.Timeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !c.tr.IsOpen() {
		c.triggerReconnect()
		return nil, c.fail(newError(CodeNotConnected, "", command, "no open connection to broker"))
	}

	id := uuid.NewString()
	p := &pendingRequest{
		id:         id,
		command:    command,
		timeout:    cfg.timeout,
		reply:      make(chan outcome, 1),
		onProgress: cfg.onProgress,
	}

	var (
		channel string
		joined  bool
	)
	if !c.call(func() {
		if !c.joined {
			// A join whose confirmation was lost is reissued here.
			c.rejoin()
			return
		}
		joined = true
		channel = c.channel
		now := time.Now()
		p.startedAt, p.lastActivity = now, now
		c.pending[id] = p
		c.arm(p)
	}) {
		return nil, c.closedError(id, command)
	}
	if !joined {
		return nil, c.fail(newError(CodeNotJoined, id, command, "join a channel first"))
	}

	msg, err := protocol.NewCommand(id, channel, command, params)
	if err != nil {
		c.do(func() { c.discard(id) })
		return nil, c.fail(&Error{Code: CodeProtocolError, CommandID: id, Command: command, Err: err})
	}
	if err := c.tr.Send(msg); err != nil {
		c.do(func() { c.discard(id) })
		return nil, c.fail(&Error{Code: CodeNotConnected, CommandID: id, Command: command, Retryable: true, Err: err})
	}
	c.logger.Debug("command sent", zap.String("command_id", id), zap.String("command", command))

	select {
	case out := <-p.reply:
		return c.settle(out)
	case <-ctx.Done():
		c.do(func() { c.discard(id) })
		return nil, c.fail(cancelledError(id, command, ctx.Err()))
	case <-c.quit:
		select {
		case out := <-p.reply:
			return c.settle(out)
		default:
			return nil, c.closedError(id, command)
		}
	}
}

func (c *Client) settle(out outcome) (json.RawMessage, error) {
	if out.err != nil {
		return nil, c.fail(out.err)
	}
	return out.result, nil
}

// triggerReconnect starts a fresh connection cycle when the transport has
// given up. A pending backoff timer is left alone.
func (c *Client) triggerReconnect() {
	if c.tr.State() != transport.StateDisconnected {
		return
	}
	go func() {
		_ = c.tr.Connect(context.Background())
	}()
}

// fail logs a dispatch error with its correlation id and returns it.
func (c *Client) fail(err *Error) error {
	c.logger.WithCommand(err.CommandID, err.Command).Warn("command failed",
		zap.String("code", string(err.Code)),
		zap.String("message", err.Message),
		zap.Bool("retryable", err.Retryable),
		zap.NamedError("cause", err.Err))
	return err
}

func (c *Client) closedError(id, command string) error {
	return c.fail(newError(CodeConnectionClosed, id, command, "dispatcher closed"))
}

// arm (re)starts the inactivity timer of p, clipped to MaxDuration.
func (c *Client) arm(p *pendingRequest) {
	d := p.timeout
	ceiling := false
	if c.opts.MaxDuration > 0 {
		if left := c.opts.MaxDuration - time.Since(p.startedAt); left < d {
			d = left
			ceiling = true
		}
	}

	p.gen++
	gen := p.gen
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(d, func() {
		c.do(func() { c.expire(p.id, gen, ceiling) })
	})
}

func (c *Client) expire(id string, gen uint64, ceiling bool) {
	p, ok := c.pending[id]
	if !ok || p.gen != gen {
		return
	}
	var err *Error
	if ceiling {
		err = newError(CodeTimeout, id, p.command, "exceeded max duration %s", c.opts.MaxDuration)
	} else {
		err = newError(CodeTimeout, id, p.command, "no reply or progress within %s", p.timeout)
	}
	c.finish(p, outcome{err: err})
}

// finish removes p and delivers its only outcome.
func (c *Client) finish(p *pendingRequest, out outcome) {
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(c.pending, p.id)
	p.reply <- out
}

func (c *Client) discard(id string) {
	if p, ok := c.pending[id]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(c.pending, id)
	}
}

// HandleOpen rejoins the current channel after a reconnect.
func (c *Client) HandleOpen() {
	c.do(c.rejoin)
}

// HandleFrame routes an inbound frame to the loop.
func (c *Client) HandleFrame(f protocol.Frame) {
	c.do(func() { c.handleFrame(f) })
}

// HandleClose rejects every pending command. They are not replayed: the
// host may already have run them.
func (c *Client) HandleClose(cause error) {
	c.do(func() {
		c.joined = false
		for id, p := range c.pending {
			c.finish(p, outcome{err: &Error{
				Code:      CodeConnectionClosed,
				CommandID: id,
				Command:   p.command,
				Message:   "connection to broker lost",
				Retryable: true,
				Err:       cause,
			}})
		}
		for id, j := range c.joins {
			c.dropJoin(id)
			if j.reply != nil {
				j.reply <- &Error{Code: CodeConnectionClosed, CommandID: id, Command: "join", Retryable: true, Err: cause}
			}
		}
	})
}

// rejoin reissues the join for the current channel unless one is already
// awaiting confirmation. It runs on the loop.
func (c *Client) rejoin() {
	if c.channel == "" || c.joining() {
		return
	}
	c.joined = false
	id := uuid.NewString()
	if err := c.sendJoin(id, c.channel, nil); err != nil {
		c.logger.WithError(err).Warn("rejoin not sent", zap.String("channel", c.channel))
	}
}

// joining reports whether a join for the current channel awaits its
// confirmation.
func (c *Client) joining() bool {
	for _, j := range c.joins {
		if j.channel == c.channel {
			return true
		}
	}
	return false
}

// sendJoin registers a join and writes it to the broker. Joins are only
// written from the loop, so the broker sees them in registration order and
// the last one sent is the current channel. The registration expires after
// JoinTimeout.
func (c *Client) sendJoin(id, channel string, reply chan *Error) error {
	j := &pendingJoin{id: id, channel: channel, reply: reply}
	j.timer = time.AfterFunc(c.opts.JoinTimeout, func() {
		c.do(func() { c.expireJoin(id) })
	})
	c.joins[id] = j
	if err := c.tr.Send(&protocol.Join{ID: id, Channel: channel}); err != nil {
		c.dropJoin(id)
		return err
	}
	return nil
}

func (c *Client) expireJoin(id string) {
	j, ok := c.joins[id]
	if !ok {
		return
	}
	delete(c.joins, id)
	err := newError(CodeTimeout, id, "join", "no confirmation for channel %q within %s", j.channel, c.opts.JoinTimeout)
	if j.reply != nil {
		j.reply <- err
		return
	}
	c.fail(err)
}

func (c *Client) dropJoin(id string) {
	if j, ok := c.joins[id]; ok {
		j.timer.Stop()
		delete(c.joins, id)
	}
}

func (c *Client) handleFrame(f protocol.Frame) {
	switch f := f.(type) {
	case *protocol.Message:
		c.handleReply(f)
	case *protocol.Progress:
		c.handleProgress(f)
	case *protocol.System:
		c.handleSystem(f)
	case *protocol.Error:
		c.handleBrokerError(f)
	}
}

func (c *Client) handleReply(m *protocol.Message) {
	if m.Body.IsRequest() {
		// another client's command
		return
	}
	p, ok := c.pending[m.Body.ID]
	if !ok {
		c.logger.Debug("reply for unknown command", zap.String("command_id", m.Body.ID))
		return
	}
	if m.Body.Failed() {
		c.finish(p, outcome{err: newError(CodeRemoteError, p.id, p.command, "%s", m.Body.ErrorText())})
		return
	}
	c.finish(p, outcome{result: m.Body.Result})
}

func (c *Client) handleProgress(f *protocol.Progress) {
	u := f.Update
	p, ok := c.pending[u.CommandID]
	if !ok {
		return
	}
	p.lastActivity = time.Now()
	c.arm(p)
	c.logger.Debug("command progress",
		zap.String("command_id", p.id),
		zap.String("status", string(u.Status)),
		zap.Int("progress", u.Progress))
	if p.onProgress != nil {
		p.onProgress(u)
	}
}

func (c *Client) handleSystem(s *protocol.System) {
	if r, ok := s.JoinResult(); ok {
		id := s.ID
		if id == "" {
			id = r.ID
		}
		j, found := c.joins[id]
		if !found {
			return
		}
		c.dropJoin(id)
		if j.channel == c.channel {
			c.joined = true
		}
		if j.reply != nil {
			j.reply <- nil
		} else {
			c.logger.Info("rejoined channel", zap.String("channel", j.channel))
		}
		return
	}
	if r, ok := s.RosterChange(); ok {
		c.logger.Debug("roster changed", zap.String("event", r.Event), zap.Int("members", r.Members))
	}
}

func (c *Client) handleBrokerError(f *protocol.Error) {
	if j, ok := c.joins[f.ID]; ok {
		c.dropJoin(f.ID)
		if j.channel == c.channel {
			c.channel = ""
			c.joined = false
		}
		err := newError(CodeJoinFailed, f.ID, "join", "%s", f.Message)
		if j.reply != nil {
			j.reply <- err
		} else {
			c.fail(err)
		}
		return
	}
	if p, ok := c.pending[f.ID]; ok {
		// The broker no longer counts us as a member.
		c.finish(p, outcome{err: newError(CodeNotJoined, p.id, p.command, "%s", f.Message)})
		c.rejoin()
		return
	}
	c.logger.Warn("broker error", zap.String("id", f.ID), zap.String("message", f.Message))
}

// Channel returns the channel the client has joined or is joining.
func (c *Client) Channel() string {
	var ch string
	c.call(func() { ch = c.channel })
	return ch
}

// Joined reports whether the broker has confirmed the current channel.
func (c *Client) Joined() bool {
	var ok bool
	c.call(func() { ok = c.joined })
	return ok
}

// Pending returns the number of commands awaiting a reply.
func (c *Client) Pending() int {
	var n int
	c.call(func() { n = len(c.pending) })
	return n
}

// Connected reports whether the transport is open.
func (c *Client) Connected() bool {
	return c.tr.IsOpen()
}

// Close closes the transport, fails every pending command and stops the
// loop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.tr.Close()
		// flush the rejections queued by HandleClose
		c.call(func() {})
		close(c.quit)
	})
	return err
}
