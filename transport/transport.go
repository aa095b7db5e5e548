// Package transport keeps one WebSocket connection to the broker alive:
// it reconnects with exponential backoff, probes broker health before
// retrying, and terminates sockets that stop answering heartbeats.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicebartender/canvas-relay/logger"
	"github.com/nicebartender/canvas-relay/protocol"
)

const writeWait = 10 * time.Second

var (
	// ErrNotConnected is returned by Send when no socket is open. Nothing is
	// buffered; callers reissue after reconnect.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("transport: closed")
	// ErrConnectionLost wraps the cause passed to Handler.HandleClose.
	ErrConnectionLost = errors.New("transport: connection lost")
)

// State is the connection state machine position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnectWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnectWait:
		return "reconnect_wait"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler receives connection events. Calls come from transport goroutines
// and should hand work off quickly.
type Handler interface {
	HandleOpen()
	HandleFrame(f protocol.Frame)
	HandleClose(err error)
}

// Transport is a self-healing client connection to the broker.
type Transport struct {
	opts    Options
	handler Handler
	logger  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	attempts       int
	policy         *backoff.ExponentialBackOff
	reconnectTimer *time.Timer

	writeMu sync.Mutex
}

// New creates a transport in the disconnected state. Nothing is dialed until
// Connect is called.
func New(opts Options, handler Handler, log *logger.Logger) *Transport {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:    opts,
		handler: handler,
		logger:  log.WithComponent("transport").WithFields(zap.String("url", opts.URL)),
		ctx:     ctx,
		cancel:  cancel,
		policy:  newPolicy(opts),
	}
}

// newPolicy builds the reconnect delay sequence
// min(MaxDelay, InitialDelay * 1.5^attempt) with no jitter.
func newPolicy(o Options) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          1.5,
		MaxInterval:         o.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// State returns the current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsOpen reports whether frames can be sent right now.
func (t *Transport) IsOpen() bool {
	return t.State() == StateOpen
}

// Attempts returns the number of reconnects scheduled since the last open.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Connect dials the broker. It is a no-op while a connection is open or
// being established. A failed dial schedules a reconnect and returns the
// dial error.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateOpen, StateConnecting:
		t.mu.Unlock()
		return nil
	case StateClosed:
		t.mu.Unlock()
		return ErrClosed
	case StateDisconnected:
		// A manual connect after giving up starts a fresh retry cycle.
		t.attempts = 0
		t.policy.Reset()
	}
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.state = StateConnecting
	t.mu.Unlock()

	return t.dial(ctx)
}

func (t *Transport) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	conn, _, err := t.opts.Dialer.DialContext(dialCtx, t.opts.URL, nil)
	cancel()

	if err != nil {
		t.logger.Warn("dial failed", zap.Error(err))
		t.mu.Lock()
		if t.state != StateClosed {
			t.scheduleReconnectLocked()
		}
		t.mu.Unlock()
		return fmt.Errorf("dial %s: %w", t.opts.URL, err)
	}

	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.state = StateOpen
	t.attempts = 0
	t.policy.Reset()
	t.mu.Unlock()

	t.logger.Info("connected to broker")

	done := make(chan struct{})
	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongs <- struct{}{}:
		default:
		}
		return nil
	})

	t.handler.HandleOpen()
	go t.heartbeat(conn, pongs, done)
	go t.readLoop(conn, done)
	return nil
}

// Send writes one frame. It never queues: with no open socket it fails
// immediately with ErrNotConnected.
func (t *Transport) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		// The read loop notices the closed socket and runs the drop path.
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Close stops reconnecting and closes the socket. The transport cannot be
// reused afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosed
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.cancel()
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	err := conn.Close()
	t.handler.HandleClose(ErrClosed)
	return err
}

func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.drop(conn, err)
			return
		}
		frame, err := protocol.Parse(data)
		if err != nil {
			t.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		t.handler.HandleFrame(frame)
	}
}

func (t *Transport) drop(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		// Already replaced or closed deliberately.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = StateReconnectWait
	t.mu.Unlock()

	_ = conn.Close()
	t.logger.Warn("connection lost", zap.Error(cause))
	t.handler.HandleClose(fmt.Errorf("%w: %v", ErrConnectionLost, cause))

	t.mu.Lock()
	if t.state == StateReconnectWait {
		t.scheduleReconnectLocked()
	}
	t.mu.Unlock()
}

// scheduleReconnectLocked arms the next reconnect or gives up. t.mu must be held.
func (t *Transport) scheduleReconnectLocked() {
	if t.opts.MaxReconnectAttempts > 0 && t.attempts >= t.opts.MaxReconnectAttempts {
		t.state = StateDisconnected
		t.logger.Error("giving up on broker", zap.Int("attempts", t.attempts))
		return
	}

	delay := t.policy.NextBackOff()
	t.attempts++
	t.state = StateReconnectWait
	if t.opts.OnReconnectScheduled != nil {
		t.opts.OnReconnectScheduled(t.attempts, delay)
	}
	t.logger.Info("reconnect scheduled", zap.Int("attempt", t.attempts), zap.Duration("delay", delay))

	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
	}
	t.reconnectTimer = time.AfterFunc(delay, t.reconnect)
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	if t.state != StateReconnectWait {
		t.mu.Unlock()
		return
	}
	t.state = StateConnecting
	t.reconnectTimer = nil
	t.mu.Unlock()

	if t.opts.HealthProbe {
		if err := t.probe(t.ctx); err != nil {
			t.logger.Warn("broker health probe failed, backing off", zap.Error(err), zap.Duration("penalty", t.opts.HealthPenalty))
			select {
			case <-time.After(t.opts.HealthPenalty):
			case <-t.ctx.Done():
				return
			}
		}
	}
	_ = t.dial(t.ctx)
}

// heartbeat pings on every interval and force-closes the socket when a
// pong does not arrive within HeartbeatTimeout, so a half-open connection
// cannot pass for a live one.
func (t *Transport) heartbeat(conn *websocket.Conn, pongs <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		select {
		case <-pongs:
		default:
		}

		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			_ = conn.Close()
			return
		}

		timeout := time.NewTimer(t.opts.HeartbeatTimeout)
		select {
		case <-pongs:
			timeout.Stop()
		case <-done:
			timeout.Stop()
			return
		case <-timeout.C:
			t.logger.Warn("heartbeat not acknowledged, terminating socket", zap.Duration("timeout", t.opts.HeartbeatTimeout))
			_ = conn.Close()
			return
		}
	}
}

// probe checks the broker's status endpoint.
func (t *Transport) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.opts.HealthCheckURL, nil)
	if err != nil {
		return err
	}
	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	status, err := DecodeStatus(resp)
	if err != nil {
		return err
	}
	if !status.Running {
		return errors.New("broker reports not running")
	}
	return nil
}
