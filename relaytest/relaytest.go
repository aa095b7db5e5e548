// Package relaytest runs a real broker in-process and provides raw peers and
// a scriptable fake host for tests.
package relaytest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicebartender/canvas-relay/broker"
	"github.com/nicebartender/canvas-relay/logger"
	"github.com/nicebartender/canvas-relay/protocol"
)

// Broker is a hub plus HTTP server listening on a loopback port.
type Broker struct {
	Hub    *broker.Hub
	Server *httptest.Server
	// URL is the WebSocket endpoint, ws://127.0.0.1:port/.
	URL string

	cancel context.CancelFunc
	once   sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// StartBroker starts a broker that is shut down when the test ends.
func StartBroker(t testing.TB, opts ...broker.Option) *Broker {
	t.Helper()
	log := logger.NewNop()
	hub := broker.NewHub(log, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	b := &Broker{Hub: hub, cancel: cancel, conns: make(map[net.Conn]struct{})}
	srv := httptest.NewUnstartedServer(broker.NewServer(hub, nil, log).Handler())
	// httptest forgets hijacked connections, so track them here.
	srv.Config.ConnState = b.track
	srv.Start()
	b.Server = srv
	b.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	t.Cleanup(b.Close)
	return b
}

func (b *Broker) track(c net.Conn, state http.ConnState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch state {
	case http.StateNew:
		b.conns[c] = struct{}{}
	case http.StateClosed:
		delete(b.conns, c)
	}
}

// DropConnections severs every client socket at the TCP level while the
// broker keeps listening, simulating a network blip.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]net.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[net.Conn]struct{})
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// StatusURL is the broker's HTTP status endpoint.
func (b *Broker) StatusURL() string {
	return b.Server.URL + "/status"
}

// Close stops the hub and the HTTP server, dropping every connection.
func (b *Broker) Close() {
	b.once.Do(func() {
		b.cancel()
		<-b.Hub.Done()
		b.DropConnections()
		b.Server.Close()
	})
}

// Peer is a raw WebSocket connection to the broker.
type Peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	inbox   chan []byte
	done    chan struct{}
}

// Dial connects a raw peer.
func Dial(t testing.TB, url string) *Peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	p := &Peer{conn: conn, inbox: make(chan []byte, 256), done: make(chan struct{})}
	go p.readLoop()
	t.Cleanup(p.Close)
	return p
}

func (p *Peer) readLoop() {
	defer close(p.done)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case p.inbox <- data:
		default:
		}
	}
}

// Close drops the connection.
func (p *Peer) Close() {
	_ = p.conn.Close()
}

// Done is closed once the peer's socket has stopped reading.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// SendRaw writes bytes as one text frame.
func (p *Peer) SendRaw(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Send encodes and writes a frame.
func (p *Peer) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return p.SendRaw(data)
}

// SendJSON marshals v and writes it.
func (p *Peer) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.SendRaw(data)
}

// NextRaw waits for the next inbound frame.
func (p *Peer) NextRaw(timeout time.Duration) ([]byte, bool) {
	select {
	case data := <-p.inbox:
		return data, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Expect waits for and decodes the next inbound frame.
func (p *Peer) Expect(t testing.TB, timeout time.Duration) protocol.Frame {
	t.Helper()
	data, ok := p.NextRaw(timeout)
	if !ok {
		t.Fatalf("no frame within %s", timeout)
	}
	f, err := protocol.Parse(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	return f
}

// ExpectNone asserts nothing arrives for d.
func (p *Peer) ExpectNone(t testing.TB, d time.Duration) {
	t.Helper()
	if data, ok := p.NextRaw(d); ok {
		t.Fatalf("unexpected frame: %s", data)
	}
}

// Join joins channel and waits for the confirmation, skipping roster notices.
func (p *Peer) Join(t testing.TB, channel string) {
	t.Helper()
	if err := p.Send(&protocol.Join{Channel: channel}); err != nil {
		t.Fatalf("send join: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f := p.Expect(t, time.Until(deadline))
		if sys, ok := f.(*protocol.System); ok {
			if r, ok := sys.JoinResult(); ok && r.Channel == channel {
				return
			}
		}
		if e, ok := f.(*protocol.Error); ok {
			t.Fatalf("join %q failed: %s", channel, e.Message)
		}
	}
	t.Fatalf("no join confirmation for %q", channel)
}

// Drain discards everything queued right now.
func (p *Peer) Drain() {
	for {
		select {
		case <-p.inbox:
		default:
			return
		}
	}
}
