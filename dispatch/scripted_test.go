package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicebartender/canvas-relay/protocol"
)

// scriptedBroker is a single-connection stand-in for the broker whose
// replies are decided by the test.
type scriptedBroker struct {
	url string

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu    sync.Mutex
	joins []string
}

func startScriptedBroker(t *testing.T, onFrame func(b *scriptedBroker, f protocol.Frame)) *scriptedBroker {
	t.Helper()
	b := &scriptedBroker{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		b.writeMu.Lock()
		b.conn = conn
		b.writeMu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.Parse(data)
			if err != nil {
				continue
			}
			if j, ok := f.(*protocol.Join); ok {
				b.mu.Lock()
				b.joins = append(b.joins, j.Channel)
				b.mu.Unlock()
			}
			onFrame(b, f)
		}
	}))
	t.Cleanup(srv.Close)
	b.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	return b
}

func (b *scriptedBroker) send(f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.conn != nil {
		_ = b.conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (b *scriptedBroker) joinFrames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.joins...)
}

func confirmJoin(b *scriptedBroker, j *protocol.Join) {
	b.send(protocol.NewJoinConfirmation(j.ID, j.Channel))
}

func TestJoin_LostConfirmationIsReissuedByExecute(t *testing.T) {
	var seen atomic.Int32
	b := startScriptedBroker(t, func(b *scriptedBroker, f protocol.Frame) {
		switch f := f.(type) {
		case *protocol.Join:
			if seen.Add(1) == 1 {
				return // lost
			}
			confirmJoin(b, f)
		case *protocol.Message:
			reply, _ := protocol.NewResult(f.Body.ID, f.Channel, "pong")
			b.send(reply)
		}
	})
	c := newClient(t, b.url, func(o *Options) { o.JoinTimeout = 150 * time.Millisecond })
	require.NoError(t, c.Connect(context.Background()))

	err := c.Join(context.Background(), "canvas")
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "canvas", c.Channel())

	_, err = c.Execute(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrNotJoined)

	require.Eventually(t, c.Joined, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"canvas", "canvas"}, b.joinFrames())

	raw, err := c.Execute(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(raw))
}

func TestRejoin_ExpiresSoALaterCallRetries(t *testing.T) {
	var seen atomic.Int32
	b := startScriptedBroker(t, func(b *scriptedBroker, f protocol.Frame) {
		if j, ok := f.(*protocol.Join); ok && seen.Add(1) != 2 {
			confirmJoin(b, j)
		}
	})
	c := newClient(t, b.url, func(o *Options) { o.JoinTimeout = 100 * time.Millisecond })
	require.NoError(t, c.Join(context.Background(), "canvas"))

	// The broker ignores this rejoin.
	c.HandleOpen()
	require.Eventually(t, func() bool { return len(b.joinFrames()) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, c.Joined())

	require.Eventually(t, func() bool {
		_, err := c.Execute(context.Background(), "ping", nil, WithTimeout(20*time.Millisecond))
		return !errors.Is(err, ErrNotJoined)
	}, 2*time.Second, 50*time.Millisecond)
	assert.True(t, c.Joined())
	assert.Len(t, b.joinFrames(), 3)
}

func TestJoin_LastFrameNamesCurrentChannel(t *testing.T) {
	b := startScriptedBroker(t, func(b *scriptedBroker, f protocol.Frame) {
		if j, ok := f.(*protocol.Join); ok {
			confirmJoin(b, j)
		}
	})
	c := newClient(t, b.url)
	require.NoError(t, c.Join(context.Background(), "ch0"))

	for i := 1; i <= 20; i++ {
		go c.HandleOpen()
		require.NoError(t, c.Join(context.Background(), fmt.Sprintf("ch%d", i)))
	}

	// flush queued rejoins
	c.Pending()
	require.Eventually(t, func() bool {
		frames := b.joinFrames()
		return len(frames) > 0 && frames[len(frames)-1] == c.Channel()
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "ch20", c.Channel())
}

func TestBrokerError_OnJoinFailsJoin(t *testing.T) {
	b := startScriptedBroker(t, func(b *scriptedBroker, f protocol.Frame) {
		if j, ok := f.(*protocol.Join); ok {
			b.send(protocol.NewError(j.ID, j.Channel, "channel is full"))
		}
	})
	c := newClient(t, b.url)

	err := c.Join(context.Background(), "canvas")
	require.ErrorIs(t, err, ErrJoinFailed)
	assert.Contains(t, err.Error(), "channel is full")
	assert.False(t, IsRetryable(err))
	assert.Empty(t, c.Channel())
	assert.False(t, c.Joined())
}

func TestBrokerError_OnPendingCommandRejoins(t *testing.T) {
	b := startScriptedBroker(t, func(b *scriptedBroker, f protocol.Frame) {
		switch f := f.(type) {
		case *protocol.Join:
			confirmJoin(b, f)
		case *protocol.Message:
			b.send(protocol.NewError(f.Body.ID, f.Channel, "join a channel before sending messages"))
		}
	})
	c := newClient(t, b.url)
	require.NoError(t, c.Join(context.Background(), "canvas"))

	_, err := c.Execute(context.Background(), "ping", nil)
	require.ErrorIs(t, err, ErrNotJoined)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 0, c.Pending())

	require.Eventually(t, func() bool { return len(b.joinFrames()) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, c.Joined, time.Second, 5*time.Millisecond)
	assert.Equal(t, "canvas", c.Channel())
}

func TestProgress_UnknownIDIsDropped(t *testing.T) {
	b := startScriptedBroker(t, func(b *scriptedBroker, f protocol.Frame) {
		switch f := f.(type) {
		case *protocol.Join:
			confirmJoin(b, f)
		case *protocol.Message:
			b.send(protocol.NewProgress(f.Channel, protocol.ProgressUpdate{
				CommandID: "someone-else",
				Status:    protocol.StatusInProgress,
				Progress:  50,
			}))
			time.Sleep(50 * time.Millisecond)
			reply, _ := protocol.NewResult(f.Body.ID, f.Channel, "done")
			b.send(reply)
		}
	})
	c := newClient(t, b.url)
	require.NoError(t, c.Join(context.Background(), "canvas"))

	var updates atomic.Int32
	raw, err := c.Execute(context.Background(), "export", nil,
		WithProgress(func(protocol.ProgressUpdate) { updates.Add(1) }))
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(raw))
	assert.Zero(t, updates.Load())
	assert.Equal(t, 0, c.Pending())
}
