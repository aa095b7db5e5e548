package broker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicebartender/canvas-relay/broker"
	"github.com/nicebartender/canvas-relay/protocol"
	"github.com/nicebartender/canvas-relay/relaytest"
)

const wait = 2 * time.Second

func TestRelay_Room42Scenario(t *testing.T) {
	b := relaytest.StartBroker(t)

	a := relaytest.Dial(t, b.URL)
	bb := relaytest.Dial(t, b.URL)
	a.Join(t, "room42")
	bb.Join(t, "room42")

	// a learns that b joined
	notice := a.Expect(t, wait).(*protocol.System)
	change, ok := notice.RosterChange()
	require.True(t, ok)
	assert.Equal(t, protocol.EventMemberJoined, change.Event)
	assert.Equal(t, 2, change.Members)

	raw := []byte(`{"type":"message","channel":"room42","message":{"id":"x1","command":"ping"}}`)
	require.NoError(t, a.SendRaw(raw))

	got, ok := bb.NextRaw(wait)
	require.True(t, ok)
	assert.Equal(t, string(raw), string(got), "relayed frame must be byte-identical")

	a.ExpectNone(t, 200*time.Millisecond)
}

func TestRelay_ChannelIsolation(t *testing.T) {
	b := relaytest.StartBroker(t)

	inA := relaytest.Dial(t, b.URL)
	peerA := relaytest.Dial(t, b.URL)
	inB := relaytest.Dial(t, b.URL)
	inA.Join(t, "A")
	peerA.Join(t, "A")
	inB.Join(t, "B")
	inA.Expect(t, wait) // member_joined for peerA

	require.NoError(t, inA.SendRaw([]byte(`{"type":"message","message":{"id":"1","command":"hello"}}`)))

	_, ok := peerA.NextRaw(wait)
	assert.True(t, ok)
	inB.ExpectNone(t, 200*time.Millisecond)
}

func TestRelay_SendBeforeJoinReturnsError(t *testing.T) {
	b := relaytest.StartBroker(t)
	p := relaytest.Dial(t, b.URL)

	require.NoError(t, p.SendRaw([]byte(`{"type":"message","message":{"id":"q1","command":"ping"}}`)))

	f := p.Expect(t, wait)
	e, ok := f.(*protocol.Error)
	require.True(t, ok, "expected error frame, got %T", f)
	assert.Equal(t, "q1", e.ID)
	assert.Contains(t, e.Message, "join a channel")
}

func TestRelay_ForeignChannelRejected(t *testing.T) {
	b := relaytest.StartBroker(t)
	p := relaytest.Dial(t, b.URL)
	other := relaytest.Dial(t, b.URL)
	p.Join(t, "mine")
	other.Join(t, "theirs")

	require.NoError(t, p.SendRaw([]byte(`{"type":"message","channel":"theirs","message":{"id":"1","command":"x"}}`)))

	e, ok := p.Expect(t, wait).(*protocol.Error)
	require.True(t, ok)
	assert.Contains(t, e.Message, "theirs")
	other.ExpectNone(t, 200*time.Millisecond)
}

func TestJoin_EmptyNameRejected(t *testing.T) {
	b := relaytest.StartBroker(t)
	p := relaytest.Dial(t, b.URL)

	require.NoError(t, p.Send(&protocol.Join{ID: "j", Channel: "  "}))

	e, ok := p.Expect(t, wait).(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, "j", e.ID)

	status := b.Hub.Status(context.Background())
	assert.Equal(t, 0, status.Channels)
	assert.EqualValues(t, 1, status.Errors)
}

func TestJoin_MovingChannelsNotifiesOldRoster(t *testing.T) {
	b := relaytest.StartBroker(t)
	stay := relaytest.Dial(t, b.URL)
	mover := relaytest.Dial(t, b.URL)
	stay.Join(t, "one")
	mover.Join(t, "one")
	stay.Expect(t, wait) // member_joined

	mover.Join(t, "two")

	change, ok := stay.Expect(t, wait).(*protocol.System).RosterChange()
	require.True(t, ok)
	assert.Equal(t, protocol.EventMemberLeft, change.Event)
	assert.Equal(t, 1, change.Members)

	status := b.Hub.Status(context.Background())
	assert.Equal(t, map[string]int{"one": 1, "two": 1}, status.Members)
}

func TestDisconnect_RemovesEmptyChannel(t *testing.T) {
	b := relaytest.StartBroker(t)
	p := relaytest.Dial(t, b.URL)
	q := relaytest.Dial(t, b.URL)
	p.Join(t, "solo")
	q.Join(t, "solo")
	p.Expect(t, wait) // member_joined

	q.Close()
	change, ok := p.Expect(t, wait).(*protocol.System).RosterChange()
	require.True(t, ok)
	assert.Equal(t, protocol.EventMemberLeft, change.Event)

	p.Close()
	require.Eventually(t, func() bool {
		s := b.Hub.Status(context.Background())
		return s.Channels == 0 && s.Connections == 0
	}, wait, 10*time.Millisecond)
}

func TestMalformedFramesAreDroppedNotFatal(t *testing.T) {
	b := relaytest.StartBroker(t)
	p := relaytest.Dial(t, b.URL)
	q := relaytest.Dial(t, b.URL)
	p.Join(t, "room")
	q.Join(t, "room")
	p.Expect(t, wait) // member_joined

	require.NoError(t, p.SendRaw([]byte(`not json`)))
	require.NoError(t, p.SendRaw([]byte(`{"type":"teleport"}`)))

	// unknown discriminant gets an error reply, garbage does not
	e, ok := p.Expect(t, wait).(*protocol.Error)
	require.True(t, ok)
	assert.Contains(t, e.Message, "teleport")

	// broker still relays afterwards
	require.NoError(t, p.SendRaw([]byte(`{"type":"message","message":{"id":"ok","command":"ping"}}`)))
	_, ok = q.NextRaw(wait)
	assert.True(t, ok)

	assert.EqualValues(t, 2, b.Hub.Status(context.Background()).Errors)
}

func TestRelay_PreservesPerSenderOrder(t *testing.T) {
	b := relaytest.StartBroker(t)
	sender := relaytest.Dial(t, b.URL)
	recv := relaytest.Dial(t, b.URL)
	sender.Join(t, "ordered")
	recv.Join(t, "ordered")

	for i := 0; i < 50; i++ {
		require.NoError(t, sender.SendJSON(map[string]any{
			"type":    "message",
			"message": map[string]any{"id": "m", "command": "seq", "params": map[string]int{"n": i}},
		}))
	}

	for i := 0; i < 50; i++ {
		f := recv.Expect(t, wait).(*protocol.Message)
		var params map[string]int
		require.NoError(t, json.Unmarshal(f.Body.Params, &params))
		assert.Equal(t, i, params["n"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	b := relaytest.StartBroker(t)
	p := relaytest.Dial(t, b.URL)
	p.Join(t, "room")

	resp, err := http.Get(b.StatusURL())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var s broker.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	assert.True(t, s.Running)
	assert.Equal(t, 1, s.Channels)
	assert.Equal(t, 1, s.Connections)
	assert.Zero(t, s.Dropped)
	assert.Nil(t, s.JournalDropped, "no journal configured")
}

func TestStatusAfterShutdown(t *testing.T) {
	b := relaytest.StartBroker(t)
	b.Close()
	assert.False(t, b.Hub.Status(context.Background()).Running)
}
