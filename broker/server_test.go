package broker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicebartender/canvas-relay/broker"
	"github.com/nicebartender/canvas-relay/channelcode"
	"github.com/nicebartender/canvas-relay/journal"
	"github.com/nicebartender/canvas-relay/logger"
	"github.com/nicebartender/canvas-relay/relaytest"
)

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	b := relaytest.StartBroker(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, b.Server.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestPlainHTTPOnSocketRouteIsRejected(t *testing.T) {
	b := relaytest.StartBroker(t)
	assert.Equal(t, http.StatusUpgradeRequired, getJSON(t, b.Server.URL+"/ws", nil))
}

func TestEventsDisabledWithoutJournal(t *testing.T) {
	b := relaytest.StartBroker(t)
	assert.Equal(t, http.StatusNotFound, getJSON(t, b.Server.URL+"/status/events", nil))
}

func TestEventsFromJournal(t *testing.T) {
	log := logger.NewNop()
	j, err := journal.Open(filepath.Join(t.TempDir(), "events.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	hub := broker.NewHub(log, broker.WithRecorder(j))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(broker.NewServer(hub, j, log).Handler())
	t.Cleanup(srv.Close)

	p := relaytest.Dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/")
	p.Join(t, "journaled")
	require.NoError(t, j.Flush(context.Background()))

	var body struct {
		Events []journal.Entry `json:"events"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status/events?limit=10", &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, broker.EventJoined, body.Events[0].Event)
	assert.Equal(t, broker.EventChannelCreated, body.Events[1].Event)
	assert.Equal(t, "journaled", body.Events[0].Channel)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/status/events?limit=zero", nil))

	var status broker.Status
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/status", &status))
	require.NotNil(t, status.JournalDropped)
	assert.Zero(t, *status.JournalDropped)
}

func TestChannelPreview(t *testing.T) {
	b := relaytest.StartBroker(t)
	p := relaytest.Dial(t, b.URL)
	p.Join(t, "room42")

	var body struct {
		Broker  string `json:"broker"`
		Channel string `json:"channel"`
		Members int    `json:"members"`
		Active  bool   `json:"active"`
	}
	code := channelcode.Encode("relay.example.com:3055", "room42")
	require.Equal(t, http.StatusOK, getJSON(t, b.Server.URL+"/channel/"+code, &body))
	assert.Equal(t, "ws://relay.example.com:3055", body.Broker)
	assert.Equal(t, "room42", body.Channel)
	assert.Equal(t, 1, body.Members)
	assert.True(t, body.Active)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, b.Server.URL+"/channel/!!!!", nil))
}
