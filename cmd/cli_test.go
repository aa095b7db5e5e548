package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicebartender/canvas-relay/channelcode"
	"github.com/nicebartender/canvas-relay/relaytest"
)

func TestChannelNewPrintsDecodableCode(t *testing.T) {
	stdout, _, err := executeCLI(t, "channel", "new", "--broker", "relay.example.com:3055")
	require.NoError(t, err)

	fields := parseFields(stdout)
	require.Len(t, fields["channel"], 8)
	assert.Equal(t, "ws://relay.example.com:3055", fields["broker"])

	broker, channel, err := channelcode.Decode(fields["code"])
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.example.com:3055", broker)
	assert.Equal(t, fields["channel"], channel)
}

func TestChannelDecode(t *testing.T) {
	code := channelcode.Encode("https://relay.example.com", "room42")
	stdout, _, err := executeCLI(t, "channel", "decode", code)
	require.NoError(t, err)
	fields := parseFields(stdout)
	assert.Equal(t, "room42", fields["channel"])
	assert.Equal(t, "wss://relay.example.com", fields["broker"])

	_, _, err = executeCLI(t, "channel", "decode", "!!!")
	assert.Error(t, err)
}

func TestStatusJSON(t *testing.T) {
	b := relaytest.StartBroker(t)
	p := relaytest.Dial(t, b.URL)
	p.Join(t, "room42")

	stdout, _, err := executeCLI(t, "status", "--broker", b.URL, "--json")
	require.NoError(t, err)

	var s struct {
		Running  bool           `json:"running"`
		Channels int            `json:"channels"`
		Members  map[string]int `json:"members"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &s))
	assert.True(t, s.Running)
	assert.Equal(t, 1, s.Channels)
	assert.Equal(t, map[string]int{"room42": 1}, s.Members)
}

func TestStatusText(t *testing.T) {
	b := relaytest.StartBroker(t)
	stdout, _, err := executeCLI(t, "status", "--broker", b.URL)
	require.NoError(t, err)
	assert.Contains(t, stdout, "broker: running")
	assert.Contains(t, stdout, "channels: 0")
}

func TestCallPrintsResult(t *testing.T) {
	b := relaytest.StartBroker(t)
	relaytest.StartHost(t, b.URL, "canvas", relaytest.Echo)

	stdout, _, err := executeCLI(t, "call", "get_node", `{"nodeId":"1:2"}`,
		"--broker", b.URL, "--channel", "canvas", "--timeout", "2s")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, "1:2", got["nodeId"])
}

func TestCallWithChannelCode(t *testing.T) {
	b := relaytest.StartBroker(t)
	relaytest.StartHost(t, b.URL, "coded", func(c *relaytest.Call) {
		c.Result("pong")
	})

	code := channelcode.Encode(b.URL, "coded")
	stdout, _, err := executeCLI(t, "call", "ping", "--code", code)
	require.NoError(t, err)
	assert.Equal(t, `"pong"`, strings.TrimSpace(stdout))
}

func TestCallRemoteErrorFails(t *testing.T) {
	b := relaytest.StartBroker(t)
	relaytest.StartHost(t, b.URL, "canvas", func(c *relaytest.Call) {
		c.Fail("no document open")
	})

	_, _, err := executeCLI(t, "call", "export", "--broker", b.URL, "--channel", "canvas")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no document open")
}

func TestCallRequiresChannel(t *testing.T) {
	_, _, err := executeCLI(t, "call", "ping")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no channel")
}

func TestBatchFromFile(t *testing.T) {
	b := relaytest.StartBroker(t)
	relaytest.StartHost(t, b.URL, "canvas", func(c *relaytest.Call) {
		if c.Params["name"] == "bad" {
			c.Fail("locked")
			return
		}
		c.Result(c.Params["name"])
	})

	relaytest.StartHost(t, b.URL, "other", func(c *relaytest.Call) {
		c.Result("other:" + c.Params["name"].(string))
	})

	input := strings.Join([]string{
		`{"command":"rename","params":{"name":"a"}}`,
		``,
		`# comments are skipped`,
		`{"command":"rename","params":{"name":"bad"}}`,
		`{"channel":"other","command":"rename","params":{"name":"c"}}`,
	}, "\n")
	path := filepath.Join(t.TempDir(), "calls.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(input), 0o600))

	stdout, stderr, err := executeCLI(t, "batch", path, "--broker", b.URL, "--channel", "canvas", "--chunk-size", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 calls failed")
	assert.Contains(t, stderr, "batch: 3/3")

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)

	type outcomeLine struct {
		Item   struct{ Command string } `json:"item"`
		Result json.RawMessage          `json:"result"`
		Error  string                   `json:"error"`
	}
	outcomes := make([]outcomeLine, len(lines))
	for i, line := range lines {
		require.NoError(t, json.Unmarshal([]byte(line), &outcomes[i]))
		assert.Equal(t, "rename", outcomes[i].Item.Command)
	}
	assert.JSONEq(t, `"a"`, string(outcomes[0].Result))
	assert.Contains(t, outcomes[1].Error, "locked")
	assert.JSONEq(t, `"other:c"`, string(outcomes[2].Result))
}

func TestReadCallsRejectsBadLines(t *testing.T) {
	_, err := readCalls(strings.NewReader(`{"params":{}}`))
	assert.ErrorContains(t, err, "line 1: command is required")

	_, err = readCalls(strings.NewReader("{\"command\":\"a\"}\nnot json"))
	assert.ErrorContains(t, err, "line 2")
}

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RELAY_LOGGING_LEVEL", "error")
	t.Setenv("RELAY_TRANSPORT_HEALTHPROBE", "false")

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// parseFields reads "key: value" lines.
func parseFields(out string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if ok {
			fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return fields
}
