package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Options configures a Transport. Zero values fall back to defaults.
type Options struct {
	URL string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxReconnectAttempts bounds consecutive retries; negative retries forever.
	MaxReconnectAttempts int

	// HealthProbe enables a GET of HealthCheckURL before each reconnect. A
	// failed probe adds HealthPenalty to the wait.
	HealthProbe    bool
	HealthCheckURL string
	HealthPenalty  time.Duration

	DialTimeout time.Duration
	Dialer      *websocket.Dialer
	HTTPClient  *http.Client

	// OnReconnectScheduled observes every scheduled retry.
	OnReconnectScheduled func(attempt int, delay time.Duration)
}

// Defaults used when Options leaves a field zero.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultInitialDelay         = time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultHealthPenalty        = 5 * time.Second
	DefaultDialTimeout          = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.HealthPenalty <= 0 {
		o.HealthPenalty = DefaultHealthPenalty
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.DialTimeout}
	}
	if o.HealthCheckURL == "" {
		if u, err := StatusURL(o.URL); err == nil {
			o.HealthCheckURL = u
		}
	}
	return o
}

// StatusURL derives the broker's HTTP status endpoint from its WebSocket URL.
func StatusURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse broker url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	u.Path = "/status"
	u.RawQuery = ""
	return u.String(), nil
}

// NormalizeURL accepts host:port, http(s):// or ws(s):// forms and returns a
// WebSocket URL.
func NormalizeURL(raw string) string {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "/")
	switch {
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	}
	return "ws://" + raw
}

// BrokerStatus is the subset of GET /status the transport relies on.
type BrokerStatus struct {
	Running     bool   `json:"running"`
	Channels    int    `json:"channels"`
	Connections int    `json:"connections"`
	Errors      uint64 `json:"errors"`
}

// DecodeStatus reads a status response body.
func DecodeStatus(resp *http.Response) (BrokerStatus, error) {
	var s BrokerStatus
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return s, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return s, fmt.Errorf("decode broker status: %w", err)
	}
	return s, nil
}
