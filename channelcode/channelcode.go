// Package channelcode produces random channel names and short shareable
// codes that carry both a broker address and a channel, so a host can be
// paired by typing one string.
package channelcode

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
)

const (
	// version bytes double as the scheme flag
	versionPlain  = 0x01
	versionSecure = 0x02

	charset   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	dashEvery = 4
	nameLen   = 8
)

var encoding = base32.NewEncoding(charset).WithPadding(base32.NoPadding)

var (
	ErrEmpty   = errors.New("channelcode: empty code")
	ErrInvalid = errors.New("channelcode: invalid code")
)

// NewName returns a random channel name drawn from an alphabet without
// look-alike characters.
func NewName() (string, error) {
	buf := make([]byte, nameLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate channel name: %w", err)
	}
	for i, b := range buf {
		buf[i] = charset[int(b)%len(charset)]
	}
	return string(buf), nil
}

// Encode builds a code for channel on the broker at brokerURL, given as
// host:port or with an http(s) or ws(s) scheme.
func Encode(brokerURL, channel string) string {
	version, host := splitBroker(brokerURL)

	// [version][host bytes][0x00][channel bytes]
	payload := make([]byte, 0, len(host)+len(channel)+2)
	payload = append(payload, version)
	payload = append(payload, host...)
	payload = append(payload, 0x00)
	payload = append(payload, channel...)

	return insertDashes(encoding.EncodeToString(payload))
}

// Decode parses a code back into a WebSocket broker URL and channel name.
// Dashes, spaces and case are ignored.
func Decode(code string) (brokerURL, channel string, err error) {
	clean := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, strings.ToUpper(code))
	if clean == "" {
		return "", "", ErrEmpty
	}

	payload, err := encoding.DecodeString(clean)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(payload) < 4 {
		return "", "", fmt.Errorf("%w: payload too short", ErrInvalid)
	}

	var scheme string
	switch payload[0] {
	case versionPlain:
		scheme = "ws://"
	case versionSecure:
		scheme = "wss://"
	default:
		return "", "", fmt.Errorf("%w: unsupported version %d", ErrInvalid, payload[0])
	}

	host, name, ok := strings.Cut(string(payload[1:]), "\x00")
	if !ok {
		return "", "", fmt.Errorf("%w: missing separator", ErrInvalid)
	}
	if host == "" || name == "" {
		return "", "", fmt.Errorf("%w: empty broker or channel", ErrInvalid)
	}
	return scheme + host, name, nil
}

// splitBroker strips the scheme and trailing slash, remembering whether the
// broker is reached over TLS.
func splitBroker(raw string) (byte, string) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "/")
	scheme, host, ok := strings.Cut(raw, "://")
	if !ok {
		return versionPlain, raw
	}
	switch scheme {
	case "https", "wss":
		return versionSecure, host
	}
	return versionPlain, host
}

func insertDashes(s string) string {
	var parts []string
	for i := 0; i < len(s); i += dashEvery {
		end := min(i+dashEvery, len(s))
		parts = append(parts, s[i:end])
	}
	return strings.Join(parts, "-")
}
