// Package tunnel relays Wisp-framed WebSocket streams onto TCP connections
// toward the Apple store endpoints. The payload is opaque TLS; the relay
// never terminates it.
package tunnel

import (
	"encoding/binary"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Wisp packet types.
const (
	packetConnect  = 0x01
	packetData     = 0x02
	packetContinue = 0x03
	packetClose    = 0x04
)

// Close reasons.
const (
	closeVoluntary    = 0x01
	closeNetworkError = 0x02
	closeInvalidInfo  = 0x41
)

// streamTypeTCP is the only stream type the relay accepts.
const streamTypeTCP = 0x01

// initialCredit is the fixed flow-control credit granted on session open and
// on each successful CONNECT. Inbound data is not metered further.
const initialCredit = 128 << 10

// frameHeaderSize is type (u8) plus streamId (u32le).
const frameHeaderSize = 5

type frame struct {
	typ      byte
	streamID uint32
	payload  []byte
}

func parseFrame(buf []byte) (frame, error) {
	if len(buf) < frameHeaderSize {
		return frame{}, fmt.Errorf("tunnel: frame of %d bytes is too short", len(buf))
	}
	return frame{
		typ:      buf[0],
		streamID: binary.LittleEndian.Uint32(buf[1:]),
		payload:  buf[frameHeaderSize:],
	}, nil
}

func encodeFrame(typ byte, streamID uint32, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = typ
	binary.LittleEndian.PutUint32(out[1:], streamID)
	copy(out[frameHeaderSize:], payload)
	return out
}

// connectRequest is the payload of a CONNECT frame.
type connectRequest struct {
	streamType byte
	port       uint16
	hostname   string
}

func parseConnect(payload []byte) (connectRequest, error) {
	if len(payload) < 3 {
		return connectRequest{}, fmt.Errorf("tunnel: connect payload of %d bytes is too short", len(payload))
	}
	return connectRequest{
		streamType: payload[0],
		port:       binary.LittleEndian.Uint16(payload[1:]),
		hostname:   string(payload[3:]),
	}, nil
}

var upstreamPattern = regexp.MustCompile(`^p\d+-buy\.itunes\.apple\.com$`)

var allowedHosts = map[string]bool{
	"auth.itunes.apple.com": true,
	"buy.itunes.apple.com":  true,
	"init.itunes.apple.com": true,
}

// hostAllowed decides whether the relay will dial the hostname. Literal IPs
// are rejected outright, bracketed IPv6 included.
func hostAllowed(host string) bool {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if net.ParseIP(trimmed) != nil {
		return false
	}
	return allowedHosts[host] || upstreamPattern.MatchString(host)
}

// admit applies the full CONNECT policy.
func admit(req connectRequest) bool {
	return req.streamType == streamTypeTCP && req.port == 443 && hostAllowed(req.hostname)
}
