package tunnel

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const dialTimeout = 10 * time.Second

// Session relays one WebSocket connection. Outbound frames are serialized on
// a single writer mutex; per-stream TCP state never leaves the session.
type Session struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	// dial is swappable by tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]net.Conn
	closed  bool
}

// NewSession wraps an accepted WebSocket.
func NewSession(ws *websocket.Conn, logger zerolog.Logger) *Session {
	d := &net.Dialer{Timeout: dialTimeout}
	return &Session{
		ws:     ws,
		logger: logger,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
		streams: make(map[uint32]net.Conn),
	}
}

// Run reads frames until the WebSocket closes, then tears down every stream.
// It blocks for the life of the session.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown()

	// Announce the session-wide flow-control credit.
	if err := s.writeFrame(packetContinue, 0, continuePayload()); err != nil {
		return
	}

	for {
		msgType, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		f, err := parseFrame(data)
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch f.typ {
		case packetConnect:
			s.handleConnect(ctx, f)
		case packetData:
			s.handleData(f)
		case packetClose:
			s.removeStream(f.streamID, true)
		case packetContinue:
			// Client-side credit is not metered.
		default:
			s.logger.Debug().Uint8("type", f.typ).Msg("dropping unknown frame type")
		}
	}
}

func (s *Session) handleConnect(ctx context.Context, f frame) {
	req, err := parseConnect(f.payload)
	if err != nil || !admit(req) {
		s.sendClose(f.streamID, closeInvalidInfo)
		return
	}

	conn, err := s.dial(ctx, net.JoinHostPort(req.hostname, "443"))
	if err != nil {
		s.logger.Debug().Err(err).Str("host", req.hostname).Msg("upstream dial failed")
		s.sendClose(f.streamID, closeNetworkError)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if old, ok := s.streams[f.streamID]; ok {
		old.Close()
	}
	s.streams[f.streamID] = conn
	s.mu.Unlock()

	if err := s.writeFrame(packetContinue, f.streamID, continuePayload()); err != nil {
		s.removeStream(f.streamID, true)
		return
	}

	go s.pump(f.streamID, conn)
}

func (s *Session) handleData(f frame) {
	s.mu.Lock()
	conn, ok := s.streams[f.streamID]
	s.mu.Unlock()
	if !ok {
		// Unknown stream: drop silently.
		return
	}

	if _, err := conn.Write(f.payload); err != nil {
		if s.removeStream(f.streamID, true) {
			s.sendClose(f.streamID, closeNetworkError)
		}
	}
}

// pump copies upstream TCP bytes into DATA frames until EOF or error.
func (s *Session) pump(streamID uint32, conn net.Conn) {
	buf := make([]byte, 32<<10)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if werr := s.writeFrame(packetData, streamID, buf[:n]); werr != nil {
				s.removeStream(streamID, true)
				return
			}
		}
		if err != nil {
			// Clean EOF reads as a voluntary close; anything else is a
			// network failure.
			reason := byte(closeNetworkError)
			if err == io.EOF {
				reason = closeVoluntary
			}
			if s.removeStream(streamID, true) {
				s.sendClose(streamID, reason)
			}
			return
		}
	}
}

// removeStream closes and forgets the stream. Returns whether it was still
// present, so exactly one CLOSE is emitted per stream.
func (s *Session) removeStream(streamID uint32, closeConn bool) bool {
	s.mu.Lock()
	conn, ok := s.streams[streamID]
	delete(s.streams, streamID)
	s.mu.Unlock()
	if ok && closeConn {
		conn.Close()
	}
	return ok
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.streams))
	for _, conn := range s.streams {
		conns = append(conns, conn)
	}
	s.streams = make(map[uint32]net.Conn)
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (s *Session) sendClose(streamID uint32, reason byte) {
	s.writeFrame(packetClose, streamID, []byte{reason})
}

func (s *Session) writeFrame(typ byte, streamID uint32, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.BinaryMessage, encodeFrame(typ, streamID, payload))
}

func continuePayload() []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, initialCredit)
	return out
}
