package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostAllowed(t *testing.T) {
	allowed := []string{
		"auth.itunes.apple.com",
		"buy.itunes.apple.com",
		"init.itunes.apple.com",
		"p25-buy.itunes.apple.com",
		"p1-buy.itunes.apple.com",
	}
	for _, host := range allowed {
		assert.True(t, hostAllowed(host), host)
	}

	denied := []string{
		"evil.com",
		"itunes.apple.com",
		"p25-buy.itunes.apple.com.evil.com",
		"xp25-buy.itunes.apple.com",
		"p-buy.itunes.apple.com",
		"17.0.0.1",
		"[2620:149:a44::1]",
		"2620:149:a44::1",
		"",
	}
	for _, host := range denied {
		assert.False(t, hostAllowed(host), host)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	raw := encodeFrame(packetData, 0xdeadbeef, []byte("payload"))
	f, err := parseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(packetData), f.typ)
	assert.Equal(t, uint32(0xdeadbeef), f.streamID)
	assert.Equal(t, []byte("payload"), f.payload)

	_, err = parseFrame([]byte{1, 2, 3, 4})
	assert.Error(t, err, "minimum frame is 5 bytes")
}

// wsClient dials a test server running one Session and returns the client
// side of the WebSocket.
func wsClient(t *testing.T, dial func(ctx context.Context, addr string) (net.Conn, error)) (*websocket.Conn, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		sess := NewSession(ws, zerolog.Nop())
		if dial != nil {
			sess.dial = func(ctx context.Context, addr string) (net.Conn, error) {
				dials.Add(1)
				return dial(ctx, addr)
			}
		}
		sess.Run(r.Context())
		ws.Close()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, &dials
}

func connectPayload(streamType byte, port uint16, host string) []byte {
	out := make([]byte, 3+len(host))
	out[0] = streamType
	binary.LittleEndian.PutUint16(out[1:], port)
	copy(out[3:], host)
	return out
}

func readFrame(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := parseFrame(data)
	require.NoError(t, err)
	return f
}

func TestSessionGrantsInitialCredit(t *testing.T) {
	client, _ := wsClient(t, nil)

	f := readFrame(t, client)
	assert.Equal(t, byte(packetContinue), f.typ)
	assert.Equal(t, uint32(0), f.streamID)
	require.Len(t, f.payload, 4)
	assert.Equal(t, uint32(131072), binary.LittleEndian.Uint32(f.payload))
}

func TestConnectRejectedHostGetsInvalidInfo(t *testing.T) {
	client, dials := wsClient(t, func(ctx context.Context, addr string) (net.Conn, error) {
		t.Fatal("dial must not be attempted for a rejected host")
		return nil, nil
	})
	readFrame(t, client) // session credit

	payload := connectPayload(streamTypeTCP, 443, "evil.com")
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, encodeFrame(packetConnect, 7, payload)))

	f := readFrame(t, client)
	assert.Equal(t, byte(packetClose), f.typ)
	assert.Equal(t, uint32(7), f.streamID)
	assert.Equal(t, []byte{closeInvalidInfo}, f.payload)
	assert.Equal(t, int32(0), dials.Load())
}

func TestConnectRejectsWrongPortAndType(t *testing.T) {
	client, dials := wsClient(t, func(ctx context.Context, addr string) (net.Conn, error) {
		t.Fatal("dial must not be attempted")
		return nil, nil
	})
	readFrame(t, client)

	// Port 80 on an allowed host.
	payload := connectPayload(streamTypeTCP, 80, "buy.itunes.apple.com")
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, encodeFrame(packetConnect, 1, payload)))
	f := readFrame(t, client)
	assert.Equal(t, []byte{closeInvalidInfo}, f.payload)

	// UDP stream type.
	payload = connectPayload(0x02, 443, "buy.itunes.apple.com")
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, encodeFrame(packetConnect, 2, payload)))
	f = readFrame(t, client)
	assert.Equal(t, []byte{closeInvalidInfo}, f.payload)

	assert.Equal(t, int32(0), dials.Load())
}

func TestSessionBridgesBytes(t *testing.T) {
	// Upstream echoes everything, then we close it to trigger CLOSE 0x01.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
		conn.Close()
	}()

	var dialedAddr atomic.Value
	client, dials := wsClient(t, func(ctx context.Context, addr string) (net.Conn, error) {
		dialedAddr.Store(addr)
		return net.Dial("tcp", ln.Addr().String())
	})
	readFrame(t, client) // session credit

	payload := connectPayload(streamTypeTCP, 443, "p25-buy.itunes.apple.com")
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, encodeFrame(packetConnect, 3, payload)))

	f := readFrame(t, client)
	require.Equal(t, byte(packetContinue), f.typ, "successful connect grants stream credit")
	require.Equal(t, uint32(3), f.streamID)
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, "p25-buy.itunes.apple.com:443", dialedAddr.Load())

	sent := []byte("GET / HTTP/1.1\r\nHost: p25-buy.itunes.apple.com\r\n\r\n")
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, encodeFrame(packetData, 3, sent)))

	// Echoed bytes come back byte-identical, possibly split across frames.
	var got []byte
	for len(got) < len(sent) {
		f = readFrame(t, client)
		require.Equal(t, byte(packetData), f.typ)
		require.Equal(t, uint32(3), f.streamID)
		got = append(got, f.payload...)
	}
	assert.Equal(t, sent, got)

	// Voluntary close on upstream EOF.
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, encodeFrame(packetClose, 3, []byte{closeVoluntary})))
	<-upstreamDone
}

func TestDataOnUnknownStreamIsDropped(t *testing.T) {
	client, _ := wsClient(t, func(ctx context.Context, addr string) (net.Conn, error) {
		server, c := net.Pipe()
		go io.Copy(io.Discard, server)
		return c, nil
	})
	readFrame(t, client)

	// Data for a stream that was never opened: the session must not
	// respond and must keep serving.
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, encodeFrame(packetData, 99, []byte("stray"))))

	payload := connectPayload(streamTypeTCP, 443, "auth.itunes.apple.com")
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, encodeFrame(packetConnect, 1, payload)))

	f := readFrame(t, client)
	assert.Equal(t, byte(packetContinue), f.typ, "no frame is emitted for the stray data")
	assert.Equal(t, uint32(1), f.streamID)
}

// brokenConn fails every read as if the peer reset the connection.
type brokenConn struct {
	net.Conn
}

func (c brokenConn) Read(b []byte) (int, error) {
	return 0, errors.New("read tcp: connection reset by peer")
}

func TestUpstreamReadErrorSendsNetworkErrorClose(t *testing.T) {
	client, _ := wsClient(t, func(ctx context.Context, addr string) (net.Conn, error) {
		server, conn := net.Pipe()
		go io.Copy(io.Discard, server)
		return brokenConn{conn}, nil
	})
	readFrame(t, client)

	payload := connectPayload(streamTypeTCP, 443, "buy.itunes.apple.com")
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, encodeFrame(packetConnect, 9, payload)))

	f := readFrame(t, client)
	require.Equal(t, byte(packetContinue), f.typ)

	f = readFrame(t, client)
	assert.Equal(t, byte(packetClose), f.typ)
	assert.Equal(t, uint32(9), f.streamID)
	assert.Equal(t, []byte{closeNetworkError}, f.payload)
}

func TestUpstreamEOFSendsVoluntaryClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close() // immediate EOF
	}()

	client, _ := wsClient(t, func(ctx context.Context, addr string) (net.Conn, error) {
		return net.Dial("tcp", ln.Addr().String())
	})
	readFrame(t, client)

	payload := connectPayload(streamTypeTCP, 443, "init.itunes.apple.com")
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, encodeFrame(packetConnect, 5, payload)))

	f := readFrame(t, client)
	require.Equal(t, byte(packetContinue), f.typ)

	f = readFrame(t, client)
	assert.Equal(t, byte(packetClose), f.typ)
	assert.Equal(t, uint32(5), f.streamID)
	assert.Equal(t, []byte{closeVoluntary}, f.payload)
}
