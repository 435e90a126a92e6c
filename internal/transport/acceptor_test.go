package transport_test

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/transport"
)

const subprotocol = "gridlock.test"

// recordingHandler binds every accepted connection to itself and records events.
type recordingHandler struct {
	mu      sync.Mutex
	conns   []transport.Conn
	packets []protocol.Packet
	closes  []protocol.CloseCode
}

func (h *recordingHandler) HandleConn(c transport.Conn) {
	c.Bind(h)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns = append(h.conns, c)
}

func (h *recordingHandler) HandlePacket(_ transport.Conn, p protocol.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packets = append(h.packets, p)
}

func (h *recordingHandler) HandleClose(_ transport.Conn, code protocol.CloseCode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes = append(h.closes, code)
}

func (h *recordingHandler) snapshot() ([]transport.Conn, []protocol.Packet, []protocol.CloseCode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Conn(nil), h.conns...),
		append([]protocol.Packet(nil), h.packets...),
		append([]protocol.CloseCode(nil), h.closes...)
}

type harness struct {
	loop    *loop.Loop
	codec   *protocol.Codec
	handler *recordingHandler
	url     string
}

func newHarness(t *testing.T, sendBuffer int) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	l := loop.New(logger)
	go func() { _ = l.Run() }()
	t.Cleanup(l.Stop)

	h := &recordingHandler{}
	cfg := config.WebSocketConfig{
		Path:            "/ws",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    time.Second,
		MaxMessageBytes: 4096,
		SendBuffer:      sendBuffer,
	}
	codec := transport.NewCodec(cfg, protocol.DefaultCompressThreshold)
	acc := transport.NewAcceptor(cfg, subprotocol, codec, l, h, logger)
	srv := httptest.NewServer(acc)
	t.Cleanup(srv.Close)
	return &harness{
		loop:    l,
		codec:   codec,
		handler: h,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *harness) dial(t *testing.T, protocols ...string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: 2 * time.Second}
	c, _, err := d.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *harness) waitConn(t *testing.T) transport.Conn {
	t.Helper()
	require.Eventually(t, func() bool {
		conns, _, _ := h.handler.snapshot()
		return len(conns) == 1
	}, 2*time.Second, 5*time.Millisecond)
	conns, _, _ := h.handler.snapshot()
	return conns[0]
}

func readCloseCode(t *testing.T, c *websocket.Conn) int {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce.Code
	}
}

func TestAcceptor_RejectsWrongSubprotocol(t *testing.T) {
	h := newHarness(t, 8)
	c := h.dial(t, "other.v1")
	assert.Equal(t, int(protocol.CloseProtocolError), readCloseCode(t, c))

	h.loop.Do(func() {})
	conns, _, _ := h.handler.snapshot()
	assert.Empty(t, conns, "no connection may reach the handler")
}

func TestAcceptor_RejectsMissingSubprotocol(t *testing.T) {
	h := newHarness(t, 8)
	c := h.dial(t)
	assert.Equal(t, int(protocol.CloseProtocolError), readCloseCode(t, c))
}

func TestSocket_DeliversPacketsInOrder(t *testing.T) {
	h := newHarness(t, 8)
	c := h.dial(t, subprotocol)
	h.waitConn(t)

	for i := 1; i <= 5; i++ {
		frame, err := h.codec.Encode(protocol.ActionMove, protocol.Move{ActionID: int64(i)})
		require.NoError(t, err)
		require.NoError(t, c.WriteMessage(websocket.BinaryMessage, frame))
	}
	require.Eventually(t, func() bool {
		_, packets, _ := h.handler.snapshot()
		return len(packets) == 5
	}, 2*time.Second, 5*time.Millisecond)

	_, packets, _ := h.handler.snapshot()
	for i, p := range packets {
		var m protocol.Move
		require.NoError(t, p.Decode(&m))
		assert.Equal(t, int64(i+1), m.ActionID)
	}
}

func TestSocket_SendReachesClient(t *testing.T) {
	h := newHarness(t, 8)
	c := h.dial(t, subprotocol)
	conn := h.waitConn(t)

	h.loop.Do(func() {
		assert.NoError(t, conn.Send(protocol.ActionQueueUpdate, protocol.QueueUpdate{InQueue: true, OnlineCount: 3}))
	})

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	p, err := h.codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionQueueUpdate, p.Action)
	var qu protocol.QueueUpdate
	require.NoError(t, p.Decode(&qu))
	assert.Equal(t, protocol.QueueUpdate{InQueue: true, OnlineCount: 3}, qu)
}

func TestSocket_TextFrameClosesUnsupported(t *testing.T) {
	h := newHarness(t, 8)
	c := h.dial(t, subprotocol)
	h.waitConn(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("hello")))
	assert.Equal(t, int(protocol.CloseUnsupportedData), readCloseCode(t, c))
	require.Eventually(t, func() bool {
		_, _, closes := h.handler.snapshot()
		return len(closes) == 1 && closes[0] == protocol.CloseUnsupportedData
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSocket_GarbageClosesInvalidPacket(t *testing.T) {
	h := newHarness(t, 8)
	c := h.dial(t, subprotocol)
	h.waitConn(t)

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}))
	assert.Equal(t, int(protocol.CloseInvalidPacket), readCloseCode(t, c))
}

func TestSocket_ExpandingFrameClosesInvalidPacket(t *testing.T) {
	h := newHarness(t, 8)
	c := h.dial(t, subprotocol)
	h.waitConn(t)

	// A compressed body declaring ~4 GiB behind a tiny frame.
	var frame []byte
	frame = protowire.AppendTag(frame, 1, protowire.VarintType)
	frame = protowire.AppendVarint(frame, uint64(protocol.ActionAuth))
	frame = protowire.AppendTag(frame, 3, protowire.VarintType)
	frame = protowire.AppendVarint(frame, 1)
	frame = protowire.AppendTag(frame, 2, protowire.BytesType)
	frame = protowire.AppendBytes(frame, protowire.AppendVarint(nil, 0xF0000000))

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, frame))
	assert.Equal(t, int(protocol.CloseInvalidPacket), readCloseCode(t, c))
	h.loop.Do(func() {})
	_, packets, _ := h.handler.snapshot()
	assert.Empty(t, packets)
}

func TestSocket_ServerCloseDoesNotNotifyListener(t *testing.T) {
	h := newHarness(t, 8)
	c := h.dial(t, subprotocol)
	conn := h.waitConn(t)

	h.loop.Do(func() {
		assert.NoError(t, conn.Send(protocol.ActionAuthResult, protocol.AuthResult{PlayerID: "p"}))
		conn.Close(protocol.CloseAuthTimeout, "auth timeout")
		assert.False(t, conn.Open())
		assert.ErrorIs(t, conn.Send(protocol.ActionPing, nil), transport.ErrClosed)
	})

	// The frame queued before Close is still delivered.
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	p, err := h.codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionAuthResult, p.Action)
	assert.Equal(t, int(protocol.CloseAuthTimeout), readCloseCode(t, c))

	time.Sleep(20 * time.Millisecond)
	h.loop.Do(func() {})
	_, _, closes := h.handler.snapshot()
	assert.Empty(t, closes)
}

func TestSocket_ClientCloseNotifiesListener(t *testing.T) {
	h := newHarness(t, 8)
	c := h.dial(t, subprotocol)
	h.waitConn(t)

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")
	require.NoError(t, c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	require.Eventually(t, func() bool {
		_, _, closes := h.handler.snapshot()
		return len(closes) == 1 && closes[0] == protocol.CloseCode(websocket.CloseGoingAway)
	}, 2*time.Second, 5*time.Millisecond)
}
