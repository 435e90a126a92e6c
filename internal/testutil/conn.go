package testutil

import (
	"sync"
	"testing"

	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/transport"
)

// FakeConn is an in-memory transport.Conn. Sent messages are recorded as
// packets in the form the codec would deliver them.
type FakeConn struct {
	mu       sync.Mutex
	addr     string
	sent     []protocol.Packet
	closed   bool
	code     protocol.CloseCode
	reason   string
	listener transport.Listener
}

// NewFakeConn creates an open FakeConn.
func NewFakeConn(addr string) *FakeConn {
	return &FakeConn{addr: addr}
}

// Send implements transport.Conn.
func (c *FakeConn) Send(action protocol.Action, payload any) error {
	p, err := protocol.NewPacket(action, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, p)
	return nil
}

// Close implements transport.Conn.
func (c *FakeConn) Close(code protocol.CloseCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.code = code
	c.reason = reason
}

// Bind implements transport.Conn.
func (c *FakeConn) Bind(l transport.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// Open implements transport.Conn.
func (c *FakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// RemoteAddr implements transport.Conn.
func (c *FakeConn) RemoteAddr() string { return c.addr }

// Deliver hands p to the bound listener as if it arrived on the wire.
// Call it on the loop.
func (c *FakeConn) Deliver(p protocol.Packet) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.HandlePacket(c, p)
	}
}

// DeliverPayload builds a packet from payload and delivers it.
func (c *FakeConn) DeliverPayload(t *testing.T, action protocol.Action, payload any) {
	t.Helper()
	p, err := protocol.NewPacket(action, payload)
	if err != nil {
		t.Errorf("building %s packet: %v", action, err)
		return
	}
	c.Deliver(p)
}

// DropFromRemote closes the connection as the peer would and notifies the
// bound listener. Call it on the loop.
func (c *FakeConn) DropFromRemote(code protocol.CloseCode) {
	c.mu.Lock()
	c.closed = true
	c.code = code
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.HandleClose(c, code)
	}
}

// Listener returns the bound listener.
func (c *FakeConn) Listener() transport.Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// Sent returns a copy of every recorded message.
func (c *FakeConn) Sent() []protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Packet(nil), c.sent...)
}

// SentActions returns the action of every recorded message.
func (c *FakeConn) SentActions() []protocol.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Action, len(c.sent))
	for i, p := range c.sent {
		out[i] = p.Action
	}
	return out
}

// Last returns the most recent message with action a.
func (c *FakeConn) Last(a protocol.Action) (protocol.Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Action == a {
			return c.sent[i], true
		}
	}
	return protocol.Packet{}, false
}

// CloseCode returns the close code and whether the connection is closed.
func (c *FakeConn) CloseCode() (protocol.CloseCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.closed
}
