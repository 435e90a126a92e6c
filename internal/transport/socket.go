// Package transport adapts websocket connections to the application protocol.
//
// A Socket owns one websocket connection. Its read pump decodes binary frames
// and posts each packet to the event loop; its write pump drains a bounded
// queue of encoded frames. Listener callbacks always run on the loop.
package transport

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/protocol"
)

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("connection closed")

// ErrSlowConsumer is returned by Send when the outbound queue is full. The
// connection is closed with ClosePolicyViolation.
var ErrSlowConsumer = errors.New("outbound queue full")

// Listener receives the events of a Conn. Methods are invoked on the loop.
// The Conn argument lets a listener ignore events from a connection it no
// longer owns.
type Listener interface {
	HandlePacket(c Conn, p protocol.Packet)
	HandleClose(c Conn, code protocol.CloseCode)
}

// Conn is one client connection as seen by the session layer.
type Conn interface {
	// Send encodes and queues one message.
	Send(action protocol.Action, payload any) error
	// Close ends the connection with code. The bound listener is not notified.
	Close(code protocol.CloseCode, reason string)
	// Bind routes subsequent events to l. Must be called on the loop.
	Bind(l Listener)
	// Open reports whether the connection can still send.
	Open() bool
	// RemoteAddr returns the peer address.
	RemoteAddr() string
}

// SocketOptions tunes a Socket.
type SocketOptions struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

// Socket is a Conn over a gorilla websocket.
type Socket struct {
	conn   *websocket.Conn
	codec  *protocol.Codec
	loop   *loop.Loop
	logger *zap.Logger
	opts   SocketOptions

	send chan []byte
	quit chan struct{}
	done chan struct{}

	closeOnce   sync.Once
	closed      atomic.Bool
	closeCode   protocol.CloseCode
	closeReason string

	// listener is only accessed on the loop.
	listener Listener
}

// NewSocket wraps conn and starts its write pump. The read pump starts with Start.
//
// Precondition: conn, codec, l and logger must be non-nil; opts.SendBuffer >= 1.
// Postcondition: Returns an open Socket.
func NewSocket(conn *websocket.Conn, codec *protocol.Codec, l *loop.Loop, opts SocketOptions, logger *zap.Logger) *Socket {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = 1
	}
	s := &Socket{
		conn:   conn,
		codec:  codec,
		loop:   l,
		logger: logger.With(zap.String("remote_addr", conn.RemoteAddr().String())),
		opts:   opts,
		send:   make(chan []byte, opts.SendBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.writePump()
	return s
}

// Start begins reading frames. Call it once, after the socket is bound.
func (s *Socket) Start() {
	go s.readPump()
}

// Send implements Conn. It never blocks.
func (s *Socket) Send(action protocol.Action, payload any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	frame, err := s.codec.Encode(action, payload)
	if err != nil {
		return err
	}
	select {
	case s.send <- frame:
		return nil
	default:
		s.logger.Warn("outbound queue full, closing",
			zap.Stringer("action", action),
			zap.Int("send_buffer", s.opts.SendBuffer),
		)
		s.shutdown(protocol.ClosePolicyViolation, "slow consumer", true)
		return ErrSlowConsumer
	}
}

// Close implements Conn. Frames queued before Close are still written.
func (s *Socket) Close(code protocol.CloseCode, reason string) {
	s.shutdown(code, reason, false)
}

// Bind implements Conn.
func (s *Socket) Bind(l Listener) { s.listener = l }

// Open implements Conn.
func (s *Socket) Open() bool { return !s.closed.Load() }

// RemoteAddr implements Conn.
func (s *Socket) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Done is closed once the underlying connection is released.
func (s *Socket) Done() <-chan struct{} { return s.done }

// shutdown closes the socket once. When notify is set, the bound listener
// learns of the closure on the loop.
func (s *Socket) shutdown(code protocol.CloseCode, reason string, notify bool) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		s.closed.Store(true)
		close(s.quit)
		if notify {
			s.loop.Post(func() {
				if s.listener != nil {
					s.listener.HandleClose(s, code)
				}
			})
		}
	})
}

func (s *Socket) readPump() {
	if s.opts.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.opts.MaxMessageBytes)
	}
	for {
		if s.opts.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			code := protocol.CloseCode(websocket.CloseAbnormalClosure)
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = protocol.CloseCode(ce.Code)
			}
			if !s.closed.Load() {
				s.logger.Debug("read ended", zap.Int("code", int(code)), zap.Error(err))
			}
			s.shutdown(code, "", true)
			return
		}
		if typ != websocket.BinaryMessage {
			s.shutdown(protocol.CloseUnsupportedData, "binary frames only", true)
			return
		}
		p, err := s.codec.Decode(data)
		if err != nil {
			s.logger.Debug("undecodable frame", zap.Error(err))
			s.shutdown(protocol.CloseInvalidPacket, "invalid packet", true)
			return
		}
		if !s.loop.Post(func() {
			if s.listener != nil {
				s.listener.HandlePacket(s, p)
			}
		}) {
			s.shutdown(protocol.CloseNormal, "server stopping", false)
			return
		}
	}
}

func (s *Socket) writePump() {
	defer close(s.done)
	defer s.conn.Close()
	for {
		select {
		case frame := <-s.send:
			if err := s.write(frame); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				s.shutdown(protocol.CloseCode(websocket.CloseAbnormalClosure), "", true)
				return
			}
		case <-s.quit:
			s.flush()
			msg := websocket.FormatCloseMessage(int(s.closeCode), s.closeReason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout()))
			return
		}
	}
}

// flush writes frames queued before the close was requested.
func (s *Socket) flush() {
	for {
		select {
		case frame := <-s.send:
			if err := s.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Socket) write(frame []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *Socket) writeTimeout() time.Duration {
	if s.opts.WriteTimeout > 0 {
		return s.opts.WriteTimeout
	}
	return 10 * time.Second
}
