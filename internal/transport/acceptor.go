package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/protocol"
)

// ConnHandler takes ownership of accepted connections. HandleConn runs on the
// loop and must Bind the connection before returning.
type ConnHandler interface {
	HandleConn(c Conn)
}

// expansionFactor bounds how far a compressed frame may expand relative to
// the largest frame a client may send.
const expansionFactor = 4

// NewCodec returns the codec for cfg: bodies larger than compressAbove are
// compressed and inbound bodies may expand to at most expansionFactor times
// MaxMessageBytes.
func NewCodec(cfg config.WebSocketConfig, compressAbove int) *protocol.Codec {
	return protocol.NewCodec(compressAbove, protocol.WithMaxBody(int(cfg.MaxMessageBytes)*expansionFactor))
}

// Acceptor upgrades HTTP requests on the configured path to websockets and
// hands each connection to a ConnHandler.
type Acceptor struct {
	cfg         config.WebSocketConfig
	subprotocol string
	codec       *protocol.Codec
	loop        *loop.Loop
	handler     ConnHandler
	logger      *zap.Logger
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	running  bool
	sockets  sync.WaitGroup
}

// NewAcceptor creates a websocket acceptor.
//
// Precondition: subprotocol must be non-empty; codec, l, handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.WebSocketConfig, subprotocol string, codec *protocol.Codec, l *loop.Loop, handler ConnHandler, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:         cfg,
		subprotocol: subprotocol,
		codec:       codec,
		loop:        l,
		handler:     handler,
		logger:      logger,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades one request. A client that does not offer the server's
// subprotocol is closed with CloseProtocolError and never reaches the handler.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	if conn.Subprotocol() != a.subprotocol {
		a.logger.Info("rejecting connection with wrong subprotocol",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Strings("offered", websocket.Subprotocols(r)),
		)
		msg := websocket.FormatCloseMessage(int(protocol.CloseProtocolError), "unsupported subprotocol")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	sock := NewSocket(conn, a.codec, a.loop, SocketOptions{
		ReadTimeout:     a.cfg.ReadTimeout,
		WriteTimeout:    a.cfg.WriteTimeout,
		MaxMessageBytes: a.cfg.MaxMessageBytes,
		SendBuffer:      a.cfg.SendBuffer,
	}, a.logger)
	a.sockets.Add(1)
	go func() {
		<-sock.Done()
		a.sockets.Done()
	}()

	if !a.loop.Post(func() {
		a.handler.HandleConn(sock)
		sock.Start()
	}) {
		sock.Close(protocol.CloseNormal, "server stopping")
		return
	}
	a.logger.Debug("client connected", zap.String("remote_addr", r.RemoteAddr))
}

// ListenAndServe listens on the configured address and serves until Stop.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}
	return a.Serve(ln)
}

// Serve accepts connections on ln until Stop.
func (a *Acceptor) Serve(ln net.Listener) error {
	start := time.Now()
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Path, a)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("acceptor already running")
	}
	a.listener = ln
	a.server = srv
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.String("subprotocol", a.subprotocol),
		zap.Duration("startup", time.Since(start)),
	)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// Stop closes the listener and waits for open sockets to be released.
// Sockets are closed by their owners; Stop only waits up to a bound.
//
// Postcondition: No new connections are accepted.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	srv := a.server
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Warn("websocket shutdown", zap.Error(err))
	}

	waited := make(chan struct{})
	go func() {
		a.sockets.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		a.logger.Warn("sockets still open at shutdown")
	}
	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
