// Package main runs headless players against a game server, for smoke and
// load testing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/bot"
	"github.com/cory-johannsen/gridlock/internal/client"
	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/match"
	"github.com/cory-johannsen/gridlock/internal/observability"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/transport"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	url := flag.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	count := flag.Int("n", 2, "number of bots")
	matches := flag.Int("matches", 1, "matches each bot plays")
	abilities := flag.Bool("abilities", true, "cast granted powerups")
	tick := flag.Duration("tick", 100*time.Millisecond, "how often a bot tries to move")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.Logging, "bot")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		failed  int
		decided int
	)
	for i := range *count {
		name := fmt.Sprintf("bot-%02d", i)
		b := bot.New(bot.Config{
			Name:    name,
			Version: cfg.Server.Version,
			Cooldowns: client.Cooldowns{
				Global: cfg.Match.GlobalCooldown.Milliseconds(),
				Cell:   cfg.Match.CellCooldown.Milliseconds(),
			},
			Matches:      *matches,
			UseAbilities: *abilities,
		}, logger.With(zap.String("bot", name)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := driver{url: *url, subprotocol: cfg.Server.Subprotocol, tick: *tick, codec: transport.NewCodec(cfg.WebSocket, protocol.DefaultCompressThreshold), logger: logger.With(zap.String("bot", name))}
			err := d.run(ctx, b)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && !errors.Is(err, context.Canceled) {
				failed++
				logger.Error("bot failed", zap.String("bot", name), zap.Error(err))
			}
			for _, r := range b.Results() {
				if r.Winner != match.Draw {
					decided++
				}
			}
		}()
	}
	wg.Wait()

	logger.Info("bots finished",
		zap.Int("bots", *count),
		zap.Int("failed", failed),
		zap.Int("decided", decided),
		zap.Duration("elapsed", time.Since(start)),
	)
	if failed > 0 {
		_ = logger.Sync()
		os.Exit(1)
	}
}

// driver connects one bot to the server over a websocket.
type driver struct {
	url         string
	subprotocol string
	tick        time.Duration
	codec       *protocol.Codec
	logger      *zap.Logger
}

func (d driver) run(ctx context.Context, b *bot.Bot) error {
	dialer := websocket.Dialer{Subprotocols: []string{d.subprotocol}, HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", d.url, err)
	}
	defer conn.Close()

	inbound := make(chan protocol.Packet)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			p, err := d.codec.Decode(data)
			if err != nil {
				readErr <- fmt.Errorf("decoding frame: %w", err)
				return
			}
			select {
			case inbound <- p:
			case <-quit:
				return
			}
		}
	}()

	send := func(outs []bot.Out) error {
		for _, o := range outs {
			frame, err := d.codec.Encode(o.Action, o.Payload)
			if err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return fmt.Errorf("writing %s: %w", o.Action, err)
			}
		}
		return nil
	}

	if err := send(b.Hello()); err != nil {
		return err
	}
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for !b.Done() {
		select {
		case <-ctx.Done():
			d.close(conn, protocol.CloseNormal, "interrupted")
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("reading: %w", err)
		case p := <-inbound:
			outs, err := b.Handle(p)
			if err != nil {
				return err
			}
			if err := send(outs); err != nil {
				return err
			}
		case <-ticker.C:
			if err := send(b.Tick()); err != nil {
				return err
			}
		}
	}
	if err := send([]bot.Out{{Action: protocol.ActionLogout, Payload: struct{}{}}}); err != nil {
		return err
	}
	d.close(conn, protocol.CloseNormal, "done")
	return nil
}

func (d driver) close(conn *websocket.Conn, code protocol.CloseCode, reason string) {
	msg := websocket.FormatCloseMessage(int(code), reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		d.logger.Debug("writing close", zap.Error(err))
	}
}
