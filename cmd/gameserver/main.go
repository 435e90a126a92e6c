// Package main provides the gridlock game server binary: a websocket
// endpoint for clients and an admin gRPC health endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gridlock/internal/auth"
	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/dice"
	"github.com/cory-johannsen/gridlock/internal/gameserver"
	"github.com/cory-johannsen/gridlock/internal/loop"
	"github.com/cory-johannsen/gridlock/internal/match"
	"github.com/cory-johannsen/gridlock/internal/observability"
	"github.com/cory-johannsen/gridlock/internal/protocol"
	"github.com/cory-johannsen/gridlock/internal/puzzle"
	"github.com/cory-johannsen/gridlock/internal/scripting"
	"github.com/cory-johannsen/gridlock/internal/server"
	"github.com/cory-johannsen/gridlock/internal/storage"
	"github.com/cory-johannsen/gridlock/internal/storage/postgres"
	"github.com/cory-johannsen/gridlock/internal/transport"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	luaLimit := flag.Int("lua-limit", 100000, "instruction budget per Lua effect call; 0 = unlimited")
	compressAbove := flag.Int("compress-above", protocol.DefaultCompressThreshold, "compress frame bodies larger than this many bytes; 0 = never")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, "gameserver")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting game server",
		zap.String("mode", cfg.Server.Mode),
		zap.String("version", cfg.Server.Version),
		zap.String("ws_addr", cfg.WebSocket.Addr()),
		zap.String("admin_addr", cfg.Admin.Addr()),
	)

	lifecycle := server.NewLifecycle(logger.Named("lifecycle"))
	store, pg := openStore(ctx, cfg, logger)

	contentStart := time.Now()
	puzzles, err := puzzle.LoadDirectory(cfg.Match.PuzzleDir)
	if err != nil {
		logger.Fatal("loading puzzles", zap.String("dir", cfg.Match.PuzzleDir), zap.Error(err))
	}
	catalog, err := match.LoadCatalog(cfg.Match.AbilityCatalog)
	if err != nil {
		logger.Fatal("loading ability catalog", zap.String("path", cfg.Match.AbilityCatalog), zap.Error(err))
	}
	src := dice.NewCryptoSource()
	var resolver match.Resolver
	if cfg.Match.ScriptDir != "" {
		scripts := scripting.NewManager(src, logger.Named("scripting"))
		if err := scripts.Load(cfg.Match.ScriptDir, *luaLimit); err != nil {
			logger.Fatal("loading ability scripts", zap.String("dir", cfg.Match.ScriptDir), zap.Error(err))
		}
		defer scripts.Close()
		resolver = match.NewScriptResolver(scripts)
	}
	logger.Info("content loaded",
		zap.Int("puzzles", puzzles.Len()),
		zap.Int("abilities", catalog.Len()),
		zap.Bool("scripted", resolver != nil),
		zap.Duration("elapsed", time.Since(contentStart)),
	)

	l := loop.New(logger.Named("loop"))
	srv := gameserver.New(gameserver.Deps{
		Config:   cfg,
		Loop:     l,
		Auth:     auth.NewService(cfg.Auth, store, logger.Named("auth")),
		Store:    store,
		Puzzles:  puzzles,
		Catalog:  catalog,
		Resolver: resolver,
		Source:   src,
		Logger:   logger,
	})
	l.Post(srv.Start)

	acceptor := transport.NewAcceptor(cfg.WebSocket, cfg.Server.Subprotocol, transport.NewCodec(cfg.WebSocket, *compressAbove), l, srv.Sessions(), logger.Named("transport"))

	lifecycle.Add("loop", &server.FuncService{StartFn: l.Run, StopFn: l.Stop})
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})
	// Stopped before the acceptor so sessions release their sockets first.
	closed := make(chan struct{})
	lifecycle.Add("game", &server.FuncService{
		StartFn: func() error {
			<-closed
			return nil
		},
		StopFn: func() {
			l.Do(srv.Close)
			srv.Stats().Flush()
			close(closed)
		},
	})
	if pg != nil {
		lifecycle.Add("postgres", server.NewProbe("postgres", 30*time.Second, 5*time.Second, func(ctx context.Context) error {
			return pg.Health(ctx, 5*time.Second)
		}, lifecycle.Health(), logger))
		lifecycle.Add("postgres.purge", server.NewProbe("postgres.purge", 5*time.Minute, 30*time.Second, func(ctx context.Context) error {
			n, err := pg.PurgeExpired(ctx)
			if err == nil && n > 0 {
				logger.Info("purged expired keys", zap.Int64("count", n))
			}
			return err
		}, lifecycle.Health(), logger))
	}
	lifecycle.Add("admin", server.NewAdminService(cfg.Admin.Addr(), lifecycle.Health(), logger.Named("admin")))

	logger.Info("game server initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("lifecycle error", zap.Error(err))
		if pg != nil {
			pg.Close()
		}
		_ = logger.Sync()
		os.Exit(1)
	}
	if pg != nil {
		pg.Close()
	}
}

// openStore connects the configured store. In development an unreachable
// database falls back to the in-memory store.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Store, *postgres.Store) {
	if cfg.Store.Driver == config.StoreMemory {
		logger.Info("using in-memory store")
		return storage.NewMemory(), nil
	}
	dbStart := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pg, err := postgres.NewStore(dialCtx, cfg.Database)
	if err != nil {
		if cfg.Server.Mode == config.ModeDevelopment {
			logger.Warn("database unreachable, using in-memory store",
				zap.String("host", cfg.Database.Host),
				zap.Error(err),
			)
			return storage.NewMemory(), nil
		}
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	return pg, pg
}
