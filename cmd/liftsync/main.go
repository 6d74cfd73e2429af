package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"tailscale.com/tsnet"

	"github.com/claude/liftsync/internal/changefeed"
	"github.com/claude/liftsync/internal/config"
	"github.com/claude/liftsync/internal/localstore"
	"github.com/claude/liftsync/internal/mcp"
	"github.com/claude/liftsync/internal/server"
	"github.com/claude/liftsync/internal/storage"
	"github.com/claude/liftsync/internal/workout"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// store is what both gateways provide: the engine's persistence plus
// delegation grants.
type store interface {
	workout.Gateway
	server.Grants
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	migrateOnly := flag.Bool("migrate-only", false, "run migrations and exit")
	mcpStdio := flag.Bool("mcp-stdio", false, "serve MCP on stdin/stdout instead of HTTP")
	remote := flag.String("remote", "", "with -mcp-stdio: read sessions from this LiftSync server instead of a database")
	account := flag.String("account", "local", "with -mcp-stdio: account the MCP caller acts as")
	debug := flag.Bool("debug", false, "log engine signals")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	// stdout carries the MCP protocol in stdio mode.
	out := os.Stdout
	if *mcpStdio {
		out = os.Stderr
	}
	log := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	log.Info("LiftSync starting", "version", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *mcpStdio && *remote != "" {
		serveStdio(mcp.New(mcp.NewHTTPClient(*remote, *account), Version, nil, log), *account, log)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	st, closeStore, err := openStore(ctx, cfg, *migrateOnly, log)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	if *migrateOnly {
		log.Info("migrate-only: exiting")
		return
	}

	mcpSrv := mcp.New(st, Version, nil, log)
	if *mcpStdio {
		serveStdio(mcpSrv, *account, log)
		return
	}

	srv := server.New(st, st, workout.Options{
		Logger:              log,
		CompletionThreshold: cfg.Engine.CompletionThreshold,
	}, log)
	defer srv.Close()
	srv.Mount("/mcp", mcpserver.NewStreamableHTTPServer(mcpSrv,
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return mcp.WithAccount(ctx, server.CallerAccount(r))
		}),
	))

	// Start server: tsnet or plain HTTP
	var listener net.Listener
	var tsServer *tsnet.Server

	if cfg.Tailscale.Enabled {
		tsServer = &tsnet.Server{
			Hostname: cfg.Tailscale.Hostname,
			Dir:      cfg.Tailscale.StateDir,
		}
		if err := tsServer.Start(); err != nil {
			log.Error("tsnet start failed", "error", err)
			os.Exit(1)
		}
		defer tsServer.Close()

		lc, err := tsServer.LocalClient()
		if err != nil {
			log.Error("tsnet local client failed", "error", err)
			os.Exit(1)
		}
		srv.SetTailscale(lc)

		listener, err = tsServer.Listen("tcp", ":80")
		if err != nil {
			log.Error("tsnet listen failed", "error", err)
			os.Exit(1)
		}
		log.Info("tsnet server starting", "hostname", cfg.Tailscale.Hostname)
	} else {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			log.Error("listen failed", "addr", addr, "error", err)
			os.Exit(1)
		}
		log.Info("server starting", "addr", addr, "mode", "dev (no tailscale)")
	}

	httpSrv := &http.Server{Handler: srv}

	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", "signal", sig)
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	log.Info("server stopped")
}

// openStore connects the configured gateway and starts its change feed.
func openStore(ctx context.Context, cfg *config.Config, migrateOnly bool, log *slog.Logger) (store, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		if migrateOnly {
			return nil, func() {}, nil
		}
		broker := changefeed.NewBroker(log)
		var feed changefeed.Feed = broker
		if cfg.Feed.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: cfg.Feed.RedisAddr})
			relay := changefeed.NewRedisRelay(client, broker, cfg.Feed.ChannelPrefix, log)
			go func() {
				if err := relay.Run(ctx); err != nil {
					log.Error("change relay stopped", "error", err)
				}
			}()
			feed = relay
			log.Info("change relay enabled", "redis", cfg.Feed.RedisAddr)
		}
		ls, err := localstore.Open(cfg.Database.Path, feed, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("sqlite store opened", "path", cfg.Database.Path)
		return ls, func() { ls.Close() }, nil

	default:
		dsn := cfg.Database.DSN()
		if err := storage.RunMigrations(dsn, "migrations"); err != nil {
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}
		log.Info("migrations applied")
		if migrateOnly {
			return nil, func() {}, nil
		}

		db, err := storage.New(ctx, dsn, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("database connected")
		go func() {
			if err := db.Listen(ctx); err != nil && ctx.Err() == nil {
				log.Error("change listener stopped", "error", err)
			}
		}()
		return db, db.Close, nil
	}
}

func serveStdio(s *mcpserver.MCPServer, account string, log *slog.Logger) {
	log.Info("serving MCP on stdio", "account", account)
	err := mcpserver.ServeStdio(s, mcpserver.WithStdioContextFunc(func(ctx context.Context) context.Context {
		return mcp.WithAccount(ctx, account)
	}))
	if err != nil {
		log.Error("mcp stdio error", "error", err)
		os.Exit(1)
	}
}
