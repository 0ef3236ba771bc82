package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/portfolio-chat/relay/internal/config"
	"github.com/zhouzirui/portfolio-chat/relay/internal/handler"
	relayHandler "github.com/zhouzirui/portfolio-chat/relay/internal/handler/relay"
	"github.com/zhouzirui/portfolio-chat/relay/internal/logger"
	"github.com/zhouzirui/portfolio-chat/relay/internal/service/ai"
	"github.com/zhouzirui/portfolio-chat/relay/internal/service/persistence"
	"github.com/zhouzirui/portfolio-chat/relay/internal/service/relay"
	"github.com/zhouzirui/portfolio-chat/relay/internal/service/sweep"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()
	zap.ReplaceGlobals(zlog)

	gateway, err := persistence.Open(persistence.Options{
		Backend:    cfg.Persistence.Backend,
		BaseURL:    cfg.Persistence.AppURL,
		PebblePath: cfg.Persistence.PebblePath,
		Timeout:    cfg.Persistence.Timeout,
	})
	if err != nil {
		zlog.Fatal("failed to open persistence gateway", zap.String("backend", cfg.Persistence.Backend), zap.Error(err))
	}
	zlog.Info("persistence gateway ready",
		zap.String("backend", cfg.Persistence.Backend),
		zap.String("app_url", cfg.Persistence.AppURL),
	)

	engineOpts := relay.Options{
		Gateway:       gateway,
		Logger:        zlog,
		OpTimeout:     cfg.Persistence.Timeout,
		AutoReplyName: cfg.AI.AutoReplyName,
	}
	if cfg.AI.AutoReply {
		if !cfg.AI.Enabled() {
			zlog.Warn("auto-reply requested but Ark credentials or model are not configured, continuing without it")
		} else if responder, err := ai.NewService(ctx, cfg.AI, zlog); err != nil {
			zlog.Warn("failed to initialize auto-reply, continuing without it", zap.Error(err))
		} else {
			engineOpts.Responder = responder
			zlog.Info("auto-reply enabled", zap.String("name", cfg.AI.AutoReplyName))
		}
	}

	engine := relay.New(engineOpts)
	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = engine.Run(engineCtx)
	}()

	if cfg.Sweep.Enabled() {
		scheduler, err := sweep.New(cfg.Sweep.Cron, cfg.Sweep.TTL, engine, zlog)
		if err != nil {
			zlog.Fatal("invalid sweep configuration", zap.Error(err))
		}
		go scheduler.Run(ctx)
	}

	router := handler.NewRouter(engine, relayHandler.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		EventRPS:       cfg.Relay.EventRPS,
		EventBurst:     cfg.Relay.EventBurst,
		OutboxSize:     cfg.Relay.OutboxSize,
		Logger:         zlog,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	zlog.Info("chat relay listening", zap.String("addr", cfg.Server.Addr))
	serveErr := runServer(ctx, srv)

	// Let pending durable writes land before the engine and gateway go away.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := engine.Quiesce(drainCtx); err != nil {
		zlog.Warn("relay drain incomplete", zap.Error(err))
	}
	cancel()
	stopEngine()
	<-engineDone

	if err := gateway.Close(); err != nil {
		zlog.Warn("closing persistence gateway", zap.Error(err))
	}
	if serveErr != nil {
		zlog.Fatal("server error", zap.Error(serveErr))
	}
	zlog.Info("chat relay stopped")
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
