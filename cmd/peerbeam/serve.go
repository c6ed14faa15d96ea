package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/peerbeam/peerbeam/internal/config"
	"github.com/peerbeam/peerbeam/internal/metrics"
	"github.com/peerbeam/peerbeam/internal/rendezvous"
)

func runServe(cfg config.Config, logger *slog.Logger) int {
	commit, built := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	store := rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{
		MaxSessions: cfg.MaxSessions,
	})
	srv := rendezvous.NewServer(cfg, logger, rendezvous.BuildInfo{
		Commit:    commit,
		BuildTime: built,
	}, store, m)

	logger.Info("starting peerbeam rendezvous server",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"session_ttl", cfg.SessionTTL,
		"max_sessions", cfg.MaxSessions,
		"allowed_origins", cfg.AllowedOrigins,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"ws_ping_interval", cfg.WSPingInterval,
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"commit", commit,
	)

	logStartupWarnings(logger, cmdServe, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return 1
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rendezvous server exited", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("rendezvous server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("rendezvous server exited after shutdown", "err", err)
		return 1
	}
	return 0
}
