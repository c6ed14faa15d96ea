package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/peerbeam/peerbeam/internal/beam"
	"github.com/peerbeam/peerbeam/internal/config"
	"github.com/peerbeam/peerbeam/internal/peer"
	"github.com/peerbeam/peerbeam/internal/rendezvous"
)

func runSend(cfg config.Config, logger *slog.Logger) int {
	if len(cfg.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: peerbeam send [flags] <session-id> <file>")
		return 2
	}
	sessionID, path := cfg.Args[0], cfg.Args[1]

	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration", "err", err)
		return 2
	}
	api, err := peer.NewAPI(cfg)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		return 2
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Error("failed to open file", "err", err)
		return 1
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		logger.Error("failed to stat file", "err", err)
		return 1
	}
	if info.IsDir() {
		logger.Error("cannot send a directory", "path", path)
		return 2
	}

	logStartupWarnings(logger, cmdSend, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := rendezvous.Dial(ctx, cfg.RendezvousURL, rendezvous.ClientOptions{
		RequestTimeout: cfg.StoreRequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to reach the rendezvous store", "url", cfg.RendezvousURL, "err", err)
		return 1
	}
	defer client.Close()

	progress := newProgressPrinter(os.Stderr, "sending")
	deps := clientDeps(cfg, logger, api, client, progress)

	name := filepath.Base(path)
	fmt.Fprintf(os.Stderr, "beaming %s (%d bytes) to session %s\n", name, info.Size(), sessionID)

	err = beam.Send(ctx, deps, beam.SendRequest{
		SessionID: sessionID,
		FileName:  name,
		FileSize:  info.Size(),
		File:      f,
	})
	progress.finish()
	if err != nil {
		logger.Error("send failed", "err", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "sent %s (%d bytes)\n", name, info.Size())
	return 0
}
