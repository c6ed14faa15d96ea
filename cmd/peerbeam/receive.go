package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/peerbeam/peerbeam/internal/beam"
	"github.com/peerbeam/peerbeam/internal/config"
	"github.com/peerbeam/peerbeam/internal/peer"
	"github.com/peerbeam/peerbeam/internal/rendezvous"
	"github.com/peerbeam/peerbeam/internal/signaling"
	"github.com/peerbeam/peerbeam/internal/transfer"
)

func runReceive(cfg config.Config, logger *slog.Logger) int {
	if len(cfg.Args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: peerbeam receive [flags]")
		return 2
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration", "err", err)
		return 2
	}
	api, err := peer.NewAPI(cfg)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		return 2
	}

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		logger.Error("failed to create output directory", "dir", cfg.OutDir, "err", err)
		return 1
	}

	logStartupWarnings(logger, cmdReceive, cfg)

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

	sessionID, err := signaling.GenerateSessionID()
	if err != nil {
		logger.Error("failed to generate a session id", "err", err)
		return 1
	}

	// The id is the one line the other side needs, so it goes to stdout.
	fmt.Println(sessionID)
	fmt.Fprintf(os.Stderr, "on the sending machine run: peerbeam send %s <file>\n", sessionID)

	progress := newProgressPrinter(os.Stderr, "receiving")
	deps := clientDeps(cfg, logger, api, client, progress)

	artifact, err := beam.Receive(ctx, deps, beam.ReceiveRequest{
		SessionID: sessionID,
		Sink:      transfer.DirSink{Dir: cfg.OutDir},
	})
	progress.finish()
	if err != nil {
		logger.Error("receive failed", "err", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "received %s\n", artifact)
	fmt.Println(artifact)
	return 0
}
