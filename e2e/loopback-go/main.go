// Command loopback-go is an end-to-end exercise run on one machine: it starts
// an in-process rendezvous server, then beams a generated file between a
// sender and a receiver over loopback ICE candidates. It prints OK and the
// artifact path on success.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/peerbeam/peerbeam/internal/beam"
	"github.com/peerbeam/peerbeam/internal/config"
	"github.com/peerbeam/peerbeam/internal/metrics"
	"github.com/peerbeam/peerbeam/internal/peer"
	"github.com/peerbeam/peerbeam/internal/rendezvous"
	"github.com/peerbeam/peerbeam/internal/signaling"
	"github.com/peerbeam/peerbeam/internal/transfer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loopback: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	payloadBytes := envIntOrDefault("PAYLOAD_BYTES", 4<<20)
	timeout := envDurationOrDefault("TIMEOUT", 2*time.Minute)

	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}
	// Same-host transfer: both peers bind loopback candidates and the server
	// picks a free port.
	cfg.IncludeLoopback = true
	cfg.ListenAddr = "127.0.0.1:0"

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	store := rendezvous.NewMemoryStore(rendezvous.MemoryStoreOptions{MaxSessions: cfg.MaxSessions})
	srv := rendezvous.NewServer(cfg, logger, rendezvous.BuildInfo{}, store, metrics.New())
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Serve(ln)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-srvErr
	}()

	storeURL := fmt.Sprintf("ws://%s/v1/rendezvous", ln.Addr().String())
	fmt.Printf("READY %s\n", storeURL)

	workDir, err := os.MkdirTemp("", "peerbeam-loopback-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	payload := make([]byte, payloadBytes)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	srcPath := filepath.Join(workDir, "payload.bin")
	if err := os.WriteFile(srcPath, payload, 0o644); err != nil {
		return err
	}
	outDir := filepath.Join(workDir, "out")
	if err := os.Mkdir(outDir, 0o755); err != nil {
		return err
	}

	api, err := peer.NewAPI(cfg)
	if err != nil {
		return err
	}

	sessionID, err := signaling.GenerateSessionID()
	if err != nil {
		return err
	}

	deps := func(side string) (beam.Deps, *rendezvous.Client, error) {
		client, err := rendezvous.Dial(ctx, storeURL, rendezvous.ClientOptions{
			RequestTimeout: cfg.StoreRequestTimeout,
			Logger:         logger.With("side", side),
		})
		if err != nil {
			return beam.Deps{}, nil, fmt.Errorf("dial store (%s): %w", side, err)
		}
		return beam.Deps{
			Store:          client,
			API:            api,
			ICEServers:     cfg.ICEServers,
			ConnectTimeout: cfg.ConnectTimeout,
			ChunkSize:      cfg.ChunkSizeBytes,
			HighWater:      cfg.BufferedHighWater,
			LowWater:       cfg.BufferedLowWater,
			Logger:         logger.With("side", side),
		}, client, nil
	}

	recvDeps, recvClient, err := deps("receive")
	if err != nil {
		return err
	}
	defer recvClient.Close()

	type recvResult struct {
		artifact string
		err      error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		artifact, err := beam.Receive(ctx, recvDeps, beam.ReceiveRequest{
			SessionID: sessionID,
			Sink:      transfer.DirSink{Dir: outDir},
		})
		recvCh <- recvResult{artifact: artifact, err: err}
	}()

	sendDeps, sendClient, err := deps("send")
	if err != nil {
		return err
	}
	defer sendClient.Close()

	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	if err := beam.Send(ctx, sendDeps, beam.SendRequest{
		SessionID: sessionID,
		FileName:  filepath.Base(srcPath),
		FileSize:  info.Size(),
		File:      f,
	}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	res := <-recvCh
	if res.err != nil {
		return fmt.Errorf("receive: %w", res.err)
	}

	got, err := os.ReadFile(res.artifact)
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("artifact mismatch: got %d bytes, sent %d", len(got), len(payload))
	}
	if store.Len() != 0 {
		return fmt.Errorf("session documents left behind: %d", store.Len())
	}

	fmt.Printf("OK %d bytes via %s\n", len(got), res.artifact)
	return nil
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return fallback
}
