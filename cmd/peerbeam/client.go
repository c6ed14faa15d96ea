package main

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peerbeam/peerbeam/internal/beam"
	"github.com/peerbeam/peerbeam/internal/config"
	"github.com/peerbeam/peerbeam/internal/peer"
	"github.com/peerbeam/peerbeam/internal/rendezvous"
	"github.com/peerbeam/peerbeam/internal/transfer"
)

// progressPrinter renders transfer progress as a single rewritten line. It
// redraws only on whole-percent changes so log lines interleaving with the
// progress line stay rare.
type progressPrinter struct {
	w    io.Writer
	verb string

	mu      sync.Mutex
	started bool
	lastPct int
}

func newProgressPrinter(w io.Writer, verb string) *progressPrinter {
	return &progressPrinter{w: w, verb: verb, lastPct: -1}
}

func (p *progressPrinter) update(st transfer.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pct := int(st.Progress)
	if pct == p.lastPct && !st.Done {
		return
	}
	p.lastPct = pct
	p.started = true

	fmt.Fprintf(p.w, "\r%s %s: %3d%% (%d/%d bytes)", p.verb, st.Name, pct, st.Offset, st.Size)
	if st.Done {
		fmt.Fprintln(p.w)
		p.started = false
	}
}

// finish terminates a partially drawn progress line so a following log or
// error line starts at column zero.
func (p *progressPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		fmt.Fprintln(p.w)
		p.started = false
	}
}

// clientDeps assembles the beam dependencies shared by send and receive.
// Warnings are already surfaced through the logger inside the attempt, so
// OnWarning stays unset.
func clientDeps(cfg config.Config, logger *slog.Logger, api *webrtc.API, store rendezvous.Store, progress *progressPrinter) beam.Deps {
	return beam.Deps{
		Store:          store,
		API:            api,
		ICEServers:     cfg.ICEServers,
		ConnectTimeout: cfg.ConnectTimeout,
		ChunkSize:      cfg.ChunkSizeBytes,
		HighWater:      cfg.BufferedHighWater,
		LowWater:       cfg.BufferedLowWater,
		Logger:         logger,
		Events: beam.Events{
			OnConnectionState: func(st peer.State) {
				progress.finish()
				logger.Info("peer connection state changed", "state", st)
			},
			OnTransfer: progress.update,
		},
	}
}
