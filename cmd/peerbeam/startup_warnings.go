package main

import (
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/peerbeam/peerbeam/internal/config"
)

// logStartupWarnings reports configurations that work but are risky or
// degenerate. Hard misconfigurations are rejected by config.Load; everything
// here is advisory only.
func logStartupWarnings(logger *slog.Logger, cmd string, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cmd {
	case cmdServe:
		if containsString(cfg.AllowedOrigins, "*") {
			logger.Warn("startup warning: --allowed-origins contains '*' (any browser origin may use the rendezvous store)",
				"warning_code", "allowed_origins_wildcard",
				"allowed_origins", cfg.AllowedOrigins,
				"mode", cfg.Mode,
			)
		}
		if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
			logger.Warn("startup warning: --max-sessions is unset/0 (unlimited session documents) while --mode=prod",
				"warning_code", "max_sessions_unlimited_in_prod",
				"max_sessions", cfg.MaxSessions,
				"mode", cfg.Mode,
			)
		}

	case cmdSend, cmdReceive:
		if isCleartextNonLoopback(cfg.RendezvousURL) {
			logger.Warn("startup warning: rendezvous URL uses ws:// to a non-loopback host (session descriptions and candidates travel unencrypted)",
				"warning_code", "rendezvous_url_cleartext",
				"rendezvous_host", safeURLHost(cfg.RendezvousURL),
				"mode", cfg.Mode,
			)
		}
		if len(cfg.ICEServers) == 0 {
			logger.Warn("startup warning: no STUN/TURN servers configured; only host candidates will be gathered, so peers behind NAT will not connect",
				"warning_code", "no_ice_servers",
				"include_loopback", cfg.IncludeLoopback,
				"mode", cfg.Mode,
			)
		}
		if cfg.BufferedHighWater-cfg.BufferedLowWater < uint64(cfg.ChunkSizeBytes) {
			logger.Warn("startup warning: backpressure window is smaller than one chunk, so sending will suspend after nearly every chunk",
				"warning_code", "backpressure_window_below_chunk",
				"buffered_high_water_bytes", cfg.BufferedHighWater,
				"buffered_low_water_bytes", cfg.BufferedLowWater,
				"chunk_size_bytes", cfg.ChunkSizeBytes,
			)
		} else if uint64(cfg.ChunkSizeBytes)*2 > cfg.BufferedHighWater {
			logger.Warn("startup warning: chunk size is more than half the high-water mark, which defeats buffered-amount pacing",
				"warning_code", "chunk_size_near_high_water",
				"buffered_high_water_bytes", cfg.BufferedHighWater,
				"chunk_size_bytes", cfg.ChunkSizeBytes,
			)
		}
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

// isCleartextNonLoopback reports whether raw is a ws:// URL whose host is not
// loopback. Loopback targets stay quiet: a local dev server has nothing to
// intercept.
func isCleartextNonLoopback(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "ws" {
		return false
	}
	host := u.Hostname()
	if host == "" || strings.EqualFold(host, "localhost") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return false
	}
	return true
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
