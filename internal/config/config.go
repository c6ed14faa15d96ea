package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	EnvMode      = "PEERBEAM_MODE"
	EnvLogFormat = "PEERBEAM_LOG_FORMAT"
	EnvLogLevel  = "PEERBEAM_LOG_LEVEL"

	// Client knobs (send/receive).
	EnvRendezvousURL       = "PEERBEAM_RENDEZVOUS_URL"
	EnvConnectTimeout      = "PEERBEAM_CONNECT_TIMEOUT"
	EnvStoreRequestTimeout = "PEERBEAM_STORE_REQUEST_TIMEOUT"
	EnvChunkSizeBytes      = "PEERBEAM_CHUNK_SIZE_BYTES"
	EnvBufferedHighWater   = "PEERBEAM_BUFFERED_HIGH_WATER_BYTES"
	EnvBufferedLowWater    = "PEERBEAM_BUFFERED_LOW_WATER_BYTES"
	EnvIncludeLoopback     = "PEERBEAM_INCLUDE_LOOPBACK"
	EnvUDPPortMin          = "PEERBEAM_UDP_PORT_MIN"
	EnvUDPPortMax          = "PEERBEAM_UDP_PORT_MAX"
	EnvOutDir              = "PEERBEAM_OUT_DIR"

	// Serve knobs.
	EnvListenAddr           = "PEERBEAM_LISTEN_ADDR"
	EnvShutdownTimeout      = "PEERBEAM_SHUTDOWN_TIMEOUT"
	EnvAllowedOrigins       = "PEERBEAM_ALLOWED_ORIGINS"
	EnvMaxSessions          = "PEERBEAM_MAX_SESSIONS"
	EnvSessionTTL           = "PEERBEAM_SESSION_TTL"
	EnvWSIdleTimeout        = "PEERBEAM_WS_IDLE_TIMEOUT"
	EnvWSPingInterval       = "PEERBEAM_WS_PING_INTERVAL"
	EnvMaxMessageBytes      = "PEERBEAM_MAX_MESSAGE_BYTES"
	EnvMaxMessagesPerSecond = "PEERBEAM_MAX_MESSAGES_PER_SECOND"
)

const (
	DefaultMode Mode = ModeDev

	DefaultRendezvousURL       = "ws://127.0.0.1:8475/v1/rendezvous"
	DefaultConnectTimeout      = 30 * time.Second
	DefaultStoreRequestTimeout = 10 * time.Second

	// DefaultChunkSizeBytes is a tuning default, not a protocol constant: any
	// bounded chunk size round-trips. 64KiB keeps per-message overhead low
	// while staying well under SCTP message size limits.
	DefaultChunkSizeBytes = 64 * 1024

	DefaultListenAddr      = "127.0.0.1:8475"
	DefaultShutdownTimeout = 15 * time.Second

	// DefaultSessionTTL bounds how long an unclaimed session document may
	// live before the janitor removes it. Abandoned attempts must not leak
	// documents forever.
	DefaultSessionTTL = 10 * time.Minute

	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
)

// Backpressure marks for the outbound DataChannel. Sending suspends once the
// channel's buffered amount exceeds the high-water mark and resumes on the
// low-water callback.
const (
	DefaultBufferedHighWater = uint64(2 << 20)   // 2 MiB
	DefaultBufferedLowWater  = uint64(512 << 10) // 512 KiB
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	// RendezvousURL is the WebSocket endpoint of the rendezvous store used by
	// send/receive. ws:// or wss:// only.
	RendezvousURL string

	// ConnectTimeout bounds a whole connection attempt: signaling, ICE and
	// DataChannel open.
	ConnectTimeout time.Duration

	// StoreRequestTimeout bounds each individual rendezvous store request.
	StoreRequestTimeout time.Duration

	ChunkSizeBytes    int
	BufferedHighWater uint64
	BufferedLowWater  uint64

	// IncludeLoopback gathers loopback ICE candidates so two processes on the
	// same host can connect without a STUN server.
	IncludeLoopback bool

	// UDPPortRange restricts the local UDP ports used for ICE. nil leaves
	// port selection to the OS.
	UDPPortRange *UDPPortRange

	// OutDir is where received files are written.
	OutDir string

	ListenAddr           string
	ShutdownTimeout      time.Duration
	AllowedOrigins       []string
	MaxSessions          int
	SessionTTL           time.Duration
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	ICEServers []webrtc.ICEServer

	// Args holds the positional arguments left after flag parsing, such as
	// the file to send.
	Args []string

	iceConfigErr error
}

// ICEConfigError reports a problem with the ICE server configuration. ICE
// config problems are surfaced at startup rather than failing Load so that
// serve mode, which never dials a peer, still starts.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(EnvMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(EnvLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(EnvLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	rendezvousURL := envOrDefault(lookup, EnvRendezvousURL, DefaultRendezvousURL)
	listenAddr := envOrDefault(lookup, EnvListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, EnvAllowedOrigins, "")
	outDir := envOrDefault(lookup, EnvOutDir, ".")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	connectTimeout, err := envDurationOrDefault(lookup, EnvConnectTimeout, DefaultConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	storeRequestTimeout, err := envDurationOrDefault(lookup, EnvStoreRequestTimeout, DefaultStoreRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	sessionTTL, err := envDurationOrDefault(lookup, EnvSessionTTL, DefaultSessionTTL)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, EnvWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, EnvWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	chunkSizeBytes, err := envIntOrDefault(lookup, EnvChunkSizeBytes, DefaultChunkSizeBytes)
	if err != nil {
		return Config{}, err
	}
	bufferedHighWater, err := envUint64OrDefault(lookup, EnvBufferedHighWater, DefaultBufferedHighWater)
	if err != nil {
		return Config{}, err
	}
	bufferedLowWater, err := envUint64OrDefault(lookup, EnvBufferedLowWater, DefaultBufferedLowWater)
	if err != nil {
		return Config{}, err
	}
	maxSessions, err := envIntOrDefault(lookup, EnvMaxSessions, 0)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, EnvMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(EnvMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	includeLoopback := false
	if raw, ok := lookup(EnvIncludeLoopback); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvIncludeLoopback, raw, err)
		}
		includeLoopback = v
	}

	var udpPortMin uint
	if raw, ok := lookup(EnvUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePort(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvUDPPortMin, raw, err)
		}
		udpPortMin = uint(p)
	}
	var udpPortMax uint
	if raw, ok := lookup(EnvUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePort(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvUDPPortMax, raw, err)
		}
		udpPortMax = uint(p)
	}

	fs := flag.NewFlagSet("peerbeam", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+EnvMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+EnvLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+EnvLogLevel+")")

	fs.StringVar(&rendezvousURL, "rendezvous-url", rendezvousURL, "Rendezvous store WebSocket URL (env "+EnvRendezvousURL+")")
	fs.DurationVar(&connectTimeout, "connect-timeout", connectTimeout, "Max time for a peer connection attempt to establish (env "+EnvConnectTimeout+")")
	fs.DurationVar(&storeRequestTimeout, "store-request-timeout", storeRequestTimeout, "Per-request timeout for rendezvous store operations (env "+EnvStoreRequestTimeout+")")
	fs.IntVar(&chunkSizeBytes, "chunk-size-bytes", chunkSizeBytes, "Outbound file chunk size in bytes (env "+EnvChunkSizeBytes+")")
	fs.Uint64Var(&bufferedHighWater, "buffered-high-water-bytes", bufferedHighWater, "Suspend sending above this DataChannel buffered amount (env "+EnvBufferedHighWater+")")
	fs.Uint64Var(&bufferedLowWater, "buffered-low-water-bytes", bufferedLowWater, "Resume sending once the buffered amount drops below this (env "+EnvBufferedLowWater+")")
	fs.BoolVar(&includeLoopback, "include-loopback", includeLoopback, "Gather loopback ICE candidates for same-host transfers (env "+EnvIncludeLoopback+")")
	fs.UintVar(&udpPortMin, "udp-port-min", udpPortMin, "Min local UDP port for ICE, 0 = unset (env "+EnvUDPPortMin+")")
	fs.UintVar(&udpPortMax, "udp-port-max", udpPortMax, "Max local UDP port for ICE, 0 = unset (env "+EnvUDPPortMax+")")
	fs.StringVar(&outDir, "out", outDir, "Directory where received files are written (env "+EnvOutDir+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE servers as RTCIceServer JSON (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Rendezvous server listen address, host:port (env "+EnvListenAddr+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+EnvShutdownTimeout+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated browser origins allowed on the rendezvous WebSocket (env "+EnvAllowedOrigins+")")
	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Max live session documents, 0 = unlimited (env "+EnvMaxSessions+")")
	fs.DurationVar(&sessionTTL, "session-ttl", sessionTTL, "Expire session documents after this age (env "+EnvSessionTTL+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle rendezvous WebSocket connections after this duration (env "+EnvWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval, must be < --ws-idle-timeout (env "+EnvWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound rendezvous message size in bytes (env "+EnvMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound rendezvous messages per second per connection (env "+EnvMaxMessagesPerSecond+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// The mode flag may have changed the mode after the log defaults were
	// derived from the env. Re-derive unless explicitly overridden.
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if err := validateWSURL(rendezvousURL, EnvRendezvousURL, "--rendezvous-url"); err != nil {
		return Config{}, err
	}
	if connectTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--connect-timeout must be > 0", EnvConnectTimeout)
	}
	if storeRequestTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--store-request-timeout must be > 0", EnvStoreRequestTimeout)
	}
	if chunkSizeBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--chunk-size-bytes must be > 0", EnvChunkSizeBytes)
	}
	if bufferedLowWater == 0 {
		return Config{}, fmt.Errorf("%s/--buffered-low-water-bytes must be > 0", EnvBufferedLowWater)
	}
	if bufferedLowWater >= bufferedHighWater {
		return Config{}, fmt.Errorf("%s/--buffered-low-water-bytes must be < %s/--buffered-high-water-bytes", EnvBufferedLowWater, EnvBufferedHighWater)
	}
	if uint64(chunkSizeBytes) > bufferedHighWater {
		return Config{}, fmt.Errorf("%s/--chunk-size-bytes must be <= %s/--buffered-high-water-bytes", EnvChunkSizeBytes, EnvBufferedHighWater)
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("%s/--listen-addr must not be empty", EnvListenAddr)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", EnvShutdownTimeout)
	}
	if sessionTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--session-ttl must be > 0", EnvSessionTTL)
	}
	if maxSessions < 0 {
		return Config{}, fmt.Errorf("%s/--max-sessions must be >= 0", EnvMaxSessions)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", EnvWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", EnvWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", EnvWSPingInterval, EnvWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", EnvMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", EnvMaxMessagesPerSecond)
	}

	var udpPortRange *UDPPortRange
	if udpPortMin != 0 || udpPortMax != 0 {
		if udpPortMin == 0 || udpPortMax == 0 {
			return Config{}, fmt.Errorf("%s and %s must be set together", EnvUDPPortMin, EnvUDPPortMax)
		}
		if udpPortMin > 65535 || udpPortMax > 65535 {
			return Config{}, fmt.Errorf("UDP ports must be in [1, 65535]")
		}
		if udpPortMin > udpPortMax {
			return Config{}, fmt.Errorf("%s (%d) must be <= %s (%d)", EnvUDPPortMin, udpPortMin, EnvUDPPortMax, udpPortMax)
		}
		udpPortRange = &UDPPortRange{Min: uint16(udpPortMin), Max: uint16(udpPortMax)}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", EnvAllowedOrigins, err)
	}

	cfg := Config{
		Mode:      mode,
		LogFormat: logFormat,
		LogLevel:  level,

		RendezvousURL:       strings.TrimSpace(rendezvousURL),
		ConnectTimeout:      connectTimeout,
		StoreRequestTimeout: storeRequestTimeout,
		ChunkSizeBytes:      chunkSizeBytes,
		BufferedHighWater:   bufferedHighWater,
		BufferedLowWater:    bufferedLowWater,
		IncludeLoopback:     includeLoopback,
		UDPPortRange:        udpPortRange,
		OutDir:              outDir,

		ListenAddr:           listenAddr,
		ShutdownTimeout:      shutdownTimeout,
		AllowedOrigins:       allowedOrigins,
		MaxSessions:          maxSessions,
		SessionTTL:           sessionTTL,
		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,

		Args: fs.Args(),
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// parseAllowedOrigins normalizes a comma-separated origin allowlist. Entries
// must be bare http(s) origins; "*" and "null" are allowed verbatim. Schemes
// and hosts are lowercased so later comparisons can be exact.
func parseAllowedOrigins(raw string) ([]string, error) {
	entries := splitCommaSeparated(raw)
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}
		u, err := url.Parse(strings.TrimSuffix(entry, "/"))
		if err != nil {
			return nil, fmt.Errorf("invalid origin %q: %w", entry, err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return nil, fmt.Errorf("invalid origin %q: scheme must be http or https", entry)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("invalid origin %q: missing host", entry)
		}
		if u.User != nil {
			return nil, fmt.Errorf("invalid origin %q: must not include credentials", entry)
		}
		if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
			return nil, fmt.Errorf("invalid origin %q: must not include path, query or fragment", entry)
		}
		out = append(out, scheme+"://"+strings.ToLower(u.Host))
	}
	return out, nil
}

func validateWSURL(raw, envName, flagName string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s/%s must not be empty", envName, flagName)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s/%s %q: %w", envName, flagName, raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return fmt.Errorf("invalid %s/%s %q (expected ws:// or wss://)", envName, flagName, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s/%s %q (missing host)", envName, flagName, raw)
	}
	if u.User != nil {
		return fmt.Errorf("invalid %s/%s %q (must not include credentials)", envName, flagName, raw)
	}
	return nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envUint64OrDefault(lookup func(string) (string, bool), key string, fallback uint64) (uint64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func parsePort(raw string) (uint16, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range [1, 65535]", n)
	}
	return uint16(n), nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
