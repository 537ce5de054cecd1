// Package config loads server configuration from environment variables and
// command-line flags. Flags win over env vars; env vars win over defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ayush68824/Qonv-back/internal/origin"
)

const (
	envVarListenAddr      = "QONV_LISTEN_ADDR"
	envVarPublicBaseURL   = "QONV_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMode            = "QONV_MODE"
	envVarLogFormat       = "QONV_LOG_FORMAT"
	envVarLogLevel        = "QONV_LOG_LEVEL"
	envVarShutdownTimeout = "QONV_SHUTDOWN_TIMEOUT"

	envVarMaxParticipants = "QONV_MAX_PARTICIPANTS"
	envVarSendBuffer      = "QONV_SEND_BUFFER"

	envVarWSIdleTimeout      = "QONV_WS_IDLE_TIMEOUT"
	envVarWSPingInterval     = "QONV_WS_PING_INTERVAL"
	envVarMaxEventBytes      = "QONV_MAX_EVENT_BYTES"
	envVarMaxEventsPerSecond = "QONV_MAX_EVENTS_PER_SECOND"

	envVarMediaDir       = "QONV_MEDIA_DIR"
	envVarMaxUploadBytes = "QONV_MAX_UPLOAD_BYTES"
)

const (
	DefaultListenAddr          = "127.0.0.1:8080"
	DefaultShutdown            = 15 * time.Second
	DefaultMode           Mode = ModeDev
	DefaultSendBuffer          = 64
	DefaultWSIdleTimeout       = 60 * time.Second
	DefaultMaxEventBytes       = 64 * 1024
	DefaultMaxEventsPerSecond  = 20
	DefaultMediaDir            = "media"
	DefaultMaxUploadBytes      = 10 << 20
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

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// MaxParticipants caps concurrent registrations; <= 0 means unlimited.
	MaxParticipants int
	// SendBuffer sizes each participant's outbound event queue.
	SendBuffer int

	WSIdleTimeout      time.Duration
	WSPingInterval     time.Duration
	MaxEventBytes      int64
	MaxEventsPerSecond int

	MediaDir       string
	MaxUploadBytes int64
}

// TrustedMediaOrigin returns the normalized origin relayed media URLs must
// carry: the public base URL's origin.
func (c Config) TrustedMediaOrigin() (string, bool) {
	return origin.NormalizeOrigin(c.PublicBaseURL)
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	mediaDir := envOrDefault(lookup, envVarMediaDir, DefaultMediaDir)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	// The ping interval default is derived from the idle timeout after flag
	// parsing, when the idle timeout is final.
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, 0)
	if err != nil {
		return Config{}, err
	}
	envPingIntervalSet := wsPingInterval != 0

	maxParticipants, err := envIntOrDefault(lookup, envVarMaxParticipants, 0)
	if err != nil {
		return Config{}, err
	}
	sendBuffer, err := envIntOrDefault(lookup, envVarSendBuffer, DefaultSendBuffer)
	if err != nil {
		return Config{}, err
	}
	maxEventBytes, err := envIntOrDefault(lookup, envVarMaxEventBytes, DefaultMaxEventBytes)
	if err != nil {
		return Config{}, err
	}
	maxEventsPerSecond, err := envIntOrDefault(lookup, envVarMaxEventsPerSecond, DefaultMaxEventsPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxUploadBytes, err := envIntOrDefault(lookup, envVarMaxUploadBytes, DefaultMaxUploadBytes)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("qonv-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL clients reach this server on (env "+envVarPublicBaseURL+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.IntVar(&maxParticipants, "max-participants", maxParticipants, "Maximum concurrent participants (0 = unlimited; env "+envVarMaxParticipants+")")
	fs.IntVar(&sendBuffer, "send-buffer", sendBuffer, "Outbound event queue size per participant (env "+envVarSendBuffer+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle websocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval on websocket connections (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.IntVar(&maxEventBytes, "max-event-bytes", maxEventBytes, "Max inbound websocket event size in bytes (env "+envVarMaxEventBytes+")")
	fs.IntVar(&maxEventsPerSecond, "max-events-per-second", maxEventsPerSecond, "Max inbound websocket events per second per connection (env "+envVarMaxEventsPerSecond+")")
	fs.StringVar(&mediaDir, "media-dir", mediaDir, "Directory media uploads are stored in (env "+envVarMediaDir+")")
	fs.IntVar(&maxUploadBytes, "max-upload-bytes", maxUploadBytes, "Max media upload size in bytes (env "+envVarMaxUploadBytes+")")

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
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}

	if publicBaseURL == "" {
		publicBaseURL = "http://" + listenAddr
	}
	if _, ok := origin.NormalizeOrigin(publicBaseURL); !ok {
		return Config{}, fmt.Errorf("invalid %s %q (expected an http(s) origin)", envVarPublicBaseURL, publicBaseURL)
	}

	if !envPingIntervalSet && !setFlags["ws-ping-interval"] {
		wsPingInterval = wsIdleTimeout * 9 / 10
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 || wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("invalid %s: ping interval must be positive and less than the idle timeout", envVarWSPingInterval)
	}
	if maxEventBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarMaxEventBytes)
	}
	if maxEventsPerSecond <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarMaxEventsPerSecond)
	}
	if sendBuffer <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarSendBuffer)
	}
	if maxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarMaxUploadBytes)
	}

	return Config{
		ListenAddr:         listenAddr,
		PublicBaseURL:      strings.TrimSuffix(publicBaseURL, "/"),
		AllowedOrigins:     allowedOrigins,
		Mode:               mode,
		LogFormat:          logFormat,
		LogLevel:           logLevel,
		ShutdownTimeout:    shutdownTimeout,
		MaxParticipants:    maxParticipants,
		SendBuffer:         sendBuffer,
		WSIdleTimeout:      wsIdleTimeout,
		WSPingInterval:     wsPingInterval,
		MaxEventBytes:      int64(maxEventBytes),
		MaxEventsPerSecond: maxEventsPerSecond,
		MediaDir:           mediaDir,
		MaxUploadBytes:     int64(maxUploadBytes),
	}, nil
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

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (expected text or json)", raw)
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
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
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
