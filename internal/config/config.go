package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/taskflow/callkit/internal/origin"
)

const (
	envVarListenAddr      = "CALLKIT_LISTEN_ADDR"
	envVarMode            = "CALLKIT_MODE"
	envVarLogFormat       = "CALLKIT_LOG_FORMAT"
	envVarLogLevel        = "CALLKIT_LOG_LEVEL"
	envVarShutdownTimeout = "CALLKIT_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Signaling websocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueMessages    = "SIGNALING_SEND_QUEUE_MESSAGES"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	// DefaultAuthMode is none: the task platform authenticates users upstream
	// (session cookies on the app origin); the relay only optionally enforces
	// its own credential when deployed standalone.
	DefaultAuthMode AuthMode = AuthModeNone

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueMessages    = 32
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

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins is the normalized cross-origin allowlist. Empty means
	// same-host only.
	AllowedOrigins []string

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	SignalingAuthTimeout          time.Duration
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueMessages    int
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
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueMessages, err := envIntOrDefault(lookup, envVarSignalingSendQueueMessages, DefaultSignalingSendQueueMessages)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("callkit-relay", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "TCP listen address for the HTTP/WebSocket server")
	modeFlag := fs.String("mode", modeDefault, "deployment mode: dev or prod")
	logFormatFlag := fs.String("log-format", logFormatDefault, "log format: text or json")
	logLevelFlag := fs.String("log-level", logLevelDefault, "log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeFlag)
	if err != nil {
		return Config{}, err
	}

	// When only the mode changed (via flag), re-derive format/level defaults
	// from the effective mode unless they were set explicitly.
	logFormatStr := *logFormatFlag
	if !envLogFormatSet && logFormatStr == logFormatDefault {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	logLevelStr := *logLevelFlag
	if !envLogLevelSet && logLevelStr == logLevelDefault {
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

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  allowedOrigins,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,

		SignalingAuthTimeout:          signalingAuthTimeout,
		SignalingWSIdleTimeout:        wsIdleTimeout,
		SignalingWSPingInterval:       wsPingInterval,
		MaxSignalingMessageBytes:      int64(maxMessageBytes),
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		SignalingSendQueueMessages:    sendQueueMessages,
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s must be positive", envVarShutdownTimeout)
	}

	switch c.AuthMode {
	case AuthModeNone:
	case AuthModeAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("%s=api_key requires %s", envVarAuthMode, envVarAPIKey)
		}
	case AuthModeJWT:
		if c.JWTSecret == "" {
			return fmt.Errorf("%s=jwt requires %s", envVarAuthMode, envVarJWTSecret)
		}
	}

	if c.SignalingAuthTimeout <= 0 {
		return fmt.Errorf("%s must be positive", envVarSignalingAuthTimeout)
	}
	if c.SignalingWSIdleTimeout <= 0 {
		return fmt.Errorf("%s must be positive", envVarSignalingWSIdleTimeout)
	}
	if c.SignalingWSPingInterval <= 0 {
		return fmt.Errorf("%s must be positive", envVarSignalingWSPingInterval)
	}
	if c.SignalingWSPingInterval >= c.SignalingWSIdleTimeout {
		return fmt.Errorf("%s must be shorter than %s", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxSignalingMessageBytes)
	}
	if c.MaxSignalingMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxSignalingMessagesPerSecond)
	}
	if c.SignalingSendQueueMessages <= 0 {
		return fmt.Errorf("%s must be positive", envVarSignalingSendQueueMessages)
	}
	return nil
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
	case string(ModeDev), "development", "":
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
		return 0, fmt.Errorf("invalid log level %q (expected debug, info, warn or error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone), "":
		return AuthModeNone, nil
	case string(AuthModeAPIKey), "apikey", "api-key":
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected none, api_key or jwt)", envVarAuthMode, raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(trimmed, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("invalid %s entry %q", envVarAllowedOrigins, entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
