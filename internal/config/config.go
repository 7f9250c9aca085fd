package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "MEETSIGNAL_LISTEN_ADDR"
	envVarPublicBaseURL   = "MEETSIGNAL_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMode            = "MEETSIGNAL_MODE"
	envVarLogFormat       = "MEETSIGNAL_LOG_FORMAT"
	envVarLogLevel        = "MEETSIGNAL_LOG_LEVEL"
	envVarShutdownTimeout = "MEETSIGNAL_SHUTDOWN_TIMEOUT"

	// Room knobs.
	envVarRoomCapacity          = "ROOM_MAX_USERS"
	envVarDefaultUsernamePrefix = "ROOM_DEFAULT_USERNAME_PREFIX"

	// Timeline knobs.
	envVarTimelineMaxEvents = "TIMELINE_MAX_EVENTS"
	envVarTimelineRetention = "TIMELINE_RETENTION"

	// Signaling WebSocket hardening.
	envVarWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendQueueLength      = "SIGNALING_SEND_QUEUE_LENGTH"
	envVarUploadMaxBytes       = "UPLOAD_MAX_BYTES"

	DefaultListenAddr      = "127.0.0.1:3001"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultRoomCapacity          = 10
	DefaultUsernamePrefix        = "user"
	DefaultTimelineMaxEvents     = 1000
	DefaultTimelineRetention     = 24 * time.Hour
	DefaultWSIdleTimeout         = 60 * time.Second
	DefaultWSPingInterval        = 20 * time.Second
	DefaultMaxMessageBytes       = int64(64 * 1024)
	DefaultMaxMessagesPerSecond  = 50
	DefaultSendQueueLength       = 256
	DefaultUploadMaxBytes        = int64(10 << 20) // 10MiB
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

	// Room directory.
	RoomCapacity          int
	DefaultUsernamePrefix string

	// Timeline log. The sweep period equals the retention window, so an
	// expired event lives at most one extra period.
	TimelineMaxEvents int
	TimelineRetention time.Duration

	// Signaling WebSocket hardening.
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueLength      int

	// Avatar upload surface.
	UploadMaxBytes int64

	// ICE configuration handed to browsers via GET /ice-config.
	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
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
	usernamePrefix := envOrDefault(lookup, envVarDefaultUsernamePrefix, DefaultUsernamePrefix)

	roomCapacity, err := envIntOrDefault(lookup, envVarRoomCapacity, DefaultRoomCapacity)
	if err != nil {
		return Config{}, err
	}
	timelineMaxEvents, err := envIntOrDefault(lookup, envVarTimelineMaxEvents, DefaultTimelineMaxEvents)
	if err != nil {
		return Config{}, err
	}
	timelineRetention, err := envDurationOrDefault(lookup, envVarTimelineRetention, DefaultTimelineRetention)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envInt64OrDefault(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueLength, err := envIntOrDefault(lookup, envVarSendQueueLength, DefaultSendQueueLength)
	if err != nil {
		return Config{}, err
	}
	uploadMaxBytes, err := envInt64OrDefault(lookup, envVarUploadMaxBytes, DefaultUploadMaxBytes)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envVarICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envVarStunURLs, "")
	turnURLs := envOrDefault(lookup, envVarTurnURLs, "")
	turnUsername := envOrDefault(lookup, envVarTurnUsername, "")
	turnCredential := envOrDefault(lookup, envVarTurnCredential, "")
	turnRESTSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTPrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTTTL, err := envInt64OrDefault(lookup, envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("meetsignal", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.IntVar(&roomCapacity, "room-max-users", roomCapacity, "Maximum members per room (env "+envVarRoomCapacity+")")
	fs.StringVar(&usernamePrefix, "default-username-prefix", usernamePrefix, "Prefix for generated display names (env "+envVarDefaultUsernamePrefix+")")
	fs.IntVar(&timelineMaxEvents, "timeline-max-events", timelineMaxEvents, "Maximum retained timeline events per room (env "+envVarTimelineMaxEvents+")")
	fs.DurationVar(&timelineRetention, "timeline-retention", timelineRetention, "Timeline event retention window; also the sweep period (env "+envVarTimelineRetention+")")

	fs.DurationVar(&wsIdleTimeout, "signaling-ws-idle-timeout", wsIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "signaling-ws-ping-interval", wsPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxMessagesPerSecond+")")
	fs.IntVar(&sendQueueLength, "signaling-send-queue-length", sendQueueLength, "Outbound message queue length per connection (env "+envVarSendQueueLength+")")
	fs.Int64Var(&uploadMaxBytes, "upload-max-bytes", uploadMaxBytes, "Max avatar upload size in bytes (env "+envVarUploadMaxBytes+")")

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
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if roomCapacity <= 0 {
		return Config{}, fmt.Errorf("%s/--room-max-users must be > 0", envVarRoomCapacity)
	}
	if timelineMaxEvents <= 0 {
		return Config{}, fmt.Errorf("%s/--timeline-max-events must be > 0", envVarTimelineMaxEvents)
	}
	if timelineRetention <= 0 {
		return Config{}, fmt.Errorf("%s/--timeline-retention must be > 0", envVarTimelineRetention)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}
	if sendQueueLength <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue-length must be > 0", envVarSendQueueLength)
	}
	if uploadMaxBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--upload-max-bytes must be > 0", envVarUploadMaxBytes)
	}

	turnREST := TurnRESTConfig{
		SharedSecret:   turnRESTSecret,
		TTLSeconds:     turnRESTTTL,
		UsernamePrefix: turnRESTPrefix,
	}
	if turnREST.Enabled() && turnREST.TTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarTURNRESTTTLSeconds)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnREST.Enabled())
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  splitCommaList(allowedOriginsStr),
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		RoomCapacity:          roomCapacity,
		DefaultUsernamePrefix: usernamePrefix,

		TimelineMaxEvents: timelineMaxEvents,
		TimelineRetention: timelineRetention,

		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		SendQueueLength:      sendQueueLength,

		UploadMaxBytes: uploadMaxBytes,

		ICEServers: iceServers,
		TURNREST:   turnREST,
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

func parseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (want dev or prod)", s)
	}
}

func parseLogFormat(s string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(s))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (want text or json)", s)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
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

func splitCommaList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
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
