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
	envVarListenAddr      = "WIMZ_RELAY_LISTEN_ADDR"
	envVarMode            = "WIMZ_RELAY_MODE"
	envVarLogFormat       = "WIMZ_RELAY_LOG_FORMAT"
	envVarLogLevel        = "WIMZ_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "WIMZ_RELAY_SHUTDOWN_TIMEOUT"

	// Authentication.
	envVarDeviceSecret      = "DEVICE_SECRET"
	envVarAuthLegacyLayouts = "DEVICE_AUTH_LEGACY_LAYOUTS"
	envVarJWTSecret         = "JWT_SECRET_KEY"
	envVarJWTAlgorithm      = "JWT_ALGORITHM"
	envVarJWTExpire         = "JWT_EXPIRE"

	// WebSocket layer.
	envVarWSPingInterval    = "WS_PING_INTERVAL"
	envVarWSPongTimeout     = "WS_PONG_TIMEOUT"
	envVarWSMaxMessageBytes = "WS_MAX_MESSAGE_BYTES"
	envVarAppFrameSoftCap   = "APP_FRAME_SOFT_CAP_BYTES"

	// Command policy.
	envVarStaleCommandThreshold = "STALE_COMMAND_THRESHOLD_MS"
	envVarRateLimitMax          = "RATE_LIMIT_MAX_COMMANDS"
	envVarRateLimitWindow       = "RATE_LIMIT_WINDOW"
	envVarDiversityThreshold    = "RATE_LIMIT_DIVERSITY_THRESHOLD"
	envVarDiversityWindow       = "RATE_LIMIT_DIVERSITY_WINDOW"

	// Grace period for briefly disconnected apps.
	envVarGracePeriod = "APP_GRACE_PERIOD"

	// TURN credential provider (Cloudflare-compatible REST API).
	envVarTURNBaseURL  = "TURN_PROVIDER_BASE_URL"
	envVarTURNKeyID    = "TURN_KEY_ID"
	envVarTURNAPIToken = "TURN_API_TOKEN"
	envVarTURNTTL      = "TURN_CREDENTIAL_TTL"

	// Persistent store.
	envVarRedisURL = "REDIS_URL"

	// Music file staging.
	envVarMusicUploadDir = "MUSIC_UPLOAD_DIR"
)

const (
	DefaultListenAddr      = "127.0.0.1:8000"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultJWTAlgorithm = "HS256"
	DefaultJWTExpire    = 24 * time.Hour

	DefaultWSPingInterval = 30 * time.Second
	DefaultWSPongTimeout  = 60 * time.Second
	// DefaultWSMaxMessageBytes is the transport-level frame cap. Large enough
	// for MP3 payloads staged over the legacy WebSocket upload path.
	DefaultWSMaxMessageBytes = int64(20 * 1024 * 1024)
	// DefaultAppFrameSoftCap is the router-enforced cap for app-sent command
	// frames. Larger payloads must use the HTTP upload endpoint.
	DefaultAppFrameSoftCap = int64(1 * 1024 * 1024)

	DefaultStaleCommandThreshold = 2000 * time.Millisecond
	DefaultRateLimitMax          = 30
	DefaultRateLimitWindow       = 60 * time.Second
	DefaultDiversityThreshold    = 10
	DefaultDiversityWindow       = 10 * time.Second

	DefaultGracePeriod = 600 * time.Second

	DefaultTURNBaseURL = "https://rtc.live.cloudflare.com/v1/turn/keys"
	DefaultTURNTTL     = int64(86400)

	DefaultMusicUploadDir = "/tmp/wimz-uploads"

	DefaultMode Mode = ModeDev
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

// TURNConfig holds the outbound TURN credential provider settings.
type TURNConfig struct {
	BaseURL    string
	KeyID      string
	APIToken   string
	TTLSeconds int64
}

func (c TURNConfig) Enabled() bool {
	return strings.TrimSpace(c.KeyID) != "" && strings.TrimSpace(c.APIToken) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// Shared-secret HMAC for robot devices. AuthLegacyLayouts keeps the
	// pre-standardization signature layouts accepted for old firmware.
	DeviceSecret      string
	AuthLegacyLayouts bool

	JWTSecret    string
	JWTAlgorithm string
	JWTExpire    time.Duration

	WSPingInterval    time.Duration
	WSPongTimeout     time.Duration
	WSMaxMessageBytes int64
	AppFrameSoftCap   int64

	StaleCommandThreshold time.Duration
	RateLimitMax          int
	RateLimitWindow       time.Duration
	DiversityThreshold    int
	DiversityWindow       time.Duration

	GracePeriod time.Duration

	TURN TURNConfig

	// ICEServers is the static fallback used when the TURN provider is not
	// configured (dev setups, on-prem coturn with long-lived credentials).
	ICEServers []webrtc.ICEServer

	RedisURL string

	MusicUploadDir string
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
	deviceSecret := envOrDefault(lookup, envVarDeviceSecret, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	jwtAlgorithm := envOrDefault(lookup, envVarJWTAlgorithm, DefaultJWTAlgorithm)
	redisURL := envOrDefault(lookup, envVarRedisURL, "")
	musicUploadDir := envOrDefault(lookup, envVarMusicUploadDir, DefaultMusicUploadDir)

	authLegacyLayouts := true
	if raw, ok := lookup(envVarAuthLegacyLayouts); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarAuthLegacyLayouts, raw, err)
		}
		authLegacyLayouts = v
	}

	jwtExpire, err := envDurationOrDefault(lookup, envVarJWTExpire, DefaultJWTExpire)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	wsPongTimeout, err := envDurationOrDefault(lookup, envVarWSPongTimeout, DefaultWSPongTimeout)
	if err != nil {
		return Config{}, err
	}
	wsMaxMessageBytes, err := envInt64OrDefault(lookup, envVarWSMaxMessageBytes, DefaultWSMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	appFrameSoftCap, err := envInt64OrDefault(lookup, envVarAppFrameSoftCap, DefaultAppFrameSoftCap)
	if err != nil {
		return Config{}, err
	}

	staleThresholdMS, err := envInt64OrDefault(lookup, envVarStaleCommandThreshold, DefaultStaleCommandThreshold.Milliseconds())
	if err != nil {
		return Config{}, err
	}
	rateLimitMax, err := envIntOrDefault(lookup, envVarRateLimitMax, DefaultRateLimitMax)
	if err != nil {
		return Config{}, err
	}
	rateLimitWindow, err := envDurationOrDefault(lookup, envVarRateLimitWindow, DefaultRateLimitWindow)
	if err != nil {
		return Config{}, err
	}
	diversityThreshold, err := envIntOrDefault(lookup, envVarDiversityThreshold, DefaultDiversityThreshold)
	if err != nil {
		return Config{}, err
	}
	diversityWindow, err := envDurationOrDefault(lookup, envVarDiversityWindow, DefaultDiversityWindow)
	if err != nil {
		return Config{}, err
	}
	gracePeriod, err := envDurationOrDefault(lookup, envVarGracePeriod, DefaultGracePeriod)
	if err != nil {
		return Config{}, err
	}

	turnBaseURL := envOrDefault(lookup, envVarTURNBaseURL, DefaultTURNBaseURL)
	turnKeyID := envOrDefault(lookup, envVarTURNKeyID, "")
	turnAPIToken := envOrDefault(lookup, envVarTURNAPIToken, "")
	turnTTL, err := envInt64OrDefault(lookup, envVarTURNTTL, DefaultTURNTTL)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	fs := flag.NewFlagSet("wimz-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&deviceSecret, "device-secret", deviceSecret, "Shared secret for device HMAC signatures (env "+envVarDeviceSecret+")")
	fs.BoolVar(&authLegacyLayouts, "device-auth-legacy-layouts", authLegacyLayouts, "Accept legacy device signature layouts for old firmware (env "+envVarAuthLegacyLayouts+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "JWT signing key for app bearer tokens (env "+envVarJWTSecret+")")
	fs.StringVar(&jwtAlgorithm, "jwt-algorithm", jwtAlgorithm, "JWT signing algorithm (env "+envVarJWTAlgorithm+")")
	fs.DurationVar(&jwtExpire, "jwt-expire", jwtExpire, "Access token lifetime (env "+envVarJWTExpire+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "WebSocket ping interval (env "+envVarWSPingInterval+")")
	fs.DurationVar(&wsPongTimeout, "ws-pong-timeout", wsPongTimeout, "WebSocket pong wait; generous to survive screen lock (env "+envVarWSPongTimeout+")")
	fs.Int64Var(&wsMaxMessageBytes, "ws-max-message-bytes", wsMaxMessageBytes, "Transport-level max inbound frame size (env "+envVarWSMaxMessageBytes+")")
	fs.Int64Var(&appFrameSoftCap, "app-frame-soft-cap-bytes", appFrameSoftCap, "Router-enforced cap for app command frames (env "+envVarAppFrameSoftCap+")")
	fs.Int64Var(&staleThresholdMS, "stale-command-threshold-ms", staleThresholdMS, "Reject commands older than this many milliseconds (env "+envVarStaleCommandThreshold+")")
	fs.IntVar(&rateLimitMax, "rate-limit-max-commands", rateLimitMax, "Max commands per user per window (env "+envVarRateLimitMax+")")
	fs.DurationVar(&rateLimitWindow, "rate-limit-window", rateLimitWindow, "Command rate-limit window (env "+envVarRateLimitWindow+")")
	fs.IntVar(&diversityThreshold, "rate-limit-diversity-threshold", diversityThreshold, "Distinct command types inside the diversity window that trigger a forensic warning (env "+envVarDiversityThreshold+")")
	fs.DurationVar(&diversityWindow, "rate-limit-diversity-window", diversityWindow, "Command-type diversity window (env "+envVarDiversityWindow+")")
	fs.DurationVar(&gracePeriod, "app-grace-period", gracePeriod, "How long a disconnected app's sessions are preserved for reconnection (env "+envVarGracePeriod+")")
	fs.StringVar(&turnBaseURL, "turn-provider-base-url", turnBaseURL, "TURN credential provider base URL (env "+envVarTURNBaseURL+")")
	fs.StringVar(&turnKeyID, "turn-key-id", turnKeyID, "TURN provider key ID (env "+envVarTURNKeyID+")")
	fs.StringVar(&turnAPIToken, "turn-api-token", turnAPIToken, "TURN provider API token (env "+envVarTURNAPIToken+")")
	fs.Int64Var(&turnTTL, "turn-credential-ttl", turnTTL, "TURN credential TTL seconds (env "+envVarTURNTTL+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "Static ICE server JSON fallback (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated static TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "Static TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "Static TURN credential (env "+envTurnCredential+")")
	fs.StringVar(&redisURL, "redis-url", redisURL, "Redis URL for the persistent store; empty selects the in-memory store (env "+envVarRedisURL+")")
	fs.StringVar(&musicUploadDir, "music-upload-dir", musicUploadDir, "Staging directory for music uploads (env "+envVarMusicUploadDir+")")

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
	if deviceSecret == "" {
		return Config{}, fmt.Errorf("%s must be set", envVarDeviceSecret)
	}
	if jwtSecret == "" {
		return Config{}, fmt.Errorf("%s must be set", envVarJWTSecret)
	}
	switch jwtAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return Config{}, fmt.Errorf("unsupported %s %q (HS256, HS384 or HS512)", envVarJWTAlgorithm, jwtAlgorithm)
	}
	if jwtExpire <= 0 {
		return Config{}, fmt.Errorf("%s/--jwt-expire must be > 0", envVarJWTExpire)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPongTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-pong-timeout must be > 0", envVarWSPongTimeout)
	}
	if wsPingInterval >= wsPongTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-pong-timeout", envVarWSPingInterval, envVarWSPongTimeout)
	}
	if wsMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-max-message-bytes must be > 0", envVarWSMaxMessageBytes)
	}
	if appFrameSoftCap <= 0 {
		return Config{}, fmt.Errorf("%s/--app-frame-soft-cap-bytes must be > 0", envVarAppFrameSoftCap)
	}
	if appFrameSoftCap > wsMaxMessageBytes {
		return Config{}, fmt.Errorf("%s must be <= %s", envVarAppFrameSoftCap, envVarWSMaxMessageBytes)
	}
	if staleThresholdMS <= 0 {
		return Config{}, fmt.Errorf("%s/--stale-command-threshold-ms must be > 0", envVarStaleCommandThreshold)
	}
	if rateLimitMax <= 0 {
		return Config{}, fmt.Errorf("%s/--rate-limit-max-commands must be > 0", envVarRateLimitMax)
	}
	if rateLimitWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--rate-limit-window must be > 0", envVarRateLimitWindow)
	}
	if diversityThreshold <= 0 {
		return Config{}, fmt.Errorf("%s/--rate-limit-diversity-threshold must be > 0", envVarDiversityThreshold)
	}
	if diversityWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--rate-limit-diversity-window must be > 0", envVarDiversityWindow)
	}
	if gracePeriod <= 0 {
		return Config{}, fmt.Errorf("%s/--app-grace-period must be > 0", envVarGracePeriod)
	}
	if turnTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-credential-ttl must be > 0", envVarTURNTTL)
	}
	if musicUploadDir == "" {
		return Config{}, fmt.Errorf("%s/--music-upload-dir must not be empty", envVarMusicUploadDir)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		DeviceSecret:      deviceSecret,
		AuthLegacyLayouts: authLegacyLayouts,

		JWTSecret:    jwtSecret,
		JWTAlgorithm: jwtAlgorithm,
		JWTExpire:    jwtExpire,

		WSPingInterval:    wsPingInterval,
		WSPongTimeout:     wsPongTimeout,
		WSMaxMessageBytes: wsMaxMessageBytes,
		AppFrameSoftCap:   appFrameSoftCap,

		StaleCommandThreshold: time.Duration(staleThresholdMS) * time.Millisecond,
		RateLimitMax:          rateLimitMax,
		RateLimitWindow:       rateLimitWindow,
		DiversityThreshold:    diversityThreshold,
		DiversityWindow:       diversityWindow,

		GracePeriod: gracePeriod,

		TURN: TURNConfig{
			BaseURL:    turnBaseURL,
			KeyID:      turnKeyID,
			APIToken:   turnAPIToken,
			TTLSeconds: turnTTL,
		},

		ICEServers: iceServers,

		RedisURL: redisURL,

		MusicUploadDir: musicUploadDir,
	}, nil
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (text or json)", raw)
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
		return 0, fmt.Errorf("invalid log level %q (debug, info, warn, error)", raw)
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
