package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Server
	Port       string
	SocketPath string

	// Redis (optional; absent = single-node mode with an embedded store)
	RedisURL string

	// TURN credential minting (optional; absent = STUN-only)
	GameTurnURL     string
	GameTurnSecret  string
	VideoTurnURL    string
	VideoTurnSecret string

	// Admin shared secret for the server-admin handshake
	ServerKey string

	// Identity provider (profile/stats backend + token issuer)
	FirebaseProjectID string
	ProfileServiceURL string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate limits (ulule/limiter formatted, e.g. "100-M")
	RateLimitWsIP     string
	RateLimitJoinUser string
}

// RedisEnabled reports whether a shared Redis backend is configured.
// Without it the broker runs single-node: the cross-replica lease and
// socket fan-out degrade to the lone replica.
func (c *Config) RedisEnabled() bool { return c.RedisURL != "" }

// ValidateEnv validates all recognized environment variables and returns a
// Config object. Returns an error listing every violation if any required
// variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Optional: PORT (defaults to 8080, must be a valid port when set)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Optional: SOCKET_IO_PATH (transport path prefix)
	cfg.SocketPath = getEnvOrDefault("SOCKET_IO_PATH", "/ws")
	if !strings.HasPrefix(cfg.SocketPath, "/") {
		errors = append(errors, fmt.Sprintf("SOCKET_IO_PATH must start with '/' (got '%s')", cfg.SocketPath))
	}

	// Optional: REDIS_URL
	cfg.RedisURL = os.Getenv("REDIS_URL")

	// TURN endpoints: a URL without its shared secret is a fatal
	// misconfiguration (credentials could never be minted for it).
	cfg.GameTurnURL = os.Getenv("GAME_TURN_URL")
	cfg.GameTurnSecret = os.Getenv("GAME_TURN_SECRET")
	if cfg.GameTurnURL != "" && cfg.GameTurnSecret == "" {
		errors = append(errors, "GAME_TURN_SECRET is required when GAME_TURN_URL is set")
	}
	cfg.VideoTurnURL = os.Getenv("VIDEO_TURN_URL")
	cfg.VideoTurnSecret = os.Getenv("VIDEO_TURN_SECRET")
	if cfg.VideoTurnURL != "" && cfg.VideoTurnSecret == "" {
		errors = append(errors, "VIDEO_TURN_SECRET is required when VIDEO_TURN_URL is set")
	}

	// Admin shared secret; without it admin handshakes are refused.
	cfg.ServerKey = os.Getenv("MATCHMAKING_SERVER_KEY")
	if cfg.ServerKey != "" && len(cfg.ServerKey) < 16 {
		errors = append(errors, fmt.Sprintf("MATCHMAKING_SERVER_KEY must be at least 16 characters (got %d)", len(cfg.ServerKey)))
	}

	cfg.FirebaseProjectID = os.Getenv("FIREBASE_PROJECT_ID")
	cfg.ProfileServiceURL = os.Getenv("PROFILE_SERVICE_URL")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitJoinUser = getEnvOrDefault("RATE_LIMIT_JOIN_USER", "30-M")

	if !cfg.SkipAuth && cfg.FirebaseProjectID == "" && !cfg.DevelopmentMode {
		errors = append(errors, "FIREBASE_PROJECT_ID is required when SKIP_AUTH=false")
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated",
		"port", cfg.Port,
		"socket_path", cfg.SocketPath,
		"redis_enabled", cfg.RedisEnabled(),
		"game_turn", cfg.GameTurnURL != "",
		"video_turn", cfg.VideoTurnURL != "",
		"server_key", redactSecret(cfg.ServerKey),
		"firebase_project", cfg.FirebaseProjectID,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 4 characters
func redactSecret(secret string) string {
	if secret == "" {
		return "(unset)"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}
