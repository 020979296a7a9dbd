package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the relay.
type Config struct {
	// CDP discovery settings
	CDPAddress       string
	CDPPorts         []int
	AppFilter        string
	DiscoveryTimeout time.Duration

	// Session settings
	MaxConnectAttempts int
	RetryDelay         time.Duration
	CallTimeout        time.Duration
	InitWaitAttempts   int
	InitWaitInterval   time.Duration

	// Polling settings
	PollInterval     time.Duration
	CaptureTimeout   time.Duration
	FailureThreshold int

	// HTTP bind settings
	BindAddr         string
	BindCandidates   []string
	BindAutoFallback bool

	// Logging settings
	LogLevel string
	LogFile  string

	// Upload retention settings
	UploadDir      string
	UploadMaxCount int
	UploadMaxAge   time.Duration

	// Probe script configuration file, empty means built-in defaults.
	ProbeConfigPath string

	// NTFY endpoint for operator alerts, empty disables notifications.
	NotifyEndpoint string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("RELAY_CDP_ADDRESS", "127.0.0.1"),
		CDPPorts:         getEnvIntListOrDefault("RELAY_CDP_PORTS", []int{9220, 9222}),
		AppFilter:        getEnvOrDefault("RELAY_APP_FILTER", "tradingview"),
		DiscoveryTimeout: getEnvMillisOrDefault("RELAY_DISCOVERY_TIMEOUT_MS", 2000),

		MaxConnectAttempts: getEnvIntOrDefault("RELAY_MAX_CONNECT_ATTEMPTS", 60),
		RetryDelay:         getEnvMillisOrDefault("RELAY_RETRY_DELAY_MS", 1000),
		CallTimeout:        getEnvMillisOrDefault("RELAY_CALL_TIMEOUT_MS", 5000),
		InitWaitAttempts:   getEnvIntOrDefault("RELAY_INIT_WAIT_ATTEMPTS", 10),
		InitWaitInterval:   getEnvMillisOrDefault("RELAY_INIT_WAIT_INTERVAL_MS", 200),

		PollInterval:     getEnvMillisOrDefault("RELAY_POLL_INTERVAL_MS", 3000),
		CaptureTimeout:   getEnvMillisOrDefault("RELAY_CAPTURE_TIMEOUT_MS", 5000),
		FailureThreshold: getEnvIntOrDefault("RELAY_FAILURE_THRESHOLD", 5),

		BindAddr: getEnvOrDefault("RELAY_BIND_ADDR", "127.0.0.1:8188"),
		BindCandidates: getEnvListOrDefault("RELAY_BIND_CANDIDATES", []string{
			"127.0.0.1:8188", "127.0.0.1:8189", "127.0.0.1:8190",
		}),
		BindAutoFallback: getEnvBoolOrDefault("RELAY_BIND_AUTO_FALLBACK", true),

		LogLevel: strings.ToLower(getEnvOrDefault("RELAY_LOG_LEVEL", "info")),
		LogFile:  getEnvOrDefault("RELAY_LOG_FILE", "logs/tv_relay.log"),

		UploadDir:      getEnvOrDefault("RELAY_UPLOAD_DIR", "./uploads"),
		UploadMaxCount: getEnvIntOrDefault("RELAY_UPLOAD_MAX_COUNT", 100),
		UploadMaxAge:   time.Duration(getEnvIntOrDefault("RELAY_UPLOAD_MAX_AGE_HOURS", 24)) * time.Hour,

		ProbeConfigPath: getEnvOrDefault("RELAY_PROBE_CONFIG", ""),
		NotifyEndpoint:  getEnvOrDefault("RELAY_NOTIFY_ENDPOINT", ""),
	}

	if cfg.MaxConnectAttempts < 1 {
		cfg.MaxConnectAttempts = 1
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.PollInterval < 500*time.Millisecond {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.CallTimeout < time.Second {
		cfg.CallTimeout = time.Second
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvMillisOrDefault(key string, defaultMS int) time.Duration {
	return time.Duration(getEnvIntOrDefault(key, defaultMS)) * time.Millisecond
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

// getEnvIntListOrDefault parses a comma separated list of ports, preserving order.
func getEnvIntListOrDefault(key string, defaultVal []int) []int {
	var out []int
	for _, part := range getEnvListOrDefault(key, nil) {
		if i, err := strconv.Atoi(part); err == nil {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
