package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// ProviderConfig holds automation provider settings.
type ProviderConfig struct {
	BaseURL      string
	APIKey       string
	DemoFallback bool
}

// OrchestratorConfig holds the default scheduler settings applied when the
// start request does not override them.
type OrchestratorConfig struct {
	MaxConcurrentProfiles int
	TargetURL             string
	DeviceTypes           []string
	ProfileRotationDelay  time.Duration
	TaskDurationMin       time.Duration
	TaskDurationMax       time.Duration
	AutoDelete            bool
	InstantRecycle        bool
	ProxyRotation         bool
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Provider     ProviderConfig
	Orchestrator OrchestratorConfig
	Bark         BarkConfig

	StateDir       string
	LogLevel       string
	EventRetention time.Duration
	ShutdownGrace  time.Duration
	Mode           string
}

const (
	defaultAddr           = "0.0.0.0:7080"
	defaultLogLevel       = "info"
	defaultProviderURL    = "http://127.0.0.1:50325"
	defaultEventRetention = 72 * time.Hour
	defaultShutdownGrace  = 5 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse() (*Config, error) {
	// .env is optional; check cwd then the user config directory.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "browserfarm", ".env"))
	}
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("BROWSERFARM_ADDR", defaultAddr),
			AuthToken: getEnvString("BROWSERFARM_AUTH_TOKEN", ""),
		},
		Provider: ProviderConfig{
			BaseURL:      getEnvString("BROWSERFARM_PROVIDER_URL", defaultProviderURL),
			APIKey:       getEnvString("BROWSERFARM_PROVIDER_API_KEY", ""),
			DemoFallback: getEnvBool("BROWSERFARM_DEMO_FALLBACK", true),
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentProfiles: getEnvInt("BROWSERFARM_MAX_CONCURRENT", 3),
			TargetURL:             getEnvString("BROWSERFARM_TARGET_URL", ""),
			DeviceTypes:           splitList(getEnvString("BROWSERFARM_DEVICE_TYPES", "desktop,maclike,mobile")),
			ProfileRotationDelay:  getEnvDuration("BROWSERFARM_ROTATION_DELAY", 3*time.Second),
			TaskDurationMin:       getEnvDuration("BROWSERFARM_TASK_DURATION_MIN", 60*time.Second),
			TaskDurationMax:       getEnvDuration("BROWSERFARM_TASK_DURATION_MAX", 180*time.Second),
			AutoDelete:            getEnvBool("BROWSERFARM_AUTO_DELETE", true),
			InstantRecycle:        getEnvBool("BROWSERFARM_INSTANT_RECYCLE", true),
			ProxyRotation:         getEnvBool("BROWSERFARM_PROXY_ROTATION", true),
		},
		Bark: BarkConfig{
			URL:     getEnvString("BROWSERFARM_BARK_URL", ""),
			Enabled: getEnvBool("BROWSERFARM_BARK_ENABLED", false),
		},
		StateDir:       getEnvString("BROWSERFARM_STATE_DIR", ""),
		LogLevel:       getEnvString("BROWSERFARM_LOG_LEVEL", defaultLogLevel),
		EventRetention: getEnvDuration("BROWSERFARM_EVENT_RETENTION", defaultEventRetention),
		ShutdownGrace:  getEnvDuration("BROWSERFARM_SHUTDOWN_GRACE", defaultShutdownGrace),
		Mode:           getEnvString("BROWSERFARM_MODE", "http"),
	}

	var addr, logLevel, stateDir, providerURL, mode string
	var shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&stateDir, "state-dir", "", "Directory to store the database")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&providerURL, "provider-url", "", "Automation provider base URL")
	flag.StringVar(&mode, "mode", "", "Run mode: http, mcp or both")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if providerURL != "" {
		cfg.Provider.BaseURL = providerURL
	}
	if mode != "" {
		cfg.Mode = mode
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "shutdown-grace" {
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}

	return cfg, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "browserfarm")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
