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

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	// PublicURL is the externally reachable base used in screenshot links.
	PublicURL string
	RateLimit float64
	RateBurst int
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// RunnerConfig holds settings of the remote automation-execution service.
type RunnerConfig struct {
	BaseURL          string
	Timeout          time.Duration
	SettingsFile     string
	BreakerFailures  int
	BreakerOpenDelay time.Duration
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// TelegramConfig holds Telegram Bot API settings.
type TelegramConfig struct {
	Token       string
	DefaultChat string
	Enabled     bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark     BarkConfig
	Telegram TelegramConfig
}

// HousekeepingConfig holds the cleanup schedule.
type HousekeepingConfig struct {
	Cron    string
	Enabled bool
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Runner       RunnerConfig
	Notification NotificationConfig
	Housekeeping HousekeepingConfig

	StateDir        string
	ActionsFile     string
	Mode            string
	UseUTC          bool
	ResumeRecurring bool
	ShutdownGrace   time.Duration
}

const (
	envPrefix = "ACTIONRUNNER_"

	defaultAddr             = "0.0.0.0:7070"
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultMode             = "http"
	defaultRunnerURL        = "https://instance.checkout.am"
	defaultRunnerTimeout    = 30 * time.Second
	defaultBreakerFailures  = 5
	defaultBreakerOpenDelay = 30 * time.Second
	defaultHousekeepingCron = "0 0 * * *"
	defaultRateLimit        = 10
	defaultRateBurst        = 20
	defaultShutdownGrace    = 5 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse() (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "actionrunner", ".env"))
	}
	_ = godotenv.Load(envFiles...) // file is optional

	return ParseArgs(os.Args[1:])
}

// ParseArgs builds the config from the environment and the given arguments.
func ParseArgs(args []string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("ADDR", defaultAddr),
			AuthToken: getEnvString("AUTH_TOKEN", ""),
			PublicURL: getEnvString("PUBLIC_URL", ""),
			RateLimit: getEnvFloat("RATE_LIMIT", defaultRateLimit),
			RateBurst: getEnvInt("RATE_BURST", defaultRateBurst),
		},
		Log: LogConfig{
			Level:  getEnvString("LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("LOG_FORMAT", defaultLogFormat),
		},
		Runner: RunnerConfig{
			BaseURL:          getEnvString("RUNNER_URL", defaultRunnerURL),
			Timeout:          getEnvDuration("RUNNER_TIMEOUT", defaultRunnerTimeout),
			SettingsFile:     getEnvString("RUNNER_SETTINGS_FILE", ""),
			BreakerFailures:  getEnvInt("RUNNER_BREAKER_FAILURES", defaultBreakerFailures),
			BreakerOpenDelay: getEnvDuration("RUNNER_BREAKER_OPEN_DELAY", defaultBreakerOpenDelay),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("BARK_URL", ""),
				Enabled: getEnvBool("BARK_ENABLED", false),
			},
			Telegram: TelegramConfig{
				Token:       getEnvString("TELEGRAM_BOT_TOKEN", ""),
				DefaultChat: getEnvString("TELEGRAM_DEFAULT_CHAT", ""),
				Enabled:     getEnvBool("TELEGRAM_ENABLED", false),
			},
		},
		Housekeeping: HousekeepingConfig{
			Cron:    getEnvString("HOUSEKEEPING_CRON", defaultHousekeepingCron),
			Enabled: getEnvBool("HOUSEKEEPING_ENABLED", true),
		},
		StateDir:        getEnvString("STATE_DIR", ""),
		ActionsFile:     getEnvString("ACTIONS_FILE", ""),
		Mode:            getEnvString("MODE", defaultMode),
		UseUTC:          getEnvBool("USE_UTC", false),
		ResumeRecurring: getEnvBool("RESUME_RECURRING", false),
		ShutdownGrace:   getEnvDuration("SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("actionrunnerd", flag.ContinueOnError)
	var addr, logLevel, stateDir, mode, actionsFile, runnerURL string
	var useUTC, resume bool
	var shutdownGrace time.Duration

	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store the database and screenshots")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&mode, "mode", "", "Run mode: http, mcp or both")
	fs.StringVar(&actionsFile, "actions", "", "YAML file of action templates to upsert at startup")
	fs.StringVar(&runnerURL, "runner-url", "", "Base URL of the remote automation service")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for maintenance cron evaluation instead of system local time")
	fs.BoolVar(&resume, "resume-recurring", false, "Re-register recurrence timers for interval actions at startup")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if actionsFile != "" {
		cfg.ActionsFile = actionsFile
	}
	if runnerURL != "" {
		cfg.Runner.BaseURL = runnerURL
	}
	// For bool flags, check if explicitly set via Visit
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "resume-recurring":
			cfg.ResumeRecurring = resume
		case "shutdown-grace":
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be corrected silently.
func (c *Config) Validate() error {
	switch c.Mode {
	case "http", "mcp", "both":
	default:
		return fmt.Errorf("invalid mode %q (valid: http, mcp, both)", c.Mode)
	}
	if c.Runner.Timeout <= 0 {
		return fmt.Errorf("runner timeout must be positive")
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		return fmt.Errorf("bark is enabled but %sBARK_URL is empty", envPrefix)
	}
	if c.Notification.Telegram.Enabled && c.Notification.Telegram.Token == "" {
		return fmt.Errorf("telegram is enabled but %sTELEGRAM_BOT_TOKEN is empty", envPrefix)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}

// ScreenshotDir is where note artifacts are written.
func (c *Config) ScreenshotDir() string {
	return filepath.Join(c.StateDir, "screenshots")
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "actionrunner")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
