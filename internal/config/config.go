package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the Taxline webhook server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir          string
	HTTPPort         int
	LogLevel         string
	LogFormat        string // log output format: "text" or "json"
	Environment      string // "development" or "production"
	PublicBaseURL    string // externally visible base URL, used when forwarded headers are absent
	CarrierAccountID string // carrier account SID, used for media fetch auth
	CarrierAuthToken string // shared secret for webhook signature verification and API auth
	CarrierNumber    string // practice phone number in E.164, used as outbound caller id
	RateLimitMax     int    // webhook requests allowed per IP per window
	RateLimitWindow  int    // rate limit window length in seconds
	PresenceSecret   string // HMAC secret for staff presence JWT tokens
	ReminderHour     int    // local hour of day (0-23) the reminder scheduler fires
	TimeZone         string // IANA time zone for the reminder schedule and tax-year boundaries
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultEnvironment     = "development"
	defaultRateLimitMax    = 60
	defaultRateLimitWindow = 60
	defaultReminderHour    = 9
	defaultTimeZone        = "America/New_York"
)

// envPrefix is the prefix for all Taxline environment variables.
const envPrefix = "TAXLINE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("taxline", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and media storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.Environment, "environment", defaultEnvironment, "deployment environment (development, production)")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", "", "externally visible base URL (e.g. https://app.example.com)")
	fs.StringVar(&cfg.CarrierAccountID, "carrier-account-id", "", "carrier account SID for media fetch authentication")
	fs.StringVar(&cfg.CarrierAuthToken, "carrier-auth-token", "", "carrier auth token used to verify webhook signatures")
	fs.StringVar(&cfg.CarrierNumber, "carrier-number", "", "practice phone number in E.164 used as outbound caller id")
	fs.IntVar(&cfg.RateLimitMax, "rate-limit-max", defaultRateLimitMax, "webhook requests allowed per source IP per window")
	fs.IntVar(&cfg.RateLimitWindow, "rate-limit-window", defaultRateLimitWindow, "rate limit window length in seconds")
	fs.StringVar(&cfg.PresenceSecret, "presence-secret", "", "HMAC secret for staff presence JWT tokens")
	fs.IntVar(&cfg.ReminderHour, "reminder-hour", defaultReminderHour, "local hour of day (0-23) the daily reminder run fires")
	fs.StringVar(&cfg.TimeZone, "time-zone", defaultTimeZone, "IANA time zone for scheduling")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":           envPrefix + "DATA_DIR",
		"http-port":          envPrefix + "HTTP_PORT",
		"log-level":          envPrefix + "LOG_LEVEL",
		"log-format":         envPrefix + "LOG_FORMAT",
		"environment":        envPrefix + "ENVIRONMENT",
		"public-base-url":    envPrefix + "PUBLIC_BASE_URL",
		"carrier-account-id": envPrefix + "CARRIER_ACCOUNT_ID",
		"carrier-auth-token": envPrefix + "CARRIER_AUTH_TOKEN",
		"carrier-number":     envPrefix + "CARRIER_NUMBER",
		"rate-limit-max":     envPrefix + "RATE_LIMIT_MAX",
		"rate-limit-window":  envPrefix + "RATE_LIMIT_WINDOW",
		"presence-secret":    envPrefix + "PRESENCE_SECRET",
		"reminder-hour":      envPrefix + "REMINDER_HOUR",
		"time-zone":          envPrefix + "TIME_ZONE",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "environment":
			cfg.Environment = val
		case "public-base-url":
			cfg.PublicBaseURL = val
		case "carrier-account-id":
			cfg.CarrierAccountID = val
		case "carrier-auth-token":
			cfg.CarrierAuthToken = val
		case "carrier-number":
			cfg.CarrierNumber = val
		case "rate-limit-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RateLimitMax = v
			}
		case "rate-limit-window":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RateLimitWindow = v
			}
		case "presence-secret":
			cfg.PresenceSecret = val
		case "reminder-hour":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ReminderHour = v
			}
		case "time-zone":
			cfg.TimeZone = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validEnvs := map[string]bool{"development": true, "production": true}
	if !validEnvs[strings.ToLower(c.Environment)] {
		return fmt.Errorf("environment must be one of development, production; got %q", c.Environment)
	}
	c.Environment = strings.ToLower(c.Environment)

	// Without a signature secret the verifier fails closed in production,
	// which would reject every carrier webhook. Catch it at startup instead.
	if c.Environment == "production" && c.CarrierAuthToken == "" {
		return fmt.Errorf("carrier-auth-token is required in production")
	}

	if c.RateLimitMax < 1 {
		return fmt.Errorf("rate-limit-max must be at least 1, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow < 1 {
		return fmt.Errorf("rate-limit-window must be at least 1 second, got %d", c.RateLimitWindow)
	}
	if c.ReminderHour < 0 || c.ReminderHour > 23 {
		return fmt.Errorf("reminder-hour must be between 0 and 23, got %d", c.ReminderHour)
	}

	if _, err := loadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("time-zone: %w", err)
	}

	return nil
}

// Production reports whether the deployment is marked production.
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// Location returns the configured IANA time zone. validate() has already
// confirmed it loads, so errors here fall back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := loadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
