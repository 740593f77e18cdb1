// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the broker's process configuration
// from the environment only (no config file is read), and hands back a
// single immutable *Config. Nothing in the broker reads
// the environment directly after Load returns.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/demo-session-broker/pkg/errors"
)

// Mode is the broker's runtime environment.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
	ModeTest        Mode = "test"
)

// Platform is a third-party SaaS integration the spawned session may
// be configured against. The core never interprets the credential
// values themselves; it only serializes them into the session env file.
type Platform string

const (
	PlatformConfluence Platform = "confluence"
	PlatformJira       Platform = "jira"
	PlatformSplunk     Platform = "splunk"
)

var knownPlatforms = map[Platform]bool{
	PlatformConfluence: true,
	PlatformJira:       true,
	PlatformSplunk:     true,
}

// Config is the broker's fully validated, immutable configuration.
type Config struct {
	// Server
	ListenPort     int
	StoreURL       string
	BaseURL        string
	Mode           Mode
	AllowedOrigins []string

	// Session
	SessionTimeoutMinutes int
	MaxQueueSize          int
	SessionSecret         string
	SessionEnvHostPath    string
	CookieSecure          bool
	DisconnectGraceMS     int
	AverageSessionMinutes int

	// Rate limits
	ConnectionRateWindowMS int
	ConnectionRateMax      int
	InviteRateWindowMS     int
	InviteRateMax          int

	// Auth
	ClaudeOAuthToken string
	AnthropicAPIKey  string

	// Platforms
	EnabledPlatforms []Platform
	// PlatformCredentials[platform][field] -> opaque value, e.g.
	// PlatformCredentials["jira"]["TOKEN"].
	PlatformCredentials map[Platform]map[string]string

	ContainerImage string
	ScenariosPath  string
}

// Load reads configuration from the process environment (env vars are
// bound with underscores, e.g. LISTEN_PORT, SESSION_TIMEOUT_MINUTES)
// and returns a validated Config, or a *errors.Error{Type: ErrInvalidConfig}.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetDefault("LISTEN_PORT", 8080)
	v.SetDefault("STORE_URL", "redis://localhost:6379/0")
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("ENVIRONMENT", string(ModeDevelopment))
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("SESSION_TIMEOUT_MINUTES", 60)
	v.SetDefault("MAX_QUEUE_SIZE", 10)
	v.SetDefault("SESSION_ENV_HOST_PATH", "/var/run/demo-broker/sessions")
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("DISCONNECT_GRACE_MS", 10000)
	v.SetDefault("AVERAGE_SESSION_MINUTES", 15)
	v.SetDefault("CONNECTION_RATE_WINDOW_MS", 60000)
	v.SetDefault("CONNECTION_RATE_MAX", 30)
	v.SetDefault("INVITE_RATE_WINDOW_MS", 60000)
	v.SetDefault("INVITE_RATE_MAX", 5)
	v.SetDefault("ENABLED_PLATFORMS", "")
	v.SetDefault("CONTAINER_IMAGE", "")
	v.SetDefault("SCENARIOS_PATH", "")

	cfg := &Config{
		ListenPort:             v.GetInt("LISTEN_PORT"),
		StoreURL:               v.GetString("STORE_URL"),
		BaseURL:                v.GetString("BASE_URL"),
		Mode:                   Mode(v.GetString("ENVIRONMENT")),
		AllowedOrigins:         splitCSV(v.GetString("ALLOWED_ORIGINS")),
		SessionTimeoutMinutes:  v.GetInt("SESSION_TIMEOUT_MINUTES"),
		MaxQueueSize:           v.GetInt("MAX_QUEUE_SIZE"),
		SessionSecret:          v.GetString("SESSION_SECRET"),
		SessionEnvHostPath:     v.GetString("SESSION_ENV_HOST_PATH"),
		CookieSecure:           v.GetBool("COOKIE_SECURE"),
		DisconnectGraceMS:      v.GetInt("DISCONNECT_GRACE_MS"),
		AverageSessionMinutes:  v.GetInt("AVERAGE_SESSION_MINUTES"),
		ConnectionRateWindowMS: v.GetInt("CONNECTION_RATE_WINDOW_MS"),
		ConnectionRateMax:      v.GetInt("CONNECTION_RATE_MAX"),
		InviteRateWindowMS:     v.GetInt("INVITE_RATE_WINDOW_MS"),
		InviteRateMax:          v.GetInt("INVITE_RATE_MAX"),
		ClaudeOAuthToken:       v.GetString("CLAUDE_OAUTH_TOKEN"),
		AnthropicAPIKey:        v.GetString("ANTHROPIC_API_KEY"),
		ContainerImage:         v.GetString("CONTAINER_IMAGE"),
		ScenariosPath:          v.GetString("SCENARIOS_PATH"),
	}

	for _, p := range splitCSV(v.GetString("ENABLED_PLATFORMS")) {
		cfg.EnabledPlatforms = append(cfg.EnabledPlatforms, Platform(p))
	}
	cfg.PlatformCredentials = loadPlatformCredentials(v, cfg.EnabledPlatforms)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPlatformCredentials reads opaque <PLATFORM>_<FIELD> triples for
// each enabled platform. The core never parses these values; they are
// copied verbatim into the session env file.
func loadPlatformCredentials(v *viper.Viper, platforms []Platform) map[Platform]map[string]string {
	fields := []string{"BASE_URL", "USERNAME", "TOKEN"}
	out := make(map[Platform]map[string]string, len(platforms))
	for _, p := range platforms {
		creds := make(map[string]string, len(fields))
		for _, f := range fields {
			key := strings.ToUpper(string(p)) + "_" + f
			if val := v.GetString(key); val != "" {
				creds[f] = val
			}
		}
		out[p] = creds
	}
	return out
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func invalid(msg string) error {
	return errors.New(errors.ErrInvalidConfig, msg, nil)
}

// validate enforces the constraints spec.md's EXTERNAL INTERFACES
// section lists for each configuration option. Any violation is a
// startup-fatal ERR_INVALID_CONFIG.
func (c *Config) validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return invalid(fmt.Sprintf("listen port %d out of range", c.ListenPort))
	}
	switch c.Mode {
	case ModeDevelopment, ModeProduction, ModeTest:
	default:
		return invalid(fmt.Sprintf("unknown environment mode %q", c.Mode))
	}
	if c.SessionTimeoutMinutes < 1 || c.SessionTimeoutMinutes > 1440 {
		return invalid(fmt.Sprintf("session timeout minutes %d out of range [1,1440]", c.SessionTimeoutMinutes))
	}
	if c.MaxQueueSize < 1 || c.MaxQueueSize > 100 {
		return invalid(fmt.Sprintf("max queue size %d out of range [1,100]", c.MaxQueueSize))
	}
	if c.SessionSecret == "" {
		return invalid("session secret must not be empty")
	}
	if c.SessionEnvHostPath == "" {
		return invalid("session env host path must not be empty")
	}
	if c.ConnectionRateWindowMS <= 0 || c.ConnectionRateMax <= 0 {
		return invalid("connection rate limit window/max must be positive")
	}
	if c.InviteRateWindowMS <= 0 || c.InviteRateMax <= 0 {
		return invalid("invite rate limit window/max must be positive")
	}
	if c.ClaudeOAuthToken == "" && c.AnthropicAPIKey == "" {
		return invalid("either CLAUDE_OAUTH_TOKEN or ANTHROPIC_API_KEY must be set")
	}
	if len(c.EnabledPlatforms) == 0 {
		return invalid("no valid platforms enabled")
	}
	for _, p := range c.EnabledPlatforms {
		if !knownPlatforms[p] {
			return invalid(fmt.Sprintf("unknown platform %q", p))
		}
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return invalid(fmt.Sprintf("malformed base URL %q", c.BaseURL))
	}
	return nil
}

// SessionTimeout is SessionTimeoutMinutes as a time.Duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// DisconnectGrace is DisconnectGraceMS as a time.Duration.
func (c *Config) DisconnectGrace() time.Duration {
	return time.Duration(c.DisconnectGraceMS) * time.Millisecond
}

// ConnectionRateWindow is ConnectionRateWindowMS as a time.Duration.
func (c *Config) ConnectionRateWindow() time.Duration {
	return time.Duration(c.ConnectionRateWindowMS) * time.Millisecond
}

// InviteRateWindow is InviteRateWindowMS as a time.Duration.
func (c *Config) InviteRateWindow() time.Duration {
	return time.Duration(c.InviteRateWindowMS) * time.Millisecond
}
