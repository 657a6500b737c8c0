package config

import (
	"encoding/json"
	"os"
)

// Settings is the `settings` block of accounts.json. All fields are
// optional; zero values fall back to the package constants.
type Settings struct {
	RequestThrottlingEnabled *bool  `json:"requestThrottlingEnabled,omitempty"`
	RequestDelayMs           *int   `json:"requestDelayMs,omitempty"`
	ShaperMinDelayMs         *int   `json:"shaperMinDelayMs,omitempty"`
	ShaperJitterMs           *int   `json:"shaperJitterMs,omitempty"`
	TelemetryIntervalMs      *int   `json:"telemetryIntervalMs,omitempty"`
	TelemetryJitterMs        *int   `json:"telemetryJitterMs,omitempty"`
	ActiveSessionWindowMs    *int   `json:"activeSessionWindowMs,omitempty"`
	RedisAddr                string `json:"redisAddr,omitempty"`
	RedisPassword            string `json:"redisPassword,omitempty"`
	RedisDB                  int    `json:"redisDB,omitempty"`
	APIKey                   string `json:"apiKey,omitempty"`
}

// Config is the resolved runtime configuration. It is built once at startup
// from the settings block plus environment overrides and then passed by
// reference to every component.
type Config struct {
	ThrottlingEnabled     bool
	RequestDelayMs        int
	ShaperMinDelayMs      int
	ShaperJitterMs        int
	TelemetryIntervalMs   int
	TelemetryJitterMs     int
	ActiveSessionWindowMs int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	APIKey  string
	DevMode bool
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	return &Config{
		ThrottlingEnabled:     true,
		RequestDelayMs:        DefaultRequestDelayMs,
		ShaperMinDelayMs:      DefaultShaperMinDelayMs,
		ShaperJitterMs:        DefaultShaperJitterMs,
		TelemetryIntervalMs:   TelemetryIntervalMs,
		TelemetryJitterMs:     TelemetryIntervalJitterMs,
		ActiveSessionWindowMs: ActiveSessionWindowMs,
	}
}

// ApplySettings overlays a settings block onto the config.
func (c *Config) ApplySettings(s *Settings) {
	if s == nil {
		return
	}
	if s.RequestThrottlingEnabled != nil {
		c.ThrottlingEnabled = *s.RequestThrottlingEnabled
	}
	if s.RequestDelayMs != nil {
		c.RequestDelayMs = *s.RequestDelayMs
	}
	if s.ShaperMinDelayMs != nil {
		c.ShaperMinDelayMs = *s.ShaperMinDelayMs
	}
	if s.ShaperJitterMs != nil {
		c.ShaperJitterMs = *s.ShaperJitterMs
	}
	if s.TelemetryIntervalMs != nil {
		c.TelemetryIntervalMs = *s.TelemetryIntervalMs
	}
	if s.TelemetryJitterMs != nil {
		c.TelemetryJitterMs = *s.TelemetryJitterMs
	}
	if s.ActiveSessionWindowMs != nil {
		c.ActiveSessionWindowMs = *s.ActiveSessionWindowMs
	}
	if s.RedisAddr != "" {
		c.RedisAddr = s.RedisAddr
	}
	if s.RedisPassword != "" {
		c.RedisPassword = s.RedisPassword
	}
	if s.RedisDB != 0 {
		c.RedisDB = s.RedisDB
	}
	if s.APIKey != "" {
		c.APIKey = s.APIKey
	}
}

// ApplyEnv overlays environment variable overrides onto the config.
func (c *Config) ApplyEnv() {
	c.ThrottlingEnabled = envBool("REQUEST_THROTTLING_ENABLED", c.ThrottlingEnabled)
	c.RequestDelayMs = envInt("REQUEST_DELAY_MS", c.RequestDelayMs)
	c.ShaperMinDelayMs = envInt("SHAPER_MIN_DELAY_MS", c.ShaperMinDelayMs)
	c.ShaperJitterMs = envInt("SHAPER_JITTER_MS", c.ShaperJitterMs)
	c.TelemetryIntervalMs = envInt("TELEMETRY_INTERVAL_MS", c.TelemetryIntervalMs)
	c.TelemetryJitterMs = envInt("TELEMETRY_JITTER_MS", c.TelemetryJitterMs)
	c.ActiveSessionWindowMs = envInt("ACTIVE_SESSION_WINDOW_MS", c.ActiveSessionWindowMs)
	c.RedisAddr = envString("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envString("REDIS_PASSWORD", c.RedisPassword)
	c.APIKey = envString("API_KEY", c.APIKey)
}

// Load reads the settings block from the accounts file (if present) and
// applies environment overrides on top.
func (c *Config) Load() error {
	raw, err := os.ReadFile(AccountConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			c.ApplyEnv()
			return nil
		}
		return err
	}

	var file struct {
		Settings *Settings `json:"settings,omitempty"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return err
	}

	c.ApplySettings(file.Settings)
	c.ApplyEnv()
	return nil
}
