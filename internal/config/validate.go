package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult splits problems into fatals, which must stop startup,
// and warnings, which were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// ValidateTiered checks the config. Unsafe numeric values are clamped in
// place and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	warn := func(format string, args ...any) {
		r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
	}
	fatal := func(format string, args ...any) {
		r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
	}

	c.PollIntervalSeconds = clamp(c.PollIntervalSeconds, 1, 3600, "poll_interval_seconds", warn)

	// The heartbeat must finish before the next tick is due.
	if c.HeartbeatTimeoutSeconds < 1 {
		warn("heartbeat_timeout_seconds %d is below minimum 1, clamping", c.HeartbeatTimeoutSeconds)
		c.HeartbeatTimeoutSeconds = 1
	}
	if c.PollIntervalSeconds > 1 && c.HeartbeatTimeoutSeconds >= c.PollIntervalSeconds {
		warn("heartbeat_timeout_seconds %d must be below poll_interval_seconds %d, clamping",
			c.HeartbeatTimeoutSeconds, c.PollIntervalSeconds)
		c.HeartbeatTimeoutSeconds = c.PollIntervalSeconds - 1
	}

	c.HelperTimeoutSeconds = clamp(c.HelperTimeoutSeconds, 1, 60, "helper_timeout_seconds", warn)
	c.HelperAttempts = clamp(c.HelperAttempts, 1, 10, "helper_attempts", warn)
	c.HelperBackoffMs = clamp(c.HelperBackoffMs, 0, 10000, "helper_backoff_ms", warn)
	c.LogMaxSizeMB = clamp(c.LogMaxSizeMB, 1, 1024, "log_max_size_mb", warn)
	c.LogMaxBackups = clamp(c.LogMaxBackups, 0, 50, "log_max_backups", warn)
	c.AuditMaxSizeMB = clamp(c.AuditMaxSizeMB, 1, 1024, "audit_max_size_mb", warn)
	c.AuditMaxBackups = clamp(c.AuditMaxBackups, 1, 50, "audit_max_backups", warn)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.EventLogMinLevel != "" && !validLogLevels[strings.ToLower(c.EventLogMinLevel)] {
		warn("event_log_min_level %q is not valid (use debug, info, warn, error)", c.EventLogMinLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}

	switch strings.ToLower(c.StateBackend) {
	case "registry", "file":
	default:
		fatal("state_backend %q is not valid (use registry or file)", c.StateBackend)
	}
	if strings.EqualFold(c.StateBackend, "file") && c.StateFile == "" {
		fatal("state_file is required when state_backend is file")
	}
	if c.HelperPath != "" && !filepath.IsAbs(c.HelperPath) {
		fatal("helper_path %q must be absolute", c.HelperPath)
	}
	if c.AuditEnabled && c.AuditFile == "" {
		warn("audit_enabled is set but audit_file is empty, audit disabled")
		c.AuditEnabled = false
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			fatal("timezone %q is not a known IANA zone: %w", c.Timezone, err)
		}
	}
	return r
}

// Validate returns every problem found, fatals first.
func (c *Config) Validate() []error {
	return c.ValidateTiered().AllErrors()
}

func clamp(v, lo, hi int, key string, warn func(string, ...any)) int {
	if v < lo {
		warn("%s %d is below minimum %d, clamping", key, v, lo)
		return lo
	}
	if v > hi {
		warn("%s %d exceeds maximum %d, clamping", key, v, hi)
		return hi
	}
	return v
}

// Location resolves Timezone, falling back to the host zone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// PollInterval is the enforcement tick period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// HeartbeatTimeout bounds a single device fetch.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// HelperTimeout bounds the wait for the lock helper.
func (c *Config) HelperTimeout() time.Duration {
	return time.Duration(c.HelperTimeoutSeconds) * time.Second
}

// HelperBackoff is the pause between the helper's lock attempts.
func (c *Config) HelperBackoff() time.Duration {
	return time.Duration(c.HelperBackoffMs) * time.Millisecond
}

// ValidateServerAddress checks a control-plane base URL given to configure.
func ValidateServerAddress(addr string) error {
	u, err := url.Parse(strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("server address %q is not a valid URL: %w", addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server address scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("server address %q has no host", addr)
	}
	return nil
}

// ValidateDeviceID checks a device id given to configure is a UUID.
func ValidateDeviceID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("device id %q is not a valid UUID: %w", id, err)
	}
	return nil
}
