package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration-typed config field. Empty means unset
// and yields zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for an unset field.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Days converts a whole-day config count (retention_days, inactive_days) to
// a Duration.
func Days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// Validate checks structural invariants that hold for every run mode.
// Mode-specific requirements (telegram token for bot mode, security secret)
// are checked by the caller.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Mongo.URI) == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	if strings.TrimSpace(c.Mongo.Database) == "" {
		return fmt.Errorf("mongo.database is required")
	}
	if _, err := ParseDurationField("mongo.connect_timeout", c.Mongo.ConnectTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("maintenance.tick", c.Maintenance.Tick); err != nil {
		return err
	}
	if _, err := ParseDurationField("backup.dump_timeout", c.Backup.DumpTimeout); err != nil {
		return err
	}
	if c.Backup.RetentionDays < 0 {
		return fmt.Errorf("backup.retention_days must be >= 0")
	}
	if _, err := ParseDurationField("security.strike_window", c.Security.StrikeWindow); err != nil {
		return err
	}
	if _, err := ParseDurationField("security.block_duration", c.Security.BlockDuration); err != nil {
		return err
	}
	if c.Security.MessagesPerMinute < 0 || c.Security.CallbacksPerMinute < 0 {
		return fmt.Errorf("security rate limits must be >= 0")
	}
	if _, err := ParseDurationField("health.check_timeout", c.Health.CheckTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("health.degraded_latency", c.Health.DegradedLatency); err != nil {
		return err
	}
	if n := c.Notifier; n != nil {
		if _, err := ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
			return err
		}
		if _, err := ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
			return err
		}
	}
	return nil
}
