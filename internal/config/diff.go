package config

import (
	"reflect"
	"sort"
	"strings"

	logx "clubkeeper/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.AdminChatIDs, newCfg.Telegram.AdminChatIDs) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminChatIDs)),
		)
	}

	// Mongo (never log the URI; it usually embeds credentials)
	if strings.TrimSpace(oldCfg.Mongo.URI) != strings.TrimSpace(newCfg.Mongo.URI) ||
		strings.TrimSpace(oldCfg.Mongo.Database) != strings.TrimSpace(newCfg.Mongo.Database) ||
		strings.TrimSpace(oldCfg.Mongo.ConnectTimeout) != strings.TrimSpace(newCfg.Mongo.ConnectTimeout) {
		changed = append(changed, "mongo")
		attrs = append(attrs,
			logx.String("mongo.database", strings.TrimSpace(newCfg.Mongo.Database)),
			logx.Bool("mongo.uri_set", strings.TrimSpace(newCfg.Mongo.URI) != ""),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Maintenance
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.tick", strings.TrimSpace(newCfg.Maintenance.Tick)),
			logx.Int("maintenance.cadence_overrides", len(newCfg.Maintenance.Cadences)),
		)
	}

	// Backup
	if !reflect.DeepEqual(oldCfg.Backup, newCfg.Backup) {
		changed = append(changed, "backup")
		attrs = append(attrs,
			logx.String("backup.dir", strings.TrimSpace(newCfg.Backup.Dir)),
			logx.Int("backup.retention_days", newCfg.Backup.RetentionDays),
		)
	}

	// Security (never log the secret)
	if (strings.TrimSpace(oldCfg.Security.Secret) != "") != (strings.TrimSpace(newCfg.Security.Secret) != "") ||
		oldCfg.Security.MessagesPerMinute != newCfg.Security.MessagesPerMinute ||
		oldCfg.Security.CallbacksPerMinute != newCfg.Security.CallbacksPerMinute ||
		oldCfg.Security.StrikeThreshold != newCfg.Security.StrikeThreshold ||
		strings.TrimSpace(oldCfg.Security.StrikeWindow) != strings.TrimSpace(newCfg.Security.StrikeWindow) ||
		strings.TrimSpace(oldCfg.Security.BlockDuration) != strings.TrimSpace(newCfg.Security.BlockDuration) {
		changed = append(changed, "security")
		attrs = append(attrs,
			logx.Int("security.messages_per_minute", newCfg.Security.MessagesPerMinute),
			logx.Int("security.callbacks_per_minute", newCfg.Security.CallbacksPerMinute),
			logx.Bool("security.secret_set", strings.TrimSpace(newCfg.Security.Secret) != ""),
		)
	}

	// Health
	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.String("health.check_timeout", strings.TrimSpace(newCfg.Health.CheckTimeout)),
			logx.String("health.ranking_url", strings.TrimSpace(newCfg.Health.RankingURL)),
		)
	}

	// Notifier. Section may be nil (omitted); treat nil as runtime defaults.
	defN := &NotifierConfig{
		Enabled:       true,
		Workers:       2,
		QueueSize:     256,
		RatePerSec:    3,
		RetryMax:      3,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
	}
	oldN := oldCfg.Notifier
	newN := newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
