package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Mongo    MongoConfig    `json:"mongo"`
	Logging  LoggingConfig  `json:"logging"`

	// Maintenance controls the periodic job scheduler.
	Maintenance MaintenanceConfig `json:"maintenance"`

	Backup   BackupConfig    `json:"backup"`
	Security SecurityConfig  `json:"security"`
	Health   HealthConfig    `json:"health"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminChatIDs receive alerts and may issue /block, /unblock, /security_status.
	AdminChatIDs []int64 `json:"admin_chat_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type MongoConfig struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
	// ConnectTimeout is a Go duration string. Default "10s".
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MaintenanceConfig controls the job scheduler.
//
// Cadence strings accept "every:<duration>", "daily:HH:MM" or
// "weekly:<weekday>:HH:MM". Omitted jobs keep their built-in cadence.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// Tick is a Go duration string controlling how often due jobs are checked.
	// Default "1m".
	Tick string `json:"tick,omitempty"`
	// Timezone for daily/weekly cadences. Default local.
	Timezone string `json:"timezone,omitempty"`
	// Cadences overrides per-job cadences by job name
	// (backup, archive_events, expire_subscriptions, health_basic,
	// health_comprehensive, sweep_blocks, ensure_indexes).
	Cadences map[string]string `json:"cadences,omitempty"`
}

type BackupConfig struct {
	// Dir is where archives are written. Default "./backups".
	Dir string `json:"dir"`
	// RetentionDays: archives older than this are removed by cleanup. Default 30.
	RetentionDays int `json:"retention_days,omitempty"`
	// DumpTimeout bounds a single mongodump/mongorestore run. Default "10m".
	DumpTimeout string `json:"dump_timeout,omitempty"`
	// MongodumpPath / MongorestorePath override the binaries looked up on PATH.
	MongodumpPath    string `json:"mongodump_path,omitempty"`
	MongorestorePath string `json:"mongorestore_path,omitempty"`
}

// SecurityConfig controls the rate limiter and abuse guard.
type SecurityConfig struct {
	// Secret signs callback payloads (HMAC-SHA256). Required when the bot
	// mode is used; health/maintenance modes run without it.
	Secret string `json:"secret"`
	// MessagesPerMinute / CallbacksPerMinute are per-user limits. Defaults 30 / 20.
	MessagesPerMinute  int `json:"messages_per_minute,omitempty"`
	CallbacksPerMinute int `json:"callbacks_per_minute,omitempty"`
	// StrikeThreshold suspicious inputs within StrikeWindow trigger an
	// automatic temporary block of BlockDuration. Defaults: 3, "24h", "24h".
	StrikeThreshold int    `json:"strike_threshold,omitempty"`
	StrikeWindow    string `json:"strike_window,omitempty"`
	BlockDuration   string `json:"block_duration,omitempty"`
}

type HealthConfig struct {
	// CheckTimeout bounds each individual check. Default "10s".
	CheckTimeout string `json:"check_timeout,omitempty"`
	// DegradedLatency: a passing check slower than this reports degraded. Default "2s".
	DegradedLatency string `json:"degraded_latency,omitempty"`
	// RankingURL is the OGS base URL. Default "https://online-go.com".
	RankingURL string `json:"ranking_url,omitempty"`
	// InactiveDays: users without activity for this many days are counted. Default 30.
	InactiveDays int `json:"inactive_days,omitempty"`
}

// NotifierConfig controls the async alert pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}
