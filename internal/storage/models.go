package storage

import "time"

// Collection names. Keep in sync with EnsureIndexes.
const (
	ColUsers           = "users"
	ColEvents          = "events"
	ColArchivedEvents  = "archived_events"
	ColMatches         = "matches"
	ColSubscriptions   = "subscriptions"
	ColRateLimits      = "rate_limits"
	ColBlockedUsers    = "blocked_users"
	ColSecurityEvents  = "security_events"
	ColHealthLogs      = "health_logs"
	ColMaintenanceLogs = "maintenance_logs"
	ColBackupArtifacts = "backup_artifacts"
)

// ActivityCounter is a per-user, per-action sliding request counter.
// Key is "<user_id>:<action>".
type ActivityCounter struct {
	Key         string    `bson:"_id"`
	UserID      int64     `bson:"user_id"`
	Action      string    `bson:"action"`
	Count       int       `bson:"count"`
	WindowStart time.Time `bson:"window_start"`
}

// BlockRecord marks a user as blocked. Expiry nil means permanent.
type BlockRecord struct {
	UserID    int64      `bson:"_id"`
	Reason    string     `bson:"reason"`
	BlockedAt time.Time  `bson:"blocked_at"`
	BlockedBy string     `bson:"blocked_by"` // "system" or admin user id
	Expiry    *time.Time `bson:"expiry,omitempty"`
}

// Active reports whether the block is in force at t.
func (b BlockRecord) Active(t time.Time) bool {
	return b.Expiry == nil || b.Expiry.After(t)
}

// SecurityEvent is an append-only audit record. Type is one of
// "rate_limited", "suspicious_message", "blocked", "unblocked".
type SecurityEvent struct {
	UserID int64     `bson:"user_id"`
	Type   string    `bson:"type"`
	Detail string    `bson:"detail,omitempty"`
	At     time.Time `bson:"at"`
}

// Subscription links a mentee to a mentor for a paid period.
type Subscription struct {
	ID       string    `bson:"_id,omitempty"`
	MentorID int64     `bson:"mentor_id"`
	MenteeID int64     `bson:"mentee_id"`
	Status   string    `bson:"status"` // active | expired | cancelled
	EndDate  time.Time `bson:"end_date"`
}

// ClubEvent is a scheduled club gathering.
type ClubEvent struct {
	ID        string    `bson:"_id,omitempty"`
	Title     string    `bson:"title"`
	DateTime  time.Time `bson:"date_time"`
	Location  string    `bson:"location"`
	CreatedBy int64     `bson:"created_by"`
}

// User is the subset of the member record maintenance cares about.
type User struct {
	TelegramID   int64     `bson:"telegram_id"`
	OGSUsername  string    `bson:"ogs_username,omitempty"`
	Rank         string    `bson:"rank,omitempty"`
	IsMentor     bool      `bson:"is_mentor,omitempty"`
	LastActivity time.Time `bson:"last_activity,omitempty"`
}

// CheckResult is one health check outcome.
type CheckResult struct {
	Name      string        `bson:"name"`
	Status    string        `bson:"status"` // ok | degraded | failed
	LatencyMS int64         `bson:"latency_ms"`
	Message   string        `bson:"message,omitempty"`
	Latency   time.Duration `bson:"-"`
}

// HealthReport is a persisted probe run.
type HealthReport struct {
	Timestamp time.Time     `bson:"timestamp"`
	Level     string        `bson:"level"` // basic | comprehensive
	Overall   string        `bson:"overall"`
	Results   []CheckResult `bson:"results"`
}

// MaintenanceLogEntry records one scheduled job run.
type MaintenanceLogEntry struct {
	Job       string        `bson:"job"`
	StartedAt time.Time     `bson:"timestamp"`
	Took      time.Duration `bson:"took_ms"`
	Status    string        `bson:"status"` // ok | failed
	Error     string        `bson:"error,omitempty"`
}

// BackupArtifact is a registry entry for one produced archive.
type BackupArtifact struct {
	Path            string    `bson:"_id"`
	CreatedAt       time.Time `bson:"created_at"`
	SizeBytes       int64     `bson:"size_bytes"`
	Checksum        string    `bson:"checksum"` // hex sha256 of the archive
	RetentionExpiry time.Time `bson:"retention_expiry"`
}
