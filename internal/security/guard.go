package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clubkeeper/internal/notifier"
	"clubkeeper/internal/storage"
	logx "clubkeeper/pkg/logx"
)

// Actions the guard rate-limits.
const (
	ActionMessage  = "message"
	ActionCallback = "callback"
)

// Security event types.
const (
	EventRateLimited = "rate_limited"
	EventSuspicious  = "suspicious_message"
	EventBlocked     = "blocked"
	EventUnblocked   = "unblocked"
)

// BlockedBySystem marks automatic blocks in block records.
const BlockedBySystem = "system"

const rateWindow = time.Minute

type Config struct {
	Secret string
	// AdminIDs may call AdminBlock / AdminUnblock.
	AdminIDs []int64

	// MessagesPerMinute / CallbacksPerMinute are per-user limits.
	// Defaults: 30 and 20.
	MessagesPerMinute  int
	CallbacksPerMinute int

	// StrikeThreshold suspicious inputs within StrikeWindow trigger an
	// automatic block of BlockDuration. Defaults: 3, 24h, 24h.
	StrikeThreshold int
	StrikeWindow    time.Duration
	BlockDuration   time.Duration
}

func (c *Config) setDefaults() {
	if c.MessagesPerMinute <= 0 {
		c.MessagesPerMinute = 30
	}
	if c.CallbacksPerMinute <= 0 {
		c.CallbacksPerMinute = 20
	}
	if c.StrikeThreshold <= 0 {
		c.StrikeThreshold = 3
	}
	if c.StrikeWindow <= 0 {
		c.StrikeWindow = 24 * time.Hour
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = 24 * time.Hour
	}
}

// Store is the persistence surface the guard needs.
type Store interface {
	GetCounter(ctx context.Context, userID int64, action string) (storage.ActivityCounter, bool, error)
	SaveCounter(ctx context.Context, cnt storage.ActivityCounter) error
	GetBlock(ctx context.Context, userID int64) (storage.BlockRecord, bool, error)
	PutBlock(ctx context.Context, b storage.BlockRecord) error
	DeleteBlock(ctx context.Context, userID int64) (bool, error)
	DeleteExpiredBlocks(ctx context.Context, now time.Time) (int64, error)
	CountBlocks(ctx context.Context) (int64, error)
	AppendSecurityEvent(ctx context.Context, ev storage.SecurityEvent) error
	CountSecurityEvents(ctx context.Context, userID int64, typ string, since time.Time) (int64, error)
	TouchActivity(ctx context.Context, userID int64, at time.Time) error
}

// Alerter is the slice of the notifier the guard uses.
type Alerter interface {
	Notify(ctx context.Context, a notifier.Alert) error
}

// Guard enforces per-user rate limits and blocks abusive users.
//
// All checks run inline on the update path, so every method does at most a
// handful of indexed store operations.
type Guard struct {
	mu  sync.RWMutex
	cfg Config

	store  Store
	alerts Alerter
	log    logx.Logger
}

func NewGuard(cfg Config, store Store, alerts Alerter, log logx.Logger) *Guard {
	cfg.setDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Guard{cfg: cfg, store: store, alerts: alerts, log: log}
}

// Apply swaps limits at runtime (config reload).
func (g *Guard) Apply(cfg Config) {
	cfg.setDefaults()
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

func (g *Guard) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

func (g *Guard) limitFor(action string) int {
	cfg := g.config()
	if action == ActionCallback {
		return cfg.CallbacksPerMinute
	}
	return cfg.MessagesPerMinute
}

// CheckAndRecord admits or rejects one action.
//
// Order matters: a blocked user is rejected before any counter is touched,
// so blocked traffic cannot roll or inflate rate windows.
func (g *Guard) CheckAndRecord(ctx context.Context, userID int64, action string, now time.Time) error {
	b, exists, err := g.store.GetBlock(ctx, userID)
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if exists && b.Active(now) {
		return fmt.Errorf("%w: %s", ErrBlocked, b.Reason)
	}
	// An expired temporary block admits the user; the hourly sweep deletes
	// the stale record.

	cnt, found, err := g.store.GetCounter(ctx, userID, action)
	if err != nil {
		return fmt.Errorf("get counter: %w", err)
	}
	if !found || !now.Before(cnt.WindowStart.Add(rateWindow)) {
		cnt = storage.ActivityCounter{
			Key:         storage.CounterKey(userID, action),
			UserID:      userID,
			Action:      action,
			Count:       0,
			WindowStart: now,
		}
	}
	cnt.Count++
	if err := g.store.SaveCounter(ctx, cnt); err != nil {
		return fmt.Errorf("save counter: %w", err)
	}

	limit := g.limitFor(action)
	if cnt.Count > limit {
		_ = g.store.AppendSecurityEvent(ctx, storage.SecurityEvent{
			UserID: userID, Type: EventRateLimited, Detail: action, At: now,
		})
		// Alert only on the first crossing of twice the limit; casual bursts
		// stay out of the admin chat.
		if cnt.Count == 2*limit+1 && g.alerts != nil {
			_ = g.alerts.Notify(ctx, notifier.Alert{
				Title:    "Rate limit abuse",
				Body:     fmt.Sprintf("User %d sent %d %ss in a minute (limit %d).", userID, cnt.Count, action, limit),
				Severity: notifier.SeverityWarning,
			})
		}
		return fmt.Errorf("%w: %d %ss in window (limit %d)", ErrRateLimited, cnt.Count, action, limit)
	}

	// Activity tracking is best-effort; a failed touch never rejects the action.
	if err := g.store.TouchActivity(ctx, userID, now); err != nil {
		g.log.Debug("touch activity failed", logx.Int64("user_id", userID), logx.Err(err))
	}
	return nil
}

// FlagSuspicious scans free-form input for attack patterns; matches count as
// a strike and reject the input.
func (g *Guard) FlagSuspicious(ctx context.Context, userID int64, payload string, now time.Time) error {
	if !Suspicious(payload) {
		return nil
	}
	return g.strike(ctx, userID, "attack pattern in input", now)
}

// CheckSignedPayload verifies an HMAC-signed callback payload. A bad
// signature is a forgery attempt and counts as a strike.
func (g *Guard) CheckSignedPayload(ctx context.Context, userID int64, data, sig string, now time.Time) error {
	cfg := g.config()
	if !VerifySignature(cfg.Secret, data, sig) {
		return g.strike(ctx, userID, "bad payload signature", now)
	}
	if Suspicious(data) {
		return g.strike(ctx, userID, "attack pattern in callback", now)
	}
	return nil
}

// strike records the suspicious event and auto-blocks on the exact threshold
// crossing, so three strikes produce exactly one block and one alert.
func (g *Guard) strike(ctx context.Context, userID int64, detail string, now time.Time) error {
	cfg := g.config()

	if err := g.store.AppendSecurityEvent(ctx, storage.SecurityEvent{
		UserID: userID, Type: EventSuspicious, Detail: detail, At: now,
	}); err != nil {
		g.log.Warn("record strike failed", logx.Int64("user_id", userID), logx.Err(err))
		return fmt.Errorf("%w: %s", ErrInvalidInput, detail)
	}

	n, err := g.store.CountSecurityEvents(ctx, userID, EventSuspicious, now.Add(-cfg.StrikeWindow))
	if err != nil {
		g.log.Warn("count strikes failed", logx.Int64("user_id", userID), logx.Err(err))
		return fmt.Errorf("%w: %s", ErrInvalidInput, detail)
	}

	if int(n) == cfg.StrikeThreshold {
		expiry := now.Add(cfg.BlockDuration)
		err := g.store.PutBlock(ctx, storage.BlockRecord{
			UserID:    userID,
			Reason:    fmt.Sprintf("%d suspicious inputs within %s", cfg.StrikeThreshold, cfg.StrikeWindow),
			BlockedAt: now,
			BlockedBy: BlockedBySystem,
			Expiry:    &expiry,
		})
		if err != nil {
			g.log.Error("auto-block failed", logx.Int64("user_id", userID), logx.Err(err))
		} else {
			_ = g.store.AppendSecurityEvent(ctx, storage.SecurityEvent{
				UserID: userID, Type: EventBlocked, Detail: "auto", At: now,
			})
			g.log.Warn("user auto-blocked",
				logx.Int64("user_id", userID),
				logx.Duration("duration", cfg.BlockDuration),
			)
			if g.alerts != nil {
				_ = g.alerts.Notify(ctx, notifier.Alert{
					Title:    "User auto-blocked",
					Body:     fmt.Sprintf("User %d blocked for %s after %d suspicious inputs.", userID, cfg.BlockDuration, cfg.StrikeThreshold),
					Severity: notifier.SeverityCritical,
				})
			}
		}
	}

	return fmt.Errorf("%w: %s", ErrInvalidInput, detail)
}

// IsAdmin reports whether the user may run admin commands.
func (g *Guard) IsAdmin(userID int64) bool {
	cfg := g.config()
	for _, id := range cfg.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// AdminBlock blocks a user. duration <= 0 means permanent.
func (g *Guard) AdminBlock(ctx context.Context, adminID, userID int64, duration time.Duration, reason string, now time.Time) error {
	if !g.IsAdmin(adminID) {
		return ErrNotAdmin
	}
	b := storage.BlockRecord{
		UserID:    userID,
		Reason:    reason,
		BlockedAt: now,
		BlockedBy: fmt.Sprintf("%d", adminID),
	}
	if duration > 0 {
		expiry := now.Add(duration)
		b.Expiry = &expiry
	}
	if err := g.store.PutBlock(ctx, b); err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	_ = g.store.AppendSecurityEvent(ctx, storage.SecurityEvent{
		UserID: userID, Type: EventBlocked, Detail: fmt.Sprintf("by admin %d", adminID), At: now,
	})
	g.log.Info("user blocked",
		logx.Int64("user_id", userID),
		logx.Int64("admin_id", adminID),
		logx.Bool("permanent", b.Expiry == nil),
	)
	return nil
}

// AdminUnblock removes a block regardless of expiry, permanent included.
func (g *Guard) AdminUnblock(ctx context.Context, adminID, userID int64, now time.Time) error {
	if !g.IsAdmin(adminID) {
		return ErrNotAdmin
	}
	existed, err := g.store.DeleteBlock(ctx, userID)
	if err != nil {
		return fmt.Errorf("unblock user: %w", err)
	}
	if !existed {
		return nil
	}
	_ = g.store.AppendSecurityEvent(ctx, storage.SecurityEvent{
		UserID: userID, Type: EventUnblocked, Detail: fmt.Sprintf("by admin %d", adminID), At: now,
	})
	g.log.Info("user unblocked", logx.Int64("user_id", userID), logx.Int64("admin_id", adminID))
	return nil
}

// SweepExpired deletes lapsed temporary blocks. Runs hourly.
func (g *Guard) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := g.store.DeleteExpiredBlocks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired blocks: %w", err)
	}
	if n > 0 {
		g.log.Info("expired blocks removed", logx.Int64("count", n))
	}
	return n, nil
}

// Status summarizes guard activity for /security_status.
type Status struct {
	BlockedUsers   int64
	Suspicious24h  int64
	RateLimited24h int64
}

func (g *Guard) Status(ctx context.Context, now time.Time) (Status, error) {
	var st Status
	var err error
	if st.BlockedUsers, err = g.store.CountBlocks(ctx); err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	since := now.Add(-24 * time.Hour)
	if st.Suspicious24h, err = g.store.CountSecurityEvents(ctx, 0, EventSuspicious, since); err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	if st.RateLimited24h, err = g.store.CountSecurityEvents(ctx, 0, EventRateLimited, since); err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	return st, nil
}
