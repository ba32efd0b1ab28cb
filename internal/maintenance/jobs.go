package maintenance

import (
	"context"
	"fmt"
	"time"

	"clubkeeper/internal/notifier"
	"clubkeeper/internal/storage"
	kit "clubkeeper/internal/transport"
	logx "clubkeeper/pkg/logx"
)

// Job names, used for cadence overrides in config and in the maintenance log.
const (
	JobBackup              = "backup"
	JobArchiveEvents       = "archive_events"
	JobExpireSubscriptions = "expire_subscriptions"
	JobHealthBasic         = "health_basic"
	JobHealthComprehensive = "health_comprehensive"
	JobSweepBlocks         = "sweep_blocks"
	JobEnsureIndexes       = "ensure_indexes"
)

// archiveAfter is how old an event must be before the archive job moves it.
const archiveAfter = 90 * 24 * time.Hour

type backupRunner interface {
	Backup(ctx context.Context) (*storage.BackupArtifact, error)
	Cleanup(ctx context.Context, now time.Time) (int, error)
}

type backupJob struct {
	run backupRunner
	log logx.Logger
}

// NewBackupJob produces an archive and, only after a successful backup,
// prunes artifacts past retention.
func NewBackupJob(run backupRunner, log logx.Logger) Job {
	return &backupJob{run: run, log: log}
}

func (j *backupJob) Name() string { return JobBackup }

func (j *backupJob) Run(ctx context.Context) error {
	if _, err := j.run.Backup(ctx); err != nil {
		return err
	}
	removed, err := j.run.Cleanup(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("retention cleanup: %w", err)
	}
	if removed > 0 {
		j.log.Info("retention cleanup removed backups", logx.Int("removed", removed))
	}
	return nil
}

type archiveStore interface {
	ArchiveEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type archiveJob struct {
	store archiveStore
	log   logx.Logger
}

// NewArchiveJob moves events older than 90 days into the archive collection.
func NewArchiveJob(store archiveStore, log logx.Logger) Job {
	return &archiveJob{store: store, log: log}
}

func (j *archiveJob) Name() string { return JobArchiveEvents }

func (j *archiveJob) Run(ctx context.Context) error {
	n, err := j.store.ArchiveEventsBefore(ctx, time.Now().Add(-archiveAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info("events archived", logx.Int64("count", n))
	}
	return nil
}

type expiryStore interface {
	ExpireSubscriptionsDue(ctx context.Context, now time.Time) ([]storage.Subscription, error)
}

type textSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type expiryJob struct {
	store  expiryStore
	send   textSender
	alerts Alerter
	log    logx.Logger
}

// NewExpiryJob expires lapsed mentor subscriptions, notifies both parties
// best-effort and posts an admin summary.
func NewExpiryJob(store expiryStore, send textSender, alerts Alerter, log logx.Logger) Job {
	return &expiryJob{store: store, send: send, alerts: alerts, log: log}
}

func (j *expiryJob) Name() string { return JobExpireSubscriptions }

func (j *expiryJob) Run(ctx context.Context) error {
	expired, err := j.store.ExpireSubscriptionsDue(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	// Participant notifications are best-effort: users block bots, chats
	// disappear. Failures are logged, never fatal.
	for _, sub := range expired {
		j.tell(ctx, sub.MenteeID, "Your mentor subscription has ended. Renew any time via /subscribe.")
		j.tell(ctx, sub.MentorID, fmt.Sprintf("A mentee subscription (id %s) has ended.", sub.ID))
	}

	j.log.Info("subscriptions expired", logx.Int("count", len(expired)))
	if j.alerts != nil {
		_ = j.alerts.Notify(ctx, notifier.Alert{
			Title:    "Subscriptions expired",
			Body:     fmt.Sprintf("%d subscriptions moved to expired.", len(expired)),
			Severity: notifier.SeverityInfo,
		})
	}
	return nil
}

func (j *expiryJob) tell(ctx context.Context, userID int64, text string) {
	if j.send == nil || userID == 0 {
		return
	}
	if _, err := j.send.SendText(ctx, kit.ChatTarget{ChatID: userID}, text, nil); err != nil {
		j.log.Debug("expiry notification not delivered", logx.Int64("user_id", userID), logx.Err(err))
	}
}

type healthRunner interface {
	Run(ctx context.Context, level string) (storage.HealthReport, error)
}

type healthJob struct {
	prober healthRunner
	level  string
	name   string
}

// NewHealthJob runs one probe at the given level. The prober handles its own
// persistence and alerting; a scheduler-level failure means the probe itself
// could not run.
func NewHealthJob(prober healthRunner, level string) Job {
	name := JobHealthBasic
	if level != "basic" {
		name = JobHealthComprehensive
	}
	return &healthJob{prober: prober, level: level, name: name}
}

func (j *healthJob) Name() string { return j.name }

func (j *healthJob) Run(ctx context.Context) error {
	_, err := j.prober.Run(ctx, j.level)
	return err
}

type blockSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

type blockSweepJob struct {
	guard blockSweeper
	log   logx.Logger
}

// NewBlockSweepJob removes lapsed temporary blocks.
func NewBlockSweepJob(guard blockSweeper, log logx.Logger) Job {
	return &blockSweepJob{guard: guard, log: log}
}

func (j *blockSweepJob) Name() string { return JobSweepBlocks }

func (j *blockSweepJob) Run(ctx context.Context) error {
	n, err := j.guard.SweepExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info("expired blocks swept", logx.Int64("count", n))
	}
	return nil
}

type indexEnsurer interface {
	EnsureIndexes(ctx context.Context) error
}

type indexJob struct {
	store indexEnsurer
}

// NewIndexJob re-asserts the collection indexes. Creation is idempotent.
func NewIndexJob(store indexEnsurer) Job {
	return &indexJob{store: store}
}

func (j *indexJob) Name() string { return JobEnsureIndexes }

func (j *indexJob) Run(ctx context.Context) error {
	return j.store.EnsureIndexes(ctx)
}
