package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clubkeeper/internal/notifier"
	"clubkeeper/internal/storage"
	logx "clubkeeper/pkg/logx"
)

// ErrDuplicateJob rejects registering two jobs under the same name.
// This is a wiring bug and should be fatal at startup.
var ErrDuplicateJob = errors.New("job already registered")

// Job is one unit of periodic upkeep.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Recorder persists per-run outcomes. *storage.Client satisfies it.
type Recorder interface {
	AppendMaintenanceLog(ctx context.Context, e storage.MaintenanceLogEntry) error
}

type Alerter interface {
	Notify(ctx context.Context, a notifier.Alert) error
}

type Config struct {
	// Tick is how often the scheduler checks for due jobs. Default 1m.
	Tick time.Duration
}

type entry struct {
	job Job
	cad Cadence

	next       time.Time
	lastRun    time.Time
	lastStatus string
}

// Scheduler runs registered jobs on their cadences, one at a time, in
// registration order. A slow or failing job delays the others but never
// overlaps them.
type Scheduler struct {
	cfg    Config
	rec    Recorder
	alerts Alerter
	log    logx.Logger

	mu      sync.Mutex
	entries []*entry
	names   map[string]struct{}
}

func NewScheduler(cfg Config, rec Recorder, alerts Alerter, log logx.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{cfg: cfg, rec: rec, alerts: alerts, log: log, names: map[string]struct{}{}}
}

func (s *Scheduler) Register(j Job, c Cadence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.names[j.Name()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.Name())
	}
	s.names[j.Name()] = struct{}{}
	s.entries = append(s.entries, &entry{job: j, cad: c})
	return nil
}

// Start runs the tick loop until ctx is cancelled. The first tick seeds
// every job's next-fire time; nothing runs before its first scheduled slot.
// Cancellation waits out the job currently running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.RunDue(ctx, time.Now())

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.RunDue(ctx, now)
		}
	}
}

// RunDue executes every job whose fire time has arrived, sequentially, in
// registration order.
//
// Rescheduling is drift-free: the next fire is one cadence past the PRIOR
// fire time, not past completion. When firings were missed (process down,
// jobs backed up), the job runs once and the schedule fast-forwards past
// now instead of replaying each missed slot.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	entries := make([]*entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		if e.next.IsZero() {
			e.next = e.cad.Next(now)
			s.mu.Unlock()
			continue
		}
		if now.Before(e.next) {
			s.mu.Unlock()
			continue
		}
		prev := e.next
		s.mu.Unlock()

		s.runOne(ctx, e, now)

		next := e.cad.Next(prev)
		if !next.After(now) {
			next = e.cad.Next(now)
		}
		s.mu.Lock()
		e.next = next
		s.mu.Unlock()
	}
}

// RunAll runs every registered job once, regardless of schedule. Used by the
// one-shot maintenance CLI mode. Failures do not stop the remaining jobs;
// the combined error is returned.
func (s *Scheduler) RunAll(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := s.runOne(ctx, e, time.Now()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.job.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runOne(ctx context.Context, e *entry, now time.Time) error {
	started := time.Now()
	s.log.Info("maintenance job starting", logx.String("job", e.job.Name()))

	err := guardedRun(ctx, e.job)
	took := time.Since(started)

	status := "ok"
	if err != nil {
		status = "failed"
	}
	s.mu.Lock()
	e.lastRun = started
	e.lastStatus = status
	s.mu.Unlock()

	logEntry := storage.MaintenanceLogEntry{
		Job:       e.job.Name(),
		StartedAt: started.UTC(),
		Took:      took,
		Status:    status,
	}
	if err != nil {
		logEntry.Error = err.Error()
	}
	if s.rec != nil {
		if lerr := s.rec.AppendMaintenanceLog(ctx, logEntry); lerr != nil {
			s.log.Warn("maintenance log append failed", logx.String("job", e.job.Name()), logx.Err(lerr))
		}
	}

	if err != nil {
		s.log.Error("maintenance job failed",
			logx.String("job", e.job.Name()),
			logx.Duration("took", took),
			logx.Err(err),
		)
		if s.alerts != nil {
			_ = s.alerts.Notify(ctx, notifier.Alert{
				Title:    fmt.Sprintf("Maintenance job %s failed", e.job.Name()),
				Body:     err.Error(),
				Severity: notifier.SeverityWarning,
			})
		}
		return err
	}

	s.log.Info("maintenance job done",
		logx.String("job", e.job.Name()),
		logx.Duration("took", took),
	)
	return nil
}

// guardedRun contains a panicking job so one bad run cannot take the
// scheduler down.
func guardedRun(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.Run(ctx)
}

// JobStatus is a snapshot row for status reporting.
type JobStatus struct {
	Name       string
	Cadence    string
	Next       time.Time
	LastRun    time.Time
	LastStatus string
}

// Statuses returns a snapshot of every registered job in registration order.
func (s *Scheduler) Statuses() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, JobStatus{
			Name:       e.job.Name(),
			Cadence:    e.cad.String(),
			Next:       e.next,
			LastRun:    e.lastRun,
			LastStatus: e.lastStatus,
		})
	}
	return out
}
