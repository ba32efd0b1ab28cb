package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clubkeeper/internal/notifier"
	"clubkeeper/internal/storage"
	kit "clubkeeper/internal/transport"
	logx "clubkeeper/pkg/logx"
)

// Probe levels. Basic covers the two services the bot cannot run without;
// comprehensive adds the ranking API, the data checks and a resource sample.
const (
	LevelBasic         = "basic"
	LevelComprehensive = "comprehensive"
)

// Check statuses, worst wins for the overall verdict.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// ParseLevel validates a CLI-provided level string.
func ParseLevel(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", LevelBasic:
		return LevelBasic, nil
	case LevelComprehensive:
		return LevelComprehensive, nil
	default:
		return "", fmt.Errorf("unknown health level %q", s)
	}
}

// Messenger is the slice of the transport adapter the prober needs.
type Messenger interface {
	GetMe(ctx context.Context) (kit.BotIdentity, error)
}

// Ranker is the slice of the OGS client the prober needs.
type Ranker interface {
	Check(ctx context.Context) error
}

// Store covers the storage operations the checks read, plus report persistence.
type Store interface {
	Ping(ctx context.Context) error
	UpcomingEvents(ctx context.Context, now time.Time, window time.Duration) ([]storage.ClubEvent, error)
	CountInactiveUsers(ctx context.Context, cutoff time.Time) (int64, error)
	AppendHealthReport(ctx context.Context, r storage.HealthReport) error
}

type Alerter interface {
	Notify(ctx context.Context, a notifier.Alert) error
}

type Config struct {
	// CheckTimeout bounds one individual check. Default 10s.
	CheckTimeout time.Duration
	// DegradedLatency marks a succeeding check degraded when it takes
	// longer than this. Default 2s.
	DegradedLatency time.Duration
	// EventWindow is how far ahead the integrity check inspects events.
	// Default 7 days.
	EventWindow time.Duration
	// InactiveAfter is the idle cutoff for the inactive-user scan.
	// Default 30 days.
	InactiveAfter time.Duration
	// MaxGoroutines and MaxHeapBytes bound the resource check.
	// Defaults 2000 and 512MB.
	MaxGoroutines int
	MaxHeapBytes  uint64
	// DiskPath is the volume the resource check inspects for free space,
	// normally the backup directory. Empty skips the disk sample.
	DiskPath string
}

func (c *Config) setDefaults() {
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 10 * time.Second
	}
	if c.DegradedLatency <= 0 {
		c.DegradedLatency = 2 * time.Second
	}
	if c.EventWindow <= 0 {
		c.EventWindow = 7 * 24 * time.Hour
	}
	if c.InactiveAfter <= 0 {
		c.InactiveAfter = 30 * 24 * time.Hour
	}
	if c.MaxGoroutines <= 0 {
		c.MaxGoroutines = 2000
	}
	if c.MaxHeapBytes == 0 {
		c.MaxHeapBytes = 512 << 20
	}
}

// errDegraded is returned by a check whose subsystem works but is under
// pressure; runCheck maps it to StatusDegraded instead of StatusFailed.
var errDegraded = errors.New("degraded")

// Prober runs health checks and turns the outcomes into a report.
type Prober struct {
	cfg    Config
	msg    Messenger
	store  Store
	rank   Ranker
	alerts Alerter
	log    logx.Logger
}

func NewProber(cfg Config, msg Messenger, store Store, rank Ranker, alerts Alerter, log logx.Logger) *Prober {
	cfg.setDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prober{cfg: cfg, msg: msg, store: store, rank: rank, alerts: alerts, log: log}
}

// checkFn returns a message for the ok case and an error otherwise. Latency
// classification happens in runCheck.
type checkFn func(ctx context.Context) (string, error)

type namedCheck struct {
	name string
	fn   checkFn
}

func (p *Prober) checksFor(level string) []namedCheck {
	checks := []namedCheck{
		{"messaging_api", p.checkMessagingAPI},
		{"store", p.checkStore},
	}
	if level == LevelComprehensive {
		checks = append(checks,
			namedCheck{"ranking_api", p.checkRankingAPI},
			namedCheck{"data_integrity", p.checkDataIntegrity},
			namedCheck{"inactive_users", p.checkInactiveUsers},
			namedCheck{"system_resources", p.checkSystemResources},
		)
	}
	return checks
}

// Run executes every check for the level sequentially, persists the report
// and alerts when the overall verdict is not ok. A check failure never aborts
// the run; the remaining checks still execute.
func (p *Prober) Run(ctx context.Context, level string) (storage.HealthReport, error) {
	report := storage.HealthReport{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Overall:   StatusOK,
	}

	for _, c := range p.checksFor(level) {
		res := p.runCheck(ctx, c)
		report.Results = append(report.Results, res)
		report.Overall = worseOf(report.Overall, res.Status)
		p.log.Debug("health check done",
			logx.String("check", res.Name),
			logx.String("status", res.Status),
			logx.Duration("latency", res.Latency),
		)
	}

	if p.store != nil {
		if err := p.store.AppendHealthReport(ctx, report); err != nil {
			p.log.Warn("health report not persisted", logx.Err(err))
		}
	}
	if report.Overall != StatusOK {
		p.alert(ctx, report)
	}

	p.log.Info("health probe finished",
		logx.String("level", level),
		logx.String("overall", report.Overall),
		logx.Int("checks", len(report.Results)),
	)
	return report, nil
}

func (p *Prober) runCheck(ctx context.Context, c namedCheck) storage.CheckResult {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
	defer cancel()

	started := time.Now()
	msg, err := c.fn(cctx)
	latency := time.Since(started)

	res := storage.CheckResult{
		Name:      c.name,
		Latency:   latency,
		LatencyMS: latency.Milliseconds(),
		Message:   msg,
	}
	switch {
	case errors.Is(err, errDegraded):
		res.Status = StatusDegraded
		if res.Message == "" {
			res.Message = err.Error()
		}
	case err != nil:
		res.Status = StatusFailed
		res.Message = err.Error()
	case latency > p.cfg.DegradedLatency:
		res.Status = StatusDegraded
		if res.Message == "" {
			res.Message = fmt.Sprintf("slow response (%s)", latency.Round(time.Millisecond))
		}
	default:
		res.Status = StatusOK
	}
	return res
}

func (p *Prober) checkMessagingAPI(ctx context.Context) (string, error) {
	if p.msg == nil {
		return "", fmt.Errorf("messaging adapter not configured")
	}
	id, err := p.msg.GetMe(ctx)
	if err != nil {
		return "", err
	}
	return "authorized as @" + id.Username, nil
}

func (p *Prober) checkStore(ctx context.Context) (string, error) {
	if p.store == nil {
		return "", fmt.Errorf("store not configured")
	}
	if err := p.store.Ping(ctx); err != nil {
		return "", err
	}
	return "store reachable", nil
}

func (p *Prober) checkRankingAPI(ctx context.Context) (string, error) {
	if p.rank == nil {
		return "", fmt.Errorf("ranking client not configured")
	}
	if err := p.rank.Check(ctx); err != nil {
		return "", err
	}
	return "ranking api reachable", nil
}

// checkDataIntegrity inspects events inside the window for missing fields.
// Malformed records degrade the check rather than fail it: the services are
// up, the data needs attention.
func (p *Prober) checkDataIntegrity(ctx context.Context) (string, error) {
	events, err := p.store.UpcomingEvents(ctx, time.Now(), p.cfg.EventWindow)
	if err != nil {
		return "", err
	}
	bad := 0
	for _, ev := range events {
		if ev.Title == "" || ev.Location == "" || ev.DateTime.IsZero() || ev.CreatedBy == 0 {
			bad++
		}
	}
	if bad > 0 {
		return fmt.Sprintf("%d of %d upcoming events have missing fields", bad, len(events)),
			fmt.Errorf("%d malformed events", bad)
	}
	return fmt.Sprintf("%d upcoming events, all complete", len(events)), nil
}

func (p *Prober) checkInactiveUsers(ctx context.Context) (string, error) {
	cutoff := time.Now().Add(-p.cfg.InactiveAfter)
	n, err := p.store.CountInactiveUsers(ctx, cutoff)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d users inactive for over %d days", n, int(p.cfg.InactiveAfter.Hours()/24)), nil
}

func (p *Prober) alert(ctx context.Context, r storage.HealthReport) {
	if p.alerts == nil {
		return
	}
	var lines []string
	for _, res := range r.Results {
		if res.Status == StatusOK {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s (%s)", res.Name, res.Status, res.Message))
	}
	sev := notifier.SeverityWarning
	if r.Overall == StatusFailed {
		sev = notifier.SeverityCritical
	}
	a := notifier.Alert{
		Title:    fmt.Sprintf("Health %s (%s probe)", r.Overall, r.Level),
		Body:     strings.Join(lines, "\n"),
		Severity: sev,
	}
	if err := p.alerts.Notify(ctx, a); err != nil {
		p.log.Debug("health alert not delivered", logx.Err(err))
	}
}

// worseOf picks the more severe of two statuses.
func worseOf(a, b string) string {
	rank := func(s string) int {
		switch s {
		case StatusFailed:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// FormatReport renders a report for the CLI health mode.
func FormatReport(r storage.HealthReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "health: %s (%s probe, %s)\n", r.Overall, r.Level, r.Timestamp.Format(time.RFC3339))
	for _, res := range r.Results {
		fmt.Fprintf(&b, "  %-16s %-9s %5dms", res.Name, res.Status, res.LatencyMS)
		if res.Message != "" {
			fmt.Fprintf(&b, "  %s", res.Message)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// findResult is a helper for callers that gate on one named check.
func findResult(r storage.HealthReport, name string) (storage.CheckResult, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return storage.CheckResult{}, false
}
