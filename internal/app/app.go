package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"clubkeeper/internal/backup"
	"clubkeeper/internal/health"
	"clubkeeper/internal/maintenance"
	"clubkeeper/internal/notifier"
	"clubkeeper/internal/security"
	"clubkeeper/internal/storage"
	kit "clubkeeper/internal/transport"
	telegram "clubkeeper/internal/transport/telegram/adapter"
	logx "clubkeeper/pkg/logx"
)

// App wires config, storage, transport, the guard, the maintenance scheduler
// and the alert sink. Each CLI mode uses a different slice of it.
type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	store *storage.Client

	adapter  kit.Adapter
	notif    *notifier.Service
	guard    *security.Guard
	pipeline *backup.Pipeline
	prober   *health.Prober
	sched    *maintenance.Scheduler

	maintEnabled bool
	updates      chan kit.Update
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	// The Telegram adapter is optional: maintenance, health and restore
	// modes run without a token (alerts are then dropped).
	var adapter kit.Adapter
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		adapter = ad
	}

	connectTimeout, err := parseDurationOrDefault("mongo.connect_timeout", cfg.Mongo.ConnectTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, storage.Config{
		URI:            cfg.Mongo.URI,
		Database:       cfg.Mongo.Database,
		ConnectTimeout: connectTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	if adapter == nil {
		ncfg.Enabled = false
	}
	notif := notifier.New(ncfg, adapter, log.With(logx.String("comp", "notifier")))

	scfg, err := mapSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}
	guard := security.NewGuard(scfg, store, notif, log.With(logx.String("comp", "security")))

	bcfg, err := mapBackupConfig(cfg)
	if err != nil {
		return nil, err
	}
	pipeline := backup.NewPipeline(bcfg, store, notif, log.With(logx.String("comp", "backup")))

	hcfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	ranking := health.NewRankingClient(cfg.Health.RankingURL)
	prober := health.NewProber(hcfg, adapter, store, ranking, notif, log.With(logx.String("comp", "health")))

	tick, err := parseDurationOrDefault("maintenance.tick", cfg.Maintenance.Tick, time.Minute)
	if err != nil {
		return nil, err
	}
	sched := maintenance.NewScheduler(maintenance.Config{Tick: tick}, store, notif, log.With(logx.String("comp", "maintenance")))

	a := &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		store:        store,
		adapter:      adapter,
		notif:        notif,
		guard:        guard,
		pipeline:     pipeline,
		prober:       prober,
		sched:        sched,
		maintEnabled: cfg.Maintenance.Enabled,
		updates:      make(chan kit.Update, 256),
	}
	if err := a.registerJobs(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// defaultCadences follow the club's quiet hours; all overridable via
// maintenance.cadences in config.
var defaultCadences = map[string]string{
	maintenance.JobBackup:              "daily:03:00",
	maintenance.JobEnsureIndexes:       "daily:05:00",
	maintenance.JobExpireSubscriptions: "daily:06:00",
	maintenance.JobHealthComprehensive: "daily:07:00",
	maintenance.JobArchiveEvents:       "weekly:sun:04:00",
	maintenance.JobHealthBasic:         "every:1h",
	maintenance.JobSweepBlocks:         "every:1h",
}

func (a *App) registerJobs(cfg *Config) error {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}

	cadenceFor := func(name string) (maintenance.Cadence, error) {
		spec := defaultCadences[name]
		if override, ok := cfg.Maintenance.Cadences[name]; ok {
			spec = override
		}
		c, err := maintenance.ParseCadence(spec, loc)
		if err != nil {
			return nil, fmt.Errorf("maintenance.cadences.%s: %w", name, err)
		}
		return c, nil
	}

	var sender textSender
	if a.adapter != nil {
		sender = a.adapter
	}
	jobs := []maintenance.Job{
		maintenance.NewBackupJob(a.pipeline, a.log.With(logx.String("job", maintenance.JobBackup))),
		maintenance.NewArchiveJob(a.store, a.log.With(logx.String("job", maintenance.JobArchiveEvents))),
		maintenance.NewExpiryJob(a.store, sender, a.notif, a.log.With(logx.String("job", maintenance.JobExpireSubscriptions))),
		maintenance.NewHealthJob(a.prober, health.LevelBasic),
		maintenance.NewHealthJob(a.prober, health.LevelComprehensive),
		maintenance.NewBlockSweepJob(a.guard, a.log.With(logx.String("job", maintenance.JobSweepBlocks))),
		maintenance.NewIndexJob(a.store),
	}
	for _, j := range jobs {
		c, err := cadenceFor(j.Name())
		if err != nil {
			return err
		}
		if err := a.sched.Register(j, c); err != nil {
			return err
		}
	}
	return nil
}

// textSender mirrors the slice of the adapter the expiry job needs.
// kit.Adapter satisfies it; a nil interface disables participant pings.
type textSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the full bot mode: inbound updates through the guard, the
// maintenance scheduler, config watching and the alert sink.
func (a *App) Start(ctx context.Context) error {
	if a.adapter == nil {
		return fmt.Errorf("bot mode requires telegram.token")
	}
	if strings.TrimSpace(a.cfgm.Get().Security.Secret) == "" {
		return fmt.Errorf("bot mode requires security.secret")
	}

	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Index creation is idempotent; a cold start on a fresh database gets
	// its indexes before the first update arrives.
	if err := a.store.EnsureIndexes(a.sup.Context()); err != nil {
		a.log.Warn("index ensure failed at startup", logx.Err(err))
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.maintEnabled {
		a.sup.Go("maintenance.loop", func(c context.Context) error {
			return a.sched.Start(c)
		})
	} else {
		a.log.Warn("maintenance scheduler disabled via config")
	}

	a.sup.Go("updates.dispatch", func(c context.Context) error {
		return a.dispatchLoop(c, a.updates)
	})

	a.sup.Go0("config.reload", func(c context.Context) {
		a.reloadLoop(c, a.cfgm.Updates())
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Startup probe runs basic checks once so a broken deployment alerts
	// immediately instead of at the first hourly slot.
	if _, err := a.prober.Run(a.sup.Context(), health.LevelBasic); err != nil {
		a.log.Warn("startup health probe failed", logx.Err(err))
	}
	_ = a.notif.Notify(a.sup.Context(), notifier.Alert{
		Title:    "clubkeeper started",
		Body:     "Bot mode is up: guard, scheduler and alerting are running.",
		Severity: notifier.SeveritySuccess,
	})

	a.log.Info("app started")
	return nil
}

// RunMaintenance executes every registered job once and drains pending
// alerts before returning. One-shot CLI mode.
func (a *App) RunMaintenance(ctx context.Context) error {
	if a.notif.Enabled() {
		a.notif.Start(ctx)
	}
	err := a.sched.RunAll(ctx)
	a.drainNotifier(ctx)
	return err
}

// RunHealth runs one probe at the given level. One-shot CLI mode.
func (a *App) RunHealth(ctx context.Context, level string) (storage.HealthReport, error) {
	if a.notif.Enabled() {
		a.notif.Start(ctx)
	}
	report, err := a.prober.Run(ctx, level)
	a.drainNotifier(ctx)
	return report, err
}

// RunRestore restores the database from the given archive. One-shot CLI mode.
func (a *App) RunRestore(ctx context.Context, archivePath string) error {
	if a.notif.Enabled() {
		a.notif.Start(ctx)
	}
	err := a.pipeline.Restore(ctx, archivePath)
	a.drainNotifier(ctx)
	return err
}

func (a *App) drainNotifier(ctx context.Context) {
	if !a.notif.Enabled() {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	a.notif.Stop(stopCtx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.StopShared(ctx)
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	_ = a.notif.Notify(ctx, notifier.Alert{
		Title:    "clubkeeper stopping",
		Body:     "Reason: " + string(reason),
		Severity: notifier.SeverityInfo,
	})

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component
	// can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// In-flight backup or restore must finish before the store goes away.
	step("backup", 30*time.Second, func(c context.Context) error { return a.pipeline.Wait(c) })
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	step("storage", 2*time.Second, func(c context.Context) error { return a.store.Close(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// StopShared releases resources for one-shot modes that never ran Start.
func (a *App) StopShared(ctx context.Context) {
	a.drainNotifier(ctx)
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.store.Close(cctx); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	if a.logs != nil {
		a.logs.Close()
	}
}

// reloadLoop applies validated config updates to the live components.
// Logging, notifier and guard limits apply in place; storage and telegram
// changes need a restart and are only warned about.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg := <-sub:
			if newCfg == nil {
				continue
			}
			sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			lastApplied = newCfg

			for _, s := range sections {
				if s == "mongo" || s == "telegram" {
					a.log.Warn("config changed; restart required for changes to take effect",
						logx.String("section", s))
				}
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			if ncfg, err := mapNotifierConfig(newCfg); err != nil {
				a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
			} else {
				if a.adapter == nil {
					ncfg.Enabled = false
				}
				prevEnabled := a.notif.Enabled()
				a.notif.Apply(ncfg)
				if prevEnabled && !ncfg.Enabled {
					stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					a.notif.Stop(stopCtx)
					cancel()
				} else if !prevEnabled && ncfg.Enabled {
					a.notif.Start(ctx)
				}
			}

			if scfg, err := mapSecurityConfig(newCfg); err != nil {
				a.log.Warn("invalid security config; keeping previous", logx.Err(err))
			} else {
				a.guard.Apply(scfg)
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:      true,
		AdminChatIDs: cfg.Telegram.AdminChatIDs,
	}
	nc := cfg.Notifier
	if nc == nil {
		return out, nil
	}
	retryBase, err := parseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := parseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	out.Enabled = nc.Enabled
	out.Workers = nc.Workers
	out.QueueSize = nc.QueueSize
	out.RatePerSec = nc.RatePerSec
	out.RetryMax = nc.RetryMax
	out.RetryBase = retryBase
	out.RetryMaxDelay = retryMaxDelay
	return out, nil
}

func mapSecurityConfig(cfg *Config) (security.Config, error) {
	strikeWindow, err := parseDurationOrDefault("security.strike_window", cfg.Security.StrikeWindow, 24*time.Hour)
	if err != nil {
		return security.Config{}, err
	}
	blockDuration, err := parseDurationOrDefault("security.block_duration", cfg.Security.BlockDuration, 24*time.Hour)
	if err != nil {
		return security.Config{}, err
	}
	return security.Config{
		Secret:             cfg.Security.Secret,
		AdminIDs:           cfg.Telegram.AdminChatIDs,
		MessagesPerMinute:  cfg.Security.MessagesPerMinute,
		CallbacksPerMinute: cfg.Security.CallbacksPerMinute,
		StrikeThreshold:    cfg.Security.StrikeThreshold,
		StrikeWindow:       strikeWindow,
		BlockDuration:      blockDuration,
	}, nil
}

func mapBackupConfig(cfg *Config) (backup.Config, error) {
	dumpTimeout, err := parseDurationOrDefault("backup.dump_timeout", cfg.Backup.DumpTimeout, 10*time.Minute)
	if err != nil {
		return backup.Config{}, err
	}
	retention := days(cfg.Backup.RetentionDays)
	return backup.Config{
		Dir:              cfg.Backup.Dir,
		MongoURI:         cfg.Mongo.URI,
		Database:         cfg.Mongo.Database,
		Retention:        retention,
		DumpTimeout:      dumpTimeout,
		MongodumpPath:    cfg.Backup.MongodumpPath,
		MongorestorePath: cfg.Backup.MongorestorePath,
	}, nil
}

func mapHealthConfig(cfg *Config) (health.Config, error) {
	checkTimeout, err := parseDurationOrDefault("health.check_timeout", cfg.Health.CheckTimeout, 10*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	degraded, err := parseDurationOrDefault("health.degraded_latency", cfg.Health.DegradedLatency, 2*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		CheckTimeout:    checkTimeout,
		DegradedLatency: degraded,
		InactiveAfter:   days(cfg.Health.InactiveDays),
		DiskPath:        cfg.Backup.Dir,
	}, nil
}
