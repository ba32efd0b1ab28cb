package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"clubkeeper/internal/app"
	"clubkeeper/internal/health"
)

const usage = `usage: clubkeeper [-config path] <mode> [flags]

modes:
  bot                       run the bot with guard, scheduler and alerting
  maintenance               run every maintenance job once and exit
  health [--level basic|comprehensive]
                            run one health probe and exit
  restore --backup <path>   restore the database from a backup archive
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	mode := flag.Arg(0)
	if mode == "" {
		mode = "bot"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	switch mode {
	case "bot":
		os.Exit(runBot(ctx, a))
	case "maintenance":
		os.Exit(runMaintenance(ctx, a))
	case "health":
		os.Exit(runHealth(ctx, a, flag.Args()[1:]))
	case "restore":
		os.Exit(runRestore(ctx, a, flag.Args()[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n\n%s", mode, usage)
		os.Exit(2)
	}
}

func runBot(ctx context.Context, a *app.App) int {
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return 1
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-a.Done()

	reason := app.StopAppStop
	code := 0
	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		reason = app.StopFatalError
		code = 1
	} else if ctx.Err() != nil {
		reason = app.StopSIGTERM
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

func runMaintenance(ctx context.Context, a *app.App) int {
	err := a.RunMaintenance(ctx)
	a.StopShared(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "maintenance:", err)
		return 1
	}
	fmt.Println("maintenance: all jobs completed")
	return 0
}

func runHealth(ctx context.Context, a *app.App, args []string) int {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	levelFlag := fs.String("level", "basic", "probe level: basic or comprehensive")
	_ = fs.Parse(args)

	level, err := health.ParseLevel(*levelFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	report, err := a.RunHealth(ctx, level)
	a.StopShared(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "health:", err)
		return 1
	}
	fmt.Print(health.FormatReport(report))
	// Degraded still exits 0: the service works, something is slow.
	if report.Overall == health.StatusFailed {
		return 1
	}
	return 0
}

func runRestore(ctx context.Context, a *app.App, args []string) int {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	archive := fs.String("backup", "", "path to the backup archive (.tar.gz)")
	_ = fs.Parse(args)

	if *archive == "" {
		fmt.Fprintln(os.Stderr, "restore: --backup <path> is required")
		return 2
	}
	err := a.RunRestore(ctx, *archive)
	a.StopShared(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "restore:", err)
		return 1
	}
	fmt.Println("restore: completed")
	return 0
}
