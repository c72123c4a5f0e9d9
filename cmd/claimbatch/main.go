// Command claimbatch classifies every claim in a file through the batch
// engine and prints progress as it happens.
//
// Usage:
//
//	claimbatch [-concurrency N] [-log-level warn] <file|file://path|s3://bucket/key>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"claimbot/internal/app"
	"claimbot/internal/batch"
	"claimbot/internal/claimsource"
	"claimbot/internal/config"
	"claimbot/internal/events"
	"claimbot/internal/logging"

	"github.com/fatih/color"
	"github.com/google/uuid"
)

const (
	exitOK        = 0
	exitFailed    = 1
	exitCancelled = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	concurrency := flag.Int("concurrency", 0, "override batch_concurrency (1..64)")
	logLevel := flag.String("log-level", "warn", "log level for diagnostics on stderr")
	noColor := flag.Bool("no-color", false, "disable coloured output")
	flag.Parse()
	if *noColor {
		color.NoColor = true
	}
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: claimbatch [flags] <file|file://path|s3://bucket/key>")
		flag.PrintDefaults()
		return exitFailed
	}
	ref := flag.Arg(0)

	cfg, err := config.LoadConfig()
	if err != nil {
		color.Red("config error: %v", err)
		return exitFailed
	}
	if err := applyOverrides(&cfg, *concurrency); err != nil {
		color.Red("config error: %v", err)
		return exitFailed
	}
	logger := logging.New(*logLevel)
	defer func() { _ = logger.Sync() }()

	a, err := app.New(cfg, logger)
	if err != nil {
		color.Red("startup failed: %v", err)
		return exitFailed
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := claimsource.Resolver{BaseDir: cfg.ClaimSourceDir, AllowAbsolute: true}.Load(ctx, ref)
	if err != nil {
		color.Red("cannot read %s: %v", ref, err)
		return exitFailed
	}
	for _, r := range loaded.Rejected {
		fmt.Println(formatRejected(r))
	}

	jobID := uuid.New().String()
	sub := a.Broker.Subscribe(events.ForJob(jobID), events.WithBuffer(len(loaded.Claims)+8))
	defer a.Broker.Unsubscribe(sub)
	if _, err := a.Batches.StartBatch(loaded.Claims, batch.WithSource(ref), batch.WithJobID(jobID)); err != nil {
		color.Red("cannot start batch: %v", err)
		return exitFailed
	}
	color.Cyan("Batch %s: %d claims from %s (concurrency %d)", jobID, len(loaded.Claims), ref, a.Batches.Concurrency())

	interrupted := ctx.Done()
	for {
		select {
		case <-interrupted:
			interrupted = nil
			color.Yellow("interrupt received, cancelling; in-flight claims will finish")
			_, _ = a.Batches.Cancel(jobID)
		case ev, ok := <-sub.Events():
			if !ok {
				return exitFailed
			}
			switch ev.Type {
			case events.TypeProgress:
				fmt.Println(formatProgress(ev))
			case events.TypeCompleted, events.TypeCancelled:
				fmt.Println(formatSummary(ev))
				fmt.Println(formatStats(a.Tracker.Snapshot()))
				return exitCode(ev)
			}
		}
	}
}

// applyOverrides applies command-line settings on top of the loaded
// config and validates the result again. Scheduled tasks are disabled for
// a one-shot run.
func applyOverrides(cfg *config.Config, concurrency int) error {
	if concurrency != 0 {
		cfg.BatchConcurrency = concurrency
	}
	cfg.HealthLogSchedule = ""
	cfg.StatsResetSchedule = ""
	return cfg.Validate()
}

func exitCode(ev events.Event) int {
	switch {
	case ev.Type == events.TypeCancelled:
		return exitCancelled
	case ev.Failed > 0:
		return exitFailed
	default:
		return exitOK
	}
}
