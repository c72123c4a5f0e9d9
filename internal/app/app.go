package app

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"claimbot/internal/batch"
	"claimbot/internal/claimsource"
	"claimbot/internal/classify"
	"claimbot/internal/config"
	"claimbot/internal/domain"
	"claimbot/internal/events"
	"claimbot/internal/httpx"
	"claimbot/internal/integrations/llm"
	slackbot "claimbot/internal/integrations/slack"
	"claimbot/internal/logging"
	"claimbot/internal/metrics"
	"claimbot/internal/scheduler"
	"claimbot/internal/server"
	"claimbot/internal/stats"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// App holds every long-lived component of the service.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Tracker   *stats.Tracker
	LLM       *llm.Client
	Service   *classify.Service
	Broker    *events.Broker
	Batches   *batch.Manager
	Server    *server.Server
	Scheduler *scheduler.Scheduler
	Notifier  *slackbot.Notifier
}

func Main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	a, err := New(cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

// New wires the configured components without starting any of them.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	appliedHTTPTimeout := httpx.ConfigureExternalHTTPClient(cfg.ExternalHTTPTimeoutSeconds)

	tracker := stats.NewTracker(stats.WithLogger(logger.Named("stats")))
	client, err := llm.NewFromConfig(cfg, tracker, logger.Named("llm"))
	if err != nil {
		return nil, err
	}
	thresholds := domain.Thresholds{Approve: cfg.ApproveThreshold, Review: cfg.ReviewThreshold}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	svc := classify.NewService(client, thresholds, classify.WithLogger(logger.Named("classify")))

	broker := events.NewBroker(
		events.WithDefaultBuffer(cfg.SubscriberBuffer),
		events.WithLogger(logger.Named("events")),
	)
	manager := batch.NewManager(svc, broker, batch.Config{
		Concurrency:    cfg.BatchConcurrency,
		AcquireTimeout: cfg.PoolAcquireTimeout(),
		HistorySize:    cfg.BatchHistorySize,
	}, batch.WithLogger(logger.Named("batch")))

	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(server.Deps{
		Classifier:       svc,
		Batches:          manager,
		Stats:            tracker,
		Broker:           broker,
		Sources:          claimsource.Resolver{BaseDir: cfg.ClaimSourceDir},
		Pinger:           client,
		Logger:           logger.Named("http"),
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		SubscriberBuffer: cfg.SubscriberBuffer,
		HealthTimeout:    cfg.RequestTimeout(),
	})

	a := &App{
		cfg:     cfg,
		logger:  logger,
		Tracker: tracker,
		LLM:     client,
		Service: svc,
		Broker:  broker,
		Batches: manager,
		Server:  srv,
	}
	if cfg.SlackConfigured() {
		a.Notifier = slackbot.New(cfg.SlackBotToken, cfg.SlackChannelID, logger.Named("slack"))
	}

	a.Scheduler = scheduler.New(cfg.Location, scheduler.WithLogger(logger.Named("scheduler")))
	if err := a.Scheduler.Add("stats_reset", cfg.StatsResetSchedule, a.resetStats); err != nil {
		return nil, err
	}
	if err := a.Scheduler.Add("health_log", cfg.HealthLogSchedule, a.logHealth); err != nil {
		return nil, err
	}

	logger.Info("config loaded",
		zap.String("provider", client.ProviderName()),
		zap.String("model", client.Model()),
		zap.Int("max_attempts", cfg.MaxRetries),
		zap.Float64("approve_threshold", thresholds.Approve),
		zap.Float64("review_threshold", thresholds.Review),
		zap.Int("batch_concurrency", manager.Concurrency()),
		zap.Duration("external_http_timeout", appliedHTTPTimeout),
		zap.String("timezone", cfg.Timezone),
		zap.Bool("slack", a.Notifier != nil),
	)
	return a, nil
}

func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Run serves HTTP on the configured address until ctx is done, then drains.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	a.Start(ctx)

	httpSrv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		errCh <- httpSrv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	a.Close(shutdownCtx)

	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	return serveErr
}

// Start launches the background observers and scheduled tasks.
func (a *App) Start(ctx context.Context) {
	if a.Notifier != nil {
		sub := a.Broker.Subscribe(events.TerminalOnly())
		go a.Notifier.Run(ctx, sub)
	}
	a.Scheduler.Start(ctx)
}

// Close cancels running batches and waits for them, bounded by ctx.
func (a *App) Close(ctx context.Context) {
	a.Server.Shutdown()
	if err := a.Batches.Close(ctx); err != nil {
		a.logger.Warn("batch drain incomplete", zap.Error(err))
	}
	a.Broker.Close()
	a.Scheduler.Wait()
	a.logger.Info("shutdown complete")
}

func (a *App) resetStats(ctx context.Context) {
	prev := a.Tracker.Reset()
	a.logger.Info("error stats reset by schedule",
		zap.Int64("attempts", prev.Total),
		zap.Int64("failures", prev.Failures),
		zap.Float64("rate", prev.Rate),
		zap.String("health", string(prev.Health())),
	)
	if a.Notifier != nil {
		if err := a.Notifier.NotifyStatsReset(ctx, prev); err != nil {
			a.logger.Warn("slack stats summary failed", zap.Error(err))
		}
	}
}

func (a *App) logHealth(ctx context.Context) {
	snap := a.Tracker.Snapshot()
	fields := []zap.Field{
		zap.String("health", string(snap.Health())),
		zap.Int64("attempts", snap.Total),
		zap.Int64("failures", snap.Failures),
		zap.Int64("retries", snap.Retries),
		zap.Float64("rate", snap.Rate),
		zap.String("most_common_kind", snap.MostCommonKind),
		zap.Int("running_jobs", len(a.Batches.Running())),
	}
	switch snap.Health() {
	case stats.Critical:
		a.logger.Error("classifier health", fields...)
	case stats.Warning:
		a.logger.Warn("classifier health", fields...)
	default:
		a.logger.Info("classifier health", fields...)
	}
}
