// Package warden is the public API for embedding the Warden agent
// monitoring server.
//
// Consumers construct the server, optionally binding in-process executors
// for agents that do not expose an HTTP endpoint:
//
//	app, err := warden.New(
//	    warden.WithVersion(version),
//	    warden.WithLogger(logger),
//	    warden.WithExecutor("content-curator", curator),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types
// (Task, Result, Briefing) are standalone structs; adapters to the internal
// types live in adapters.go.
package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/holidaibutler/warden/api"
	"github.com/holidaibutler/warden/internal/auth"
	"github.com/holidaibutler/warden/internal/clock"
	"github.com/holidaibutler/warden/internal/config"
	"github.com/holidaibutler/warden/internal/mcp"
	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/pipeline"
	"github.com/holidaibutler/warden/internal/ratelimit"
	"github.com/holidaibutler/warden/internal/server"
	"github.com/holidaibutler/warden/internal/service/anomaly"
	"github.com/holidaibutler/warden/internal/service/baseline"
	"github.com/holidaibutler/warden/internal/service/briefing"
	"github.com/holidaibutler/warden/internal/service/correlation"
	"github.com/holidaibutler/warden/internal/service/issues"
	"github.com/holidaibutler/warden/internal/service/registry"
	"github.com/holidaibutler/warden/internal/service/reports"
	"github.com/holidaibutler/warden/internal/service/runs"
	"github.com/holidaibutler/warden/internal/service/scheduler"
	"github.com/holidaibutler/warden/internal/service/settings"
	"github.com/holidaibutler/warden/internal/service/status"
	"github.com/holidaibutler/warden/internal/storage"
	"github.com/holidaibutler/warden/internal/telemetry"
	"github.com/holidaibutler/warden/migrations"
)

// App is the Warden server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	registry     *registry.Registry
	scheduler    *scheduler.Scheduler // nil when the scheduler is disabled
	runner       *pipeline.Runner
	nc           *nats.Conn // nil when briefings are not published to NATS
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	cancel context.CancelFunc
}

// New initialises the Warden server. It connects to the database, runs
// migrations, loads the agent catalog, wires all subsystems, and returns a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.registryFile != "" {
		cfg.RegistryFile = o.registryFile
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("warden starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// cleanup releases what has been opened so far on a failed start.
	var nc *nats.Conn
	cleanup := func() {
		if nc != nil {
			nc.Close()
		}
		db.Close()
		_ = otelShutdown(ctx)
	}

	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		cleanup()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	if ok, err := db.HasTable(ctx, "agent_runs"); err != nil {
		cleanup()
		return nil, fmt.Errorf("schema verification: %w", err)
	} else if !ok {
		cleanup()
		return nil, errors.New("critical table 'agent_runs' does not exist after migration")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("auth: %w", err)
	}

	clk := clock.Real{}

	// Registry, mirrored from the YAML catalog.
	reg := registry.New(db, registry.Options{
		CatalogPath:       cfg.RegistryFile,
		KnownDestinations: cfg.KnownDestinations,
		Clock:             clk,
	}, logger)
	if err := reg.Reload(ctx); err != nil {
		cleanup()
		return nil, fmt.Errorf("registry: %w", err)
	}

	// Monitoring services.
	settingsSvc := settings.New(db, settings.Defaults(), logger)
	baselines := baseline.New(db, baseline.DefaultWindowSize, logger)
	runSvc := runs.New(db, reg, baselines, logger)
	statuses := status.NewService(reg, db, clk)
	tracker := issues.New(db, settingsSvc, clk, logger)
	reportCache := reports.New(db)
	detector := anomaly.New(db, reg, tracker, settingsSvc, reportCache, clk, logger)
	correlator := correlation.New(reportCache, tracker, settingsSvc, correlation.DefaultRules(), clk, logger)

	// Briefing delivery: an embedder's notifier, else NATS, else the log.
	var notifier briefing.Notifier
	notifierName := "log"
	switch {
	case o.notifier != nil:
		notifier = notifierAdapter{n: o.notifier}
		notifierName = "custom"
	case cfg.NATSURL != "":
		nc, err = briefing.Connect(cfg.NATSURL, cfg.ServiceName, logger)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("briefing: %w", err)
		}
		notifier = briefing.NewNATSNotifier(nc, cfg.BriefingSubject)
		notifierName = "nats"
		logger.Info("briefing: publishing to nats", "subject", cfg.BriefingSubject)
	default:
		notifier = briefing.LogNotifier{Logger: logger}
		logger.Info("briefing: no NATS_URL, digests go to the log")
	}
	briefer := briefing.New(statuses, tracker, reportCache, db, notifier, briefing.Options{Clock: clk}, logger)

	// Scheduler.
	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		executors := scheduler.NewExecutors(scheduler.NewHTTPExecutor(nil))
		for key, ex := range o.executors {
			executors.Register(key, executorAdapter{ex: ex})
		}
		sched = scheduler.New(reg, db, runSvc, executors, scheduler.Options{
			PoolSize:       cfg.WorkerPoolSize,
			MaxAttempts:    cfg.MaxAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			DefaultTimeout: cfg.DefaultTimeout,
			ClassTimeouts:  classTimeouts(cfg.ClassTimeouts),
			Tick:           cfg.SchedulerTick,
			Clock:          clk,
		}, logger)
	} else {
		logger.Info("scheduler: disabled by config")
	}

	runner := pipeline.NewRunner(logger, pipeline.Jobs(pipeline.Passes{
		Anomaly:     detector,
		Sweep:       tracker,
		Correlation: correlator,
		Briefing:    briefer,
		Retention:   db,
		RetainFor:   cfg.RetainFor,
		Clock:       clk,
	}, pipeline.Intervals{
		Anomaly:     cfg.AnomalyInterval,
		Sweep:       cfg.SweepInterval,
		Correlation: cfg.CorrelationInterval,
		Briefing:    cfg.BriefingInterval,
		Retention:   cfg.RetentionInterval,
	})...)

	mcpSrv := mcp.New(statuses, tracker, briefer, clk, logger, version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srvCfg := server.Config{
		Store:               db,
		Registry:            reg,
		Statuses:            statuses,
		Runs:                runSvc,
		Issues:              tracker,
		Reports:             reportCache,
		Briefings:           briefer,
		Settings:            settingsSvc,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Jobs:                runner,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Notifier:            notifierName,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	}
	// A nil *Scheduler must not become a non-nil interface.
	if sched != nil {
		srvCfg.Scheduler = sched
	}
	srv := server.New(srvCfg)

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
		cleanup()
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		registry:     reg,
		scheduler:    sched,
		runner:       runner,
		nc:           nc,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the scheduler, the monitoring passes, the catalog watcher, and
// the HTTP server, then blocks until ctx is cancelled or a fatal server
// error occurs. On return, Shutdown has been called.
func (a *App) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.scheduler != nil {
		go a.scheduler.Start(bgCtx)
	}
	a.runner.Start(bgCtx)
	if a.cfg.WatchRegistry {
		go func() {
			if err := a.registry.Watch(bgCtx, registry.DefaultDebounce); err != nil {
				a.logger.Error("registry: watch stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight ones,
// (2) stop scheduling and wait for running agent tasks,
// (3) wait for monitoring passes to return.
// It then closes the NATS connection, the database pool, and the OTEL
// provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("warden shutting down")

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.cancel != nil {
		a.cancel()
	}

	// Phase 2: scheduler drain.
	var drainErr error
	if a.scheduler != nil {
		drainCtx, drainCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownDrainTimeout)
		if err := a.scheduler.Drain(drainCtx); err != nil {
			a.logger.Error("scheduler drain incomplete, abandoned tasks will not be recorded",
				"error", err,
				"in_flight", a.scheduler.InFlight(),
				"configured_timeout", a.cfg.ShutdownDrainTimeout,
			)
			drainErr = err
		}
		drainCancel()
	}

	// Phase 3: passes observe the cancelled context and return.
	a.runner.Wait()

	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.logger.Warn("nats drain failed", "error", err)
		}
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("warden stopped")
	return drainErr
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// classTimeouts keys configured per-class timeouts by severity.
func classTimeouts(in map[string]time.Duration) map[model.Severity]time.Duration {
	out := make(map[model.Severity]time.Duration, len(in))
	for class, d := range in {
		out[model.Severity(class)] = d
	}
	return out
}
