package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/neurobridge-bookgen/internal/clients/redis"
	"github.com/yungbote/neurobridge-bookgen/internal/data/db"
	"github.com/yungbote/neurobridge-bookgen/internal/data/repos/fixstate"
	jobsrepo "github.com/yungbote/neurobridge-bookgen/internal/data/repos/jobs"
	httpx "github.com/yungbote/neurobridge-bookgen/internal/http"
	httpH "github.com/yungbote/neurobridge-bookgen/internal/http/handlers"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/autofix"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/claim"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/escalation"
	jobhandlers "github.com/yungbote/neurobridge-bookgen/internal/jobs/handlers"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/heartbeat"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/orchestrator"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/runtime"
	"github.com/yungbote/neurobridge-bookgen/internal/jobs/worker"
	"github.com/yungbote/neurobridge-bookgen/internal/observability"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/gcp"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/openai"
	"github.com/yungbote/neurobridge-bookgen/internal/services"
)

type App struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Cfg    Config
	Policy *escalation.Policy

	Store     jobsrepo.JobStore
	FixStates fixstate.Repo
	Artifacts gcp.ArtifactStore
	Events    redis.JobEventBus
	Jobs      services.JobService
	Registry  *runtime.Registry
	Keeper    *heartbeat.Keeper
	Worker    *worker.Worker
	Server    *httpx.Server

	pg           *db.PostgresService
	otelShutdown func(context.Context) error
}

// New loads configuration and wires every component. The caller owns Close.
func New(ctx context.Context) (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

func NewWithConfig(ctx context.Context, cfg Config) (*App, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &App{Log: log, Cfg: cfg}
	a.otelShutdown = observability.InitOTel(ctx, log, cfg.Otel)

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, log := a.Cfg, a.Log

	pg, err := db.NewPostgresService(log, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	a.pg = pg
	a.DB = pg.DB()
	if err := db.AutoMigrateAll(a.DB); err != nil {
		return fmt.Errorf("postgres automigrate: %w", err)
	}

	a.Artifacts, err = resolveArtifactStore(ctx, log, cfg)
	if err != nil {
		return err
	}

	if cfg.RedisAddr != "" {
		a.Events, err = redis.NewJobEventBus(ctx, log, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisChannel,
		})
		if err != nil {
			return fmt.Errorf("init redis job events: %w", err)
		}
	} else {
		log.Info("REDIS_ADDR not set; job events are not published")
	}
	notify := services.NewJobNotifier(a.Events, log)

	a.Policy, err = escalation.Load()
	if err != nil {
		return err
	}
	if cfg.MaxSectionAttempts > 0 {
		a.Policy.MaxSectionAttempts = cfg.MaxSectionAttempts
	}

	a.Store = jobsrepo.NewJobStore(a.DB, log)
	a.FixStates = fixstate.NewRepo(a.DB, log)
	a.Jobs = services.NewJobService(a.Store, log, notify, cfg.LeafMaxRetries)

	a.Registry, err = a.buildRegistry(log)
	if err != nil {
		return err
	}

	a.Keeper = heartbeat.NewKeeper(a.Store, log, cfg.JobHeartbeatInterval)
	claimer := claim.New(a.Store, log, claim.Options{StaleAfter: cfg.JobStaleAfter})
	a.Worker = worker.NewWorker(a.Store, claimer, a.Keeper, a.Registry, notify, log, worker.Options{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
	})

	sqlDB, err := a.DB.DB()
	if err != nil {
		return fmt.Errorf("postgres pool: %w", err)
	}
	a.Server = httpx.NewServer(httpx.RouterConfig{
		JobHandler:     httpH.NewJobHandler(a.Jobs),
		HealthHandler:  httpH.NewHealthHandler(sqlDB.PingContext),
		Log:            log,
		ServiceName:    cfg.Otel.ServiceName,
		AllowedOrigins: cfg.CORSOrigins,
		DefaultTenant:  cfg.DefaultTenantID,
	})
	return nil
}

func (a *App) buildRegistry(log *logger.Logger) (*runtime.Registry, error) {
	backends := make([]openai.BackendConfig, 0, len(a.Policy.Backends))
	for _, b := range a.Policy.Backends {
		backends = append(backends, openai.BackendConfig{Name: b.Name, Model: b.Model})
	}
	generator := openai.NewRouterFromConfig(log, openai.Config{
		APIKey:     a.Cfg.OpenAIAPIKey,
		BaseURL:    a.Cfg.OpenAIBaseURL,
		Timeout:    a.Cfg.GenerationTimeout + 30*time.Second,
		MaxRetries: a.Cfg.OpenAIMaxRetries,
	}, backends)

	deps := jobhandlers.Deps{
		Generator: generator,
		Artifacts: a.Artifacts,
		Policy:    a.Policy,
		Timeout:   a.Cfg.GenerationTimeout,
		Log:       log,
	}
	orchCfg := orchestrator.Config{
		PollInterval: a.Cfg.OrchestratorPollInterval,
		HardCap:      a.Cfg.OrchestratorMaxAttempts,
		Policy:       a.Policy,
	}

	reg := runtime.NewRegistry()
	for _, h := range []runtime.Handler{
		orchestrator.NewChapter(a.Artifacts, log, orchCfg),
		orchestrator.NewBook(a.Artifacts, log, orchCfg),
		jobhandlers.NewSectionHandler(deps),
		jobhandlers.NewIndexHandler(deps),
		jobhandlers.NewGlossaryHandler(deps),
	} {
		if err := reg.Register(h); err != nil {
			return nil, fmt.Errorf("register job handler: %w", err)
		}
	}
	return reg, nil
}

// NewAutofix builds a watchdog loop for one book version using the configured limits.
func (a *App) NewAutofix(tenantID, bookID, versionID string) (*autofix.Loop, error) {
	return autofix.New(a.Store, a.FixStates, a.Policy, a.Log, autofix.Config{
		TenantID:             tenantID,
		BookID:               bookID,
		BookVersionID:        versionID,
		MaxPolls:             a.Cfg.AutofixMaxPolls,
		MaxFixAttemptsPerSig: a.Cfg.AutofixMaxFixAttemptsPerSig,
		PollInterval:         a.Cfg.AutofixPollInterval,
	})
}

// Sweep marks processing jobs with expired heartbeats as stale.
func (a *App) Sweep(ctx context.Context, tenantID string) (int, error) {
	return heartbeat.Sweep(ctx, a.Store, a.Log, tenantID, a.Cfg.JobStaleAfter)
}

// Run serves the API and, when enabled, the worker pool until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.Run(gctx, a.Cfg.HTTPAddr, 10*time.Second)
	})
	if a.Cfg.WorkerEnabled {
		g.Go(func() error {
			return a.Worker.Start(gctx)
		})
	}
	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			a.Log.Warn("close redis job events", "error", err)
		}
	}
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.Log.Warn("close postgres", "error", err)
		}
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("otel shutdown", "error", err)
		}
	}
	a.Log.Sync()
}
