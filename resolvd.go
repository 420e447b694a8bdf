// Package resolvd is the public API for embedding the resolvd exception
// pipeline server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := resolvd.New(
//	    resolvd.WithVersion(version),
//	    resolvd.WithLogger(logger),
//	    resolvd.WithSearcher(mySimilarityIndex),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: resolvd (root) imports
// internal/*, but internal/* never imports resolvd (root). Public types
// (SimilarCase, Searcher) are standalone with no internal imports; the
// adapter between them and the internal stage interfaces lives here.
package resolvd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/resolvd-ai/resolvd/internal/approval"
	"github.com/resolvd-ai/resolvd/internal/broker"
	"github.com/resolvd-ai/resolvd/internal/config"
	"github.com/resolvd-ai/resolvd/internal/orchestrator"
	"github.com/resolvd-ai/resolvd/internal/server"
	"github.com/resolvd-ai/resolvd/internal/snapshot"
	"github.com/resolvd-ai/resolvd/internal/stage"
	"github.com/resolvd-ai/resolvd/internal/storage"
	"github.com/resolvd-ai/resolvd/internal/telemetry"
	"github.com/resolvd-ai/resolvd/internal/toolexec"
	"github.com/resolvd-ai/resolvd/migrations"
)

// pipelineBroker is both sides of the message pipeline plus the
// terminal notification stream.
type pipelineBroker interface {
	broker.Publisher
	broker.Consumer
	broker.Notifier
}

// App is the resolvd server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	snapshots    *snapshot.Cache
	pipeline     pipelineBroker
	redisClient  *redis.Client // nil when the in-memory broker is used
	gate         *approval.Gate
	orch         *orchestrator.Orchestrator
	srv          *server.Server
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the resolvd server. It connects to the database, runs
// migrations, and wires all subsystems. It does NOT start any goroutines
// or accept HTTP connections — call Run().
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

	// Load configuration (env vars), then apply option overrides.
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
	if o.domain != "" {
		cfg.Domain = o.domain
	}
	version := o.version
	if version == "" {
		version = cfg.Version
	}

	logger.Info("resolvd starting", "version", version, "domain", cfg.Domain, "port", cfg.Port)

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

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for _, extra := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extra); err != nil {
			db.Close()
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("extra migrations: %w", err)
		}
	}

	snapshots := snapshot.NewCache(snapshot.NewStoreProvider(db), 30*time.Second)

	var pipeline pipelineBroker
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			snapshots.Close()
			db.Close()
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("redis: %w", err)
		}
		pipeline = broker.NewRedis(redisClient, broker.RedisConfig{
			StreamPrefix: cfg.StreamPrefix,
			Partitions:   cfg.Partitions,
			Group:        cfg.ConsumerGroup,
			Consumer:     cfg.ConsumerName,
		}, logger)
	} else {
		pipeline = broker.NewMemory(cfg.Partitions, 5, logger)
	}

	gate := approval.New(db, pipeline, cfg.ApprovalTTL, logger)

	toolClient := o.toolClient
	if toolClient == nil {
		toolClient = &http.Client{}
	}
	engine := toolexec.New(db, toolexec.Config{
		Breaker: toolexec.BreakerConfig{
			FailureThreshold: uint32(cfg.BreakerFailureThreshold), //nolint:gosec // validated positive in config.Validate
			CoolDown:         cfg.BreakerCoolDown,
		},
		TenantRatePerSecond: cfg.TenantRatePerSecond,
		TenantRateBurst:     cfg.TenantRateBurst,
	}, logger, toolClient)

	var searcher stage.Searcher = stage.NoopSearcher{}
	if o.searcher != nil {
		searcher = searcherAdapter{o.searcher}
	}

	registry := stage.NewRegistry(
		stage.NewIntakeAgent(logger),
		stage.NewTriageAgent(searcher, logger),
		stage.NewPolicyAgent(),
		stage.NewPlaybookAgent(),
		stage.NewResolutionAgent(engine, logger),
		stage.NewFeedbackAgent(),
	)

	orch := orchestrator.New(db, snapshots, registry, pipeline, pipeline, gate, cfg.Domain, logger)

	srv := server.New(server.ServerConfig{
		Store:        db,
		Keys:         db,
		Approvals:    gate,
		Publisher:    pipeline,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		snapshots:    snapshots,
		pipeline:     pipeline,
		redisClient:  redisClient,
		gate:         gate,
		orch:         orch,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for embedding or tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the message consumers, background loops, and the HTTP server,
// then blocks until ctx is cancelled or a fatal error occurs. It shuts the
// App down before returning; the App cannot be reused afterwards.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.pipeline.Run(gctx, a.orch.Handler())
	})
	g.Go(func() error {
		a.gate.RunExpiry(gctx, a.cfg.ApprovalExpiryInterval)
		return nil
	})
	g.Go(func() error {
		a.retentionLoop(gctx)
		return nil
	})
	g.Go(func() error {
		a.packActivationLoop(gctx)
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-gctx.Done():
	case err := <-errCh:
		return err
	}

	// Stop accepting HTTP first, then let the consumer loops drain.
	// In-flight messages that miss the window are redelivered by the
	// broker, so nothing is lost.
	a.logger.Info("resolvd shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.logger.Info("resolvd stopped")
	return nil
}

func (a *App) close() {
	a.snapshots.Close()
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	a.db.Close()
	_ = a.otelShutdown(context.Background())
}

// retentionLoop periodically purges the history of closed exceptions that
// aged past each tenant's retention window.
// packActivationLoop drops cached config snapshots the moment the pack
// management subsystem activates a new pack, instead of waiting out the
// cache TTL. The listening connection is re-established on failure.
func (a *App) packActivationLoop(ctx context.Context) {
	for {
		err := a.db.ListenPackActivations(ctx, func(tenantID, domain string) {
			a.snapshots.Invalidate(tenantID, domain)
			a.logger.Info("config snapshot invalidated",
				"tenant_id", tenantID, "domain", domain)
		})
		if ctx.Err() != nil {
			return
		}
		a.logger.Error("pack activation listener failed, reconnecting", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (a *App) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RetentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tenants, err := a.db.ListTenantRetention(ctx)
		if err != nil {
			a.logger.Error("retention: list tenants failed", "error", err)
			continue
		}
		for _, tr := range tenants {
			days := tr.RetentionDays
			if days <= 0 {
				days = a.cfg.RetentionDefaultDays
			}
			cutoff := time.Now().UTC().AddDate(0, 0, -days)
			res, err := a.db.PurgeClosedExceptions(ctx, tr.TenantID, cutoff)
			if err != nil {
				a.logger.Error("retention: purge failed", "tenant_id", tr.TenantID, "error", err)
				continue
			}
			if res.Exceptions > 0 {
				a.logger.Info("retention: purged closed exceptions",
					"tenant_id", tr.TenantID,
					"exceptions", res.Exceptions,
					"events", res.Events,
				)
			}
		}
	}
}

// searcherAdapter bridges the public Searcher to the internal stage
// interface. This is the only file that sees both sides of the boundary.
type searcherAdapter struct {
	s Searcher
}

func (a searcherAdapter) SimilarExceptions(ctx context.Context, tenantID, exceptionType, summary string) ([]stage.SimilarCase, error) {
	cases, err := a.s.SimilarExceptions(ctx, tenantID, exceptionType, summary)
	if err != nil {
		return nil, err
	}
	out := make([]stage.SimilarCase, len(cases))
	for i, c := range cases {
		out[i] = stage.SimilarCase{ExceptionID: c.ExceptionID, Score: c.Score}
	}
	return out, nil
}
