package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/opensource-finance/harrier/internal/actions"
	"github.com/opensource-finance/harrier/internal/audit"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/velocity"
	"github.com/opensource-finance/harrier/internal/worker"
)

// App holds the wired components of a serving process.
type App struct {
	Config   *domain.Config
	Logger   *slog.Logger
	Engine   *rules.Engine
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Recorder *audit.Recorder
	Tracker  *velocity.Tracker
	Relay    *worker.Relay
	Worker   *worker.Worker
}

// NewApp connects the backing services named by cfg and builds the engine on
// top of them. extra rules are registered after the defaults.
func NewApp(ctx context.Context, cfg *domain.Config, logger *slog.Logger, extra []domain.Rule) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	app.Repo = repo
	logger.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	app.Cache = cacheImpl
	logger.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	app.Bus = busImpl
	logger.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := newEngine(cfg, logger, busImpl, cacheImpl)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Engine = engine

	if err := addRules(ctx, engine, extra); err != nil {
		app.Close()
		return nil, err
	}

	if repo != nil {
		app.Recorder = audit.NewRecorder(repo, logger, audit.DefaultQueueSize)
		app.Recorder.Attach(engine)
	}

	// trigger counters fall back to a private LRU when caching is disabled
	counters := cacheImpl
	if counters == nil {
		counters = cache.NewLRUCache(cfg.Cache.LocalMaxSize)
	}
	app.Tracker = velocity.NewTracker(counters, cfg.Cache.Namespace, velocity.DefaultWindow, logger)
	app.Tracker.Attach(engine)

	app.Relay = worker.NewRelay(busImpl, cfg.EventBus.Namespace)
	app.Relay.Attach(engine)

	app.Worker = worker.NewWorker(busImpl, engine, cfg.EventBus.Namespace)
	if err := app.Worker.Start(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	logger.Info("rule engine initialized", "rules", len(engine.ListRules()))
	return app, nil
}

// Close stops the components in reverse start order.
func (a *App) Close() error {
	var errs []error

	if a.Worker != nil {
		errs = append(errs, a.Worker.Stop())
	}
	if a.Relay != nil {
		a.Relay.Detach()
	}
	if a.Tracker != nil {
		a.Tracker.Detach()
	}
	if a.Recorder != nil {
		errs = append(errs, a.Recorder.Close())
	}
	if a.Engine != nil {
		// the engine owns the evaluation cache
		errs = append(errs, a.Engine.Close())
	} else if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	if a.Repo != nil {
		errs = append(errs, a.Repo.Close())
	}

	return errors.Join(errs...)
}

// newEngine builds an engine whose actions are published on eventBus, or
// logged when eventBus is nil.
func newEngine(cfg *domain.Config, logger *slog.Logger, eventBus domain.EventBus, evalCache domain.Cache) (*rules.Engine, error) {
	handlers := rules.NewHandlerRegistry()
	actions.RegisterDefaults(handlers, eventBus, cfg.EventBus.Namespace, logger)

	opts := []rules.Option{
		rules.WithConfig(cfg.Engine),
		rules.WithLogger(logger),
		rules.WithHandlers(handlers),
	}
	if evalCache != nil {
		opts = append(opts, rules.WithCache(evalCache, cfg.Cache.Namespace, cfg.Cache.LocalTTL))
	}
	if cfg.Tracing.Enabled {
		opts = append(opts, rules.WithTracer(otel.Tracer(cfg.Tracing.ServiceName)))
	}

	engine, err := rules.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	return engine, nil
}

func addRules(ctx context.Context, engine *rules.Engine, extra []domain.Rule) error {
	for _, rule := range extra {
		if _, err := engine.AddRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to add rule %s: %w", rule.ID, err)
		}
	}
	return nil
}
