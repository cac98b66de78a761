package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"

	"github.com/matthewmarion/workflow-service/internal/config"
	"github.com/matthewmarion/workflow-service/internal/engine"
	"github.com/matthewmarion/workflow-service/internal/engine/cloudrun"
	"github.com/matthewmarion/workflow-service/internal/engine/stepfunctions"
	"github.com/matthewmarion/workflow-service/internal/jobs"
	"github.com/matthewmarion/workflow-service/internal/reconcile"
	"github.com/matthewmarion/workflow-service/internal/registry"
	"github.com/matthewmarion/workflow-service/internal/store"
	"github.com/matthewmarion/workflow-service/internal/store/redisstore"
	"github.com/matthewmarion/workflow-service/internal/store/sqlstore"
	"github.com/matthewmarion/workflow-service/internal/telemetry"
	"github.com/matthewmarion/workflow-service/internal/trigger"
	"github.com/matthewmarion/workflow-service/internal/worker"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.Store
	engine     engine.Client
	rule       trigger.Rule
	controller *trigger.Controller
	registry   *registry.Registry
	reconciler *reconcile.Reconciler
	worker     *worker.Worker
	telemetry  *telemetry.Provider

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.close(ctx)
		}
	}()

	var err error
	a.telemetry, err = telemetry.New(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  "workflow-service",
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Engine.Region))
			if err != nil {
				return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	switch cfg.Engine.Backend {
	case "stepfunctions":
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		a.engine = stepfunctions.NewFromConfig(c, cfg.Engine.Endpoint)
		logger.Info("using step functions engine", "region", cfg.Engine.Region)
	case "cloudrun":
		conn, err := cloudrun.Dial(cfg.Engine.CloudRunAddr, cfg.Engine.CloudRunInsecure)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		a.engine = cloudrun.New(conn)
		logger.Info("using cloud run engine", "addr", cfg.Engine.CloudRunAddr)
	}

	switch cfg.Trigger.Backend {
	case "eventbridge":
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		client := eventbridge.NewFromConfig(c, func(o *eventbridge.Options) {
			if cfg.Engine.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Engine.Endpoint)
			}
		})
		a.rule = trigger.NewEventBridgeRule(cfg.Trigger.Name, client)
	default:
		a.rule = trigger.NewStoreRule(cfg.Trigger.Name, a.store)
	}
	a.controller = trigger.NewController(a.rule, a.store,
		trigger.WithSettle(cfg.Trigger.Settle),
		trigger.WithLogger(logger),
	)

	notifier := jobs.NewHTTPNotifier()
	a.registry = registry.New(a.store)
	a.reconciler = reconcile.New(a.store, a.registry, a.engine, a.controller, reconcile.Config{
		LockName:              cfg.Reconcile.LockName,
		Concurrency:           cfg.Reconcile.Concurrency,
		PassTimeout:           cfg.Reconcile.PassTimeout,
		MinRemaining:          cfg.Reconcile.MinRemaining,
		ProgressNotifyTimeout: cfg.Reconcile.ProgressNotifyTimeout,
	}, reconcile.WithLogger(logger), reconcile.WithNotifier(notifier))

	a.worker = worker.New(logger)
	(&worker.Operations{
		Store:     a.store,
		Engine:    a.engine,
		Registry:  a.registry,
		Trigger:   a.controller,
		Notifier:  notifier,
		Logger:    logger,
		PublicURL: cfg.Server.PublicURL,
	}).Register(a.worker)
	a.worker.AddOperation(worker.OpReconcile, worker.Reconcile(a.reconciler))

	if err := a.registerWorkflows(ctx); err != nil {
		return nil, err
	}
	ready = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	sc := a.cfg.Store
	switch sc.Backend {
	case "memory":
		a.logger.Warn("using in-memory store, state is lost on exit")
		return store.NewMemoryStore(sc.MutexTTL), nil
	case "sqlite":
		s, err := sqlstore.OpenSQLite(ctx, sc.SQLitePath, sqlstore.WithMutexTTL(sc.MutexTTL))
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.logger.Info("using sqlite store", "path", sc.SQLitePath)
		return s, nil
	case "postgres":
		s, err := sqlstore.OpenPostgres(ctx, sc.PostgresDSN, sqlstore.WithMutexTTL(sc.MutexTTL))
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.logger.Info("using postgres store")
		return s, nil
	case "redis":
		s, err := redisstore.New(ctx, redisstore.Config{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
			MutexTTL: sc.MutexTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("opening redis store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.logger.Info("using redis store", "addr", sc.RedisAddr)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

// registerWorkflows copies the workflow catalog into the store.
func (a *app) registerWorkflows(ctx context.Context) error {
	for _, wd := range a.cfg.Workflows.Workflows {
		schema, err := wd.Schema()
		if err != nil {
			return err
		}
		if err := jobs.RegisterWorkflow(ctx, a.store, jobs.Workflow{
			Name:        wd.Name,
			Definition:  wd.Definition,
			InputSchema: schema,
		}); err != nil {
			return fmt.Errorf("registering workflow %s: %w", wd.Name, err)
		}
		a.logger.Info("registered workflow", "name", wd.Name, "definition", wd.Definition)
	}
	return nil
}

func (a *app) close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("closing resources", "error", err)
	}
}
