package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/janitor"
	"github.com/rendis/stepflow/internal/observability"
	"github.com/rendis/stepflow/internal/planner"
	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/internal/workflows"
)

// app is a fully wired stepflow instance.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	redis     *redis.Client
	workflows *workflows.Registry
	registry  *prometheus.Registry
	metrics   *observability.Metrics
	service   *service.Service
	janitor   *janitor.Janitor
}

// components are the pieces built before any store is opened.
type components struct {
	conds     *expressions.Conditions
	jq        *expressions.GoJQEngine
	actions   *actions.Registry
	validator *validation.WorkflowValidator
	model     llms.Model
}

func newComponents(cfg Config) (*components, error) {
	conds, err := expressions.NewConditions()
	if err != nil {
		return nil, fmt.Errorf("init conditions: %w", err)
	}
	jq := expressions.NewGoJQEngine()

	model, err := newModel(cfg)
	if err != nil {
		return nil, err
	}

	acts := actions.NewRegistry()
	v, err := validation.NewWorkflowValidator(
		validation.WithActions(acts),
		validation.WithConditionCompiler(conds),
		validation.WithTemplateCompiler(jq),
	)
	if err != nil {
		return nil, fmt.Errorf("init validator: %w", err)
	}
	if err := actions.RegisterBuiltins(acts, actions.BuiltinDeps{Validator: v.Schemas(), JQ: jq, Model: model}); err != nil {
		return nil, fmt.Errorf("register actions: %w", err)
	}
	return &components{conds: conds, jq: jq, actions: acts, validator: v, model: model}, nil
}

// newModel returns nil when no LLM token is configured.
func newModel(cfg Config) (llms.Model, error) {
	if cfg.LLMToken == "" {
		return nil, nil
	}
	opts := []openai.Option{
		openai.WithToken(cfg.LLMToken),
		openai.WithModel(cfg.LLMModel),
	}
	if cfg.LLMBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.LLMBaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("init llm client: %w", err)
	}
	return llm, nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.DBPath == "" {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.DBPath, err)
	}
	return st, nil
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (_ *app, err error) {
	c, err := newComponents(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	var sessions store.SessionStore = a.store
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		sessions = store.NewRedisSessionStore(a.redis, store.WithSessionTTL(time.Duration(cfg.SessionTTL)))
	}

	a.workflows = workflows.NewRegistry(c.validator, c.actions, logger)
	if err = a.workflows.LoadBuiltins(); err != nil {
		return nil, fmt.Errorf("load builtin workflows: %w", err)
	}
	if err = loadWorkflowsDir(a.workflows, cfg.WorkflowsDir); err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.metrics = observability.InitMetrics(a.registry)
	a.metrics.SetWorkflowsLoaded(a.workflows.Len())

	hub := streaming.NewMemoryHub(logger)
	renderer := expressions.NewRenderer(c.jq)
	exec := engine.NewExecutor(a.store, engine.ExecutorConfig{
		MaxSteps:    cfg.MaxSteps,
		Binder:      c.actions,
		Conditions:  c.conds,
		Broadcaster: hub,
		Events:      a.store,
		Metrics:     a.metrics,
		Logger:      logger,
	})
	conversations := engine.NewSessionEngine(sessions, a.workflows, engine.SessionConfig{
		MaxSteps:   cfg.MaxSteps,
		Conditions: c.conds,
		Renderer:   renderer,
		Binder:     c.actions,
		Events:     a.store,
		Metrics:    a.metrics,
		Logger:     logger,
	})

	var plan planner.Planner = planner.NewTemplatePlanner(a.workflows)
	if c.model != nil {
		plan = planner.Chain(plan, planner.NewLLMPlanner(c.model, c.validator.Schemas(), c.actions,
			planner.WithPlannerLogger(logger)))
	}

	a.service, err = service.New(service.Config{
		Tasks:       a.store,
		Events:      a.store,
		Runner:      exec,
		Sessions:    conversations,
		Planner:     plan,
		Workflows:   a.workflows,
		Pool:        engine.NewWorkerPool(cfg.PoolSize),
		Broadcaster: hub,
		Renderer:    renderer,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	a.janitor, err = janitor.New(janitor.Config{
		Tasks:         a.store,
		Sessions:      sessions,
		Forgetter:     exec,
		TaskRetention: time.Duration(cfg.TaskRetention),
		SessionTTL:    time.Duration(cfg.SessionTTL),
		Schedule:      cfg.SweepSchedule,
		Metrics:       a.metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("stepflow ready",
		slog.Int("workflows", a.workflows.Len()),
		slog.Bool("persistent", cfg.DBPath != ""),
		slog.Bool("redis_sessions", a.redis != nil),
		slog.Bool("llm", c.model != nil))
	return a, nil
}

// loadWorkflowsDir registers dir's definitions. A missing dir is skipped.
func loadWorkflowsDir(reg *workflows.Registry, dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := reg.LoadDir(dir); err != nil {
		return fmt.Errorf("load workflows from %s: %w", dir, err)
	}
	return nil
}

// close releases everything newApp acquired. Running tasks are drained first.
func (a *app) close() {
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if a.service != nil {
		a.service.Shutdown()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", slog.String("error", err.Error()))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}
