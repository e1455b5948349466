package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/checkpoint"
	"github.com/fyrsmithlabs/devcrew/internal/config"
	"github.com/fyrsmithlabs/devcrew/internal/events"
	"github.com/fyrsmithlabs/devcrew/internal/llm"
	"github.com/fyrsmithlabs/devcrew/internal/logging"
	"github.com/fyrsmithlabs/devcrew/internal/memory"
	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
	"github.com/fyrsmithlabs/devcrew/internal/prompts"
	"github.com/fyrsmithlabs/devcrew/internal/secrets"
	"github.com/fyrsmithlabs/devcrew/internal/telemetry"
	"github.com/fyrsmithlabs/devcrew/internal/tools"
)

// app holds every wired dependency of one process.
type app struct {
	cfg         *config.Config
	logger      *logging.Logger
	telemetry   *telemetry.Telemetry
	checkpoints *checkpoint.Service
	publisher   *events.Publisher
	scrubber    secrets.Scrubber
	registry    *tools.Registry
	engine      *orchestrator.Engine
}

// appOptions adjust wiring per command.
type appOptions struct {
	// logWriter replaces stdout for log output.
	logWriter io.Writer
	// withoutEngine skips the model, tools and engine for read-only commands.
	withoutEngine bool
}

// newApp initializes all dependencies:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Opens the checkpoint store and the optional NATS publisher
//  4. Builds the model client, memory, secret scrubber and tool registry
//  5. Loads role templates and builds the engine
//
// Callers must Close the returned app.
func newApp(ctx context.Context, opts appOptions) (_ *app, err error) {
	cfg, err := config.LoadWithFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := initLogger(cfg, opts.logWriter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, scrubber: secrets.Nop{}}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	zl := logger.Underlying()

	a.telemetry, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), zl.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a.checkpoints, err = checkpoint.Open(cfg.Checkpoint, zl.Named("checkpoint"))
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	if opts.withoutEngine {
		return a, nil
	}

	if cfg.Events.NATSURL != "" {
		a.publisher, err = events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, zl.Named("events"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
	}

	if cfg.Secrets.Enabled {
		a.scrubber, err = initScrubber(cfg.Secrets)
		if err != nil {
			return nil, err
		}
	}

	client, err := llm.New(cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	store, err := initMemory(cfg, client, zl.Named("memory"))
	if err != nil {
		return nil, err
	}

	a.registry, err = tools.NewBuiltinRegistry(tools.Deps{
		Workspace:   tools.WorkspaceFromConfig(cfg.Workspace),
		GitHub:      cfg.GitHub,
		Memory:      store,
		RecallLimit: cfg.Memory.RecallLimit,
		Logger:      zl.Named("tools"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	templates, err := prompts.NewLoader(cfg.Prompts.Dir, zl.Named("prompts"))
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}
	if cfg.Prompts.Watch {
		go func() {
			if err := templates.Watch(ctx); err != nil {
				zl.Warn("prompt watcher stopped", zap.Error(err))
			}
		}()
	}

	deps := orchestrator.Deps{
		Model:       client,
		Templates:   templates,
		Tools:       a.registry,
		Memory:      store,
		Scrubber:    a.scrubber,
		Checkpoints: a.checkpoints,
		Metrics:     orchestrator.NewMetrics(),
		Logger:      logger,
		Tracer:      a.telemetry.Tracer("github.com/fyrsmithlabs/devcrew/internal/orchestrator"),
	}
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	a.engine, err = orchestrator.NewEngine(cfg.Orchestrator, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}

	logger.Info(ctx, "devcrew initialized",
		zap.String("version", version),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Bool("events", a.publisher != nil),
		zap.Bool("secrets", cfg.Secrets.Enabled),
		zap.Bool("recall_index", store.HasIndex()),
		zap.Strings("tools", a.registry.Names()))
	return a, nil
}

// Close releases all resources in reverse order of creation.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn(ctx, "closing publisher", zap.Error(err))
		}
	}
	if a.checkpoints != nil {
		if err := a.checkpoints.Close(); err != nil {
			a.logger.Warn(ctx, "closing checkpoint store", zap.Error(err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync() // Best-effort sync on shutdown
}

// initLogger builds the structured logger. OTEL output goes through the
// global log provider.
func initLogger(cfg *config.Config, w io.Writer) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Log)
	if err != nil {
		return nil, err
	}
	logCfg.Output.Writer = w
	return logging.NewLogger(logCfg, global.GetLoggerProvider())
}

func initScrubber(cfg config.SecretsConfig) (secrets.Scrubber, error) {
	var allow *secrets.Allowlist
	if cfg.AllowlistPath != "" {
		var err error
		allow, err = secrets.LoadAllowlist(cfg.AllowlistPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load secrets allowlist: %w", err)
		}
	}
	detector, err := secrets.NewDetector(allow)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret detector: %w", err)
	}
	return detector, nil
}

// initMemory opens the memory files and, when enabled, the recall index.
func initMemory(cfg *config.Config, client *llm.Client, logger *zap.Logger) (*memory.Store, error) {
	var opts []memory.Option
	if cfg.Memory.IndexEnable {
		embedder, err := llm.NewEmbedder(cfg.Models)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		idx, err := memory.NewIndex(cfg.Memory.IndexPath, embedder.EmbedQuery, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open recall index: %w", err)
		}
		opts = append(opts, memory.WithIndex(idx))
	}
	store, err := memory.NewStore(cfg.Memory.Dir, client, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory: %w", err)
	}
	return store, nil
}
