package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/llm-orchestrator/internal/cache"
	"github.com/tributary-ai/llm-orchestrator/internal/config"
	"github.com/tributary-ai/llm-orchestrator/internal/middleware"
	"github.com/tributary-ai/llm-orchestrator/internal/orchestrator"
	"github.com/tributary-ai/llm-orchestrator/internal/providers"
	anthropicprovider "github.com/tributary-ai/llm-orchestrator/internal/providers/anthropic"
	openaiprovider "github.com/tributary-ai/llm-orchestrator/internal/providers/openai"
	"github.com/tributary-ai/llm-orchestrator/internal/quota"
	"github.com/tributary-ai/llm-orchestrator/internal/security"
	"github.com/tributary-ai/llm-orchestrator/internal/server"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

const specPath = "docs/openapi.yaml"

// Application wires the orchestrator, its stores, and the HTTP server.
type Application struct {
	config       *config.Config
	orchestrator *orchestrator.Orchestrator
	server       *server.Server
	cache        *cache.MemoryCache
	usageStore   quota.UsageStore
	quotaTracker *quota.Tracker
	logger       *logrus.Logger
}

// NewApplication creates a fully wired application instance.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	usageStore, err := buildUsageStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage store: %w", err)
	}

	quotaTracker := quota.NewTracker(usageStore, logger)
	responseCache := cache.NewMemoryCache(logger)

	orch := orchestrator.New(responseCache, quotaTracker, logger,
		orchestrator.WithCacheTTL(cfg.CacheTTL()),
		orchestrator.WithBreakerConfig(cfg.BreakerConfig()),
	)

	if err := registerProviders(orch, cfg.ProviderConfigs(), logger); err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	auth := security.NewAuthenticator(&security.Config{
		APIKeys:     cfg.Security.APIKeys,
		JWTSecret:   cfg.Security.JWTSecret,
		RequireAuth: len(cfg.Security.APIKeys) > 0 || cfg.Security.JWTSecret != "",
	}, logger)

	validator, err := middleware.NewValidationMiddleware(&middleware.ValidationConfig{
		Enabled:  fileExists(specPath),
		SpecPath: specPath,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize request validation: %w", err)
	}

	srv := server.NewServer(orch, &server.Config{
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.ReadTimeout(),
		WriteTimeout:   cfg.WriteTimeout(),
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		SpecPath:       specPath,
	}, auth, validator, logger)

	return &Application{
		config:       cfg,
		orchestrator: orch,
		server:       srv,
		cache:        responseCache,
		usageStore:   usageStore,
		quotaTracker: quotaTracker,
		logger:       logger,
	}, nil
}

// Run starts the application and blocks until shutdown completes.
func (app *Application) Run() error {
	app.logger.Info("Starting LLM orchestrator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		app.quotaTracker.RunRolloverSweep(ctx, time.Hour)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		app.logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		return app.server.Stop(shutdownCtx)
	})

	err := g.Wait()

	app.cache.Stop()
	if closer, ok := app.usageStore.(interface{ Close() error }); ok {
		if closeErr := closer.Close(); closeErr != nil {
			app.logger.WithError(closeErr).Warn("Usage store close failed")
		}
	}

	if err != nil {
		return err
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// buildUsageStore opens the configured quota store. Without a database path
// the usage counters live in memory and reset on restart.
func buildUsageStore(cfg *config.Config, logger *logrus.Logger) (quota.UsageStore, error) {
	if cfg.Orchestrator.UsageDB == "" {
		logger.Warn("No usage database configured, quota accounting will not survive restarts")
		return quota.NewMemoryStore(), nil
	}

	store, err := quota.NewSQLiteStore(cfg.Orchestrator.UsageDB)
	if err != nil {
		return nil, err
	}

	logger.WithField("path", cfg.Orchestrator.UsageDB).Info("Usage database opened")
	return store, nil
}

// registerProviders builds a backend client for every configured provider
// and registers it with the orchestrator.
func registerProviders(orch *orchestrator.Orchestrator, configs []types.ProviderConfig, logger *logrus.Logger) error {
	for _, pc := range configs {
		var client providers.BackendClient
		switch pc.Kind {
		case types.KindOpenAI:
			client = openaiprovider.NewClient(pc, logger)
		case types.KindAnthropic:
			client = anthropicprovider.NewClient(pc, logger)
		default:
			return fmt.Errorf("provider %s: unknown kind %q", pc.ID, pc.Kind)
		}

		if err := orch.Register(client, pc); err != nil {
			return err
		}
	}

	return nil
}

// setupLogger configures the logger based on configuration.
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// printUsage prints application usage information.
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY                 OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY              Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  LLM_ORCHESTRATOR_PORT          Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ORCHESTRATOR_LOG_LEVEL     Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ORCHESTRATOR_LOG_FORMAT    Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ORCHESTRATOR_USAGE_DB      SQLite path for quota accounting\n")
	fmt.Fprintf(os.Stderr, "  LLM_ORCHESTRATOR_CACHE_TTL     Response cache TTL (default: 720h)\n")
	fmt.Fprintf(os.Stderr, "  LLM_ORCHESTRATOR_JWT_SECRET    Secret for JWT authentication\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY=sk-xxx %s --config configs/config.yaml\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *version {
		fmt.Printf("LLM Orchestrator v1.0.0\n")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
