package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/daniel/storyweaver/internal/artifacts"
	"github.com/daniel/storyweaver/internal/cache"
	"github.com/daniel/storyweaver/internal/config"
	"github.com/daniel/storyweaver/internal/db"
	"github.com/daniel/storyweaver/internal/event"
	"github.com/daniel/storyweaver/internal/llm"
	"github.com/daniel/storyweaver/internal/observability"
	"github.com/daniel/storyweaver/internal/run"
	"github.com/daniel/storyweaver/internal/template"
)

// app bundles the wired collaborators a command needs, plus their teardown.
type app struct {
	svc     *run.Service
	logger  *slog.Logger
	printer *observability.Printer
	cleanup func()
}

// buildApp wires the orchestrator from config: the durable stack when a
// database URL is configured, in-memory otherwise.
func buildApp(ctx context.Context, cfg config.Config, jsonLogs bool) (*app, error) {
	logger := observability.NewLogger(os.Stderr, cfg.Verbose, jsonLogs)

	var teardown []func()
	fail := func(err error) (*app, error) {
		for i := len(teardown) - 1; i >= 0; i-- {
			teardown[i]()
		}
		return nil, err
	}

	var (
		sink    event.Sink
		backend cache.Backend
		index   run.Index
	)
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		teardown = append(teardown, database.Close)
		if err := database.Migrate(ctx); err != nil {
			return fail(err)
		}
		sink = db.NewEventSink(database)
		backend = db.NewCacheBackend(database)
		index = db.NewRunIndex(database)
	} else {
		sink = event.NewMemorySink()
		backend = cache.NewMemoryBackend()
		logger.Debug("no database configured, using in-memory persistence")
	}

	respCache, err := cache.New(backend, cache.Config{
		MemoryCapacity: cfg.CacheCapacity,
		TTL:            cfg.CacheTTL(),
	}, logger)
	if err != nil {
		return fail(err)
	}
	teardown = append(teardown, respCache.Close)

	gen, err := llm.NewGeminiClient(ctx, &llm.Config{
		DefaultModels: cfg.Models,
		Temperature:   float32(cfg.Temperature),
	}, cfg.APIKey)
	if err != nil {
		return fail(fmt.Errorf("failed to create generation client: %w", err))
	}
	teardown = append(teardown, func() { _ = gen.Close() })

	var blobs artifacts.Store
	if cfg.MinioEndpoint != "" {
		blobs, err = artifacts.NewMinioStore(ctx, artifacts.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to connect artifact store: %w", err))
		}
	}

	registry := template.NewRegistry()
	svc, err := run.NewService(run.Deps{
		Sink:          sink,
		Templates:     registry,
		Cache:         respCache,
		Generator:     gen,
		Blobs:         blobs,
		Index:         index,
		Logger:        logger,
		DefaultModels: cfg.Models,
	}, run.Options{
		Concurrency:   cfg.Concurrency,
		SnapshotEvery: cfg.SnapshotEvery,
		Scope:         cfg.Scope,
	})
	if err != nil {
		return fail(err)
	}

	if cfg.TemplateDir != "" {
		if _, statErr := os.Stat(cfg.TemplateDir); statErr == nil {
			if err := loadTemplates(svc, cfg.TemplateDir); err != nil {
				return fail(err)
			}
		} else {
			logger.Debug("template directory not found, skipping", "dir", cfg.TemplateDir)
		}
	}

	return &app{
		svc:     svc,
		logger:  logger,
		printer: observability.NewPrinter(os.Stdout),
		cleanup: func() {
			for i := len(teardown) - 1; i >= 0; i-- {
				teardown[i]()
			}
		},
	}, nil
}

// loadTemplates registers every YAML template in dir, with full graph
// validation.
func loadTemplates(svc *run.Service, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read template dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		t, err := template.LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if err := svc.RegisterTemplate(t); err != nil {
			return fmt.Errorf("failed to register template %s: %w", t.ID, err)
		}
	}
	return nil
}

// loadCLIConfig loads the config file (when given), folds in the
// environment, and applies defaults.
func loadCLIConfig(path string) (config.Config, error) {
	var cfg config.Config
	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		if err := loaded.Validate(); err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	cfg.FromEnv()
	cfg = cfg.MergeWithDefaults(config.Config{
		Scope:         "default",
		TemplateDir:   "templates",
		CacheCapacity: cache.DefaultMemoryCapacity,
		CacheTTLHours: 24,
		Concurrency:   3,
		SnapshotEvery: 50,
		ListenAddr:    ":8080",
	})
	return cfg, nil
}
