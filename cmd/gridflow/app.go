package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"

	"github.com/rendis/gridflow/internal/adapters"
	"github.com/rendis/gridflow/internal/engine"
	"github.com/rendis/gridflow/internal/expressions"
	"github.com/rendis/gridflow/internal/store"
	"github.com/rendis/gridflow/internal/streaming"
	"github.com/rendis/gridflow/internal/validation"
	"github.com/rendis/gridflow/internal/workspace"
)

// app is the wired process: store, providers, executor and the workspace
// service on top of them.
type app struct {
	config  *Config
	logger  *slog.Logger
	store   store.Store
	lock    *flock.Flock
	hub     *streaming.MemoryHub
	service *workspace.Service
}

func openApp(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}

	httpClient := adapters.NewHTTPClient(adapters.HTTPConfig{
		Timeout:         cfg.HTTP.Timeout,
		MaxResponseBody: cfg.HTTP.MaxResponseBody,
	})
	providers := adapters.NewRegistry()
	if err = adapters.RegisterHTTPProviders(providers, cfg.Providers, httpClient); err != nil {
		return nil, err
	}

	var chat adapters.ChatCompleter
	if cfg.AI.APIKey != "" {
		chat = adapters.NewOpenAIClient(adapters.AIClientConfig{
			BaseURL:      cfg.AI.BaseURL,
			APIKey:       cfg.AI.APIKey,
			DefaultModel: cfg.AI.Model,
			Timeout:      cfg.AI.Timeout,
		})
	}

	a.hub = streaming.NewMemoryHub(0)
	recorder := streaming.NewRecorder(a.store, a.hub, logger)

	exec, err := engine.NewExecutor(engine.ExecutorDeps{
		Store:     a.store,
		Providers: providers,
		Chat:      chat,
		HTTP:      httpClient,
		Events:    recorder,
		Logger:    logger,
	}, cfg.Executor)
	if err != nil {
		return nil, err
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create condition engine: %w", err)
	}
	validator, err := validation.NewColumnValidator(providers, cel)
	if err != nil {
		return nil, err
	}

	a.service, err = workspace.NewService(workspace.Deps{
		Store:     a.store,
		Executor:  exec,
		Validator: validator,
		Events:    recorder,
		Logger:    logger,
	}, workspace.Config{AutoRun: cfg.AutoRun})
	if err != nil {
		return nil, err
	}

	logger.Debug("gridflow ready", "db_path", cfg.DBPath, "providers", providers.Count())
	return a, nil
}

// openStore opens the configured store. File databases are locked and
// migrated before use.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	if a.config.DBPath == memoryDB {
		return store.NewMemoryStore(), nil
	}

	lock, err := lockDatabase(ctx, a.config.DBPath, a.config.Lock.Timeout)
	if err != nil {
		return nil, err
	}
	a.lock = lock

	s, err := store.NewLibSQLStore("file:" + a.config.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close stops every session, closes the store and releases the lock.
func (a *app) Close() error {
	var errs []error
	if a.service != nil {
		a.service.Shutdown()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Unlock())
	}
	return errors.Join(errs...)
}
