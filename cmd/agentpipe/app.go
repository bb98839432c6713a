package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/agentpipe/internal/catalog"
	"github.com/rendis/agentpipe/internal/engine"
	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/internal/intake"
	"github.com/rendis/agentpipe/internal/logging"
	"github.com/rendis/agentpipe/internal/runtime"
	"github.com/rendis/agentpipe/internal/secrets"
	"github.com/rendis/agentpipe/internal/steps"
	"github.com/rendis/agentpipe/internal/store"
	"github.com/rendis/agentpipe/internal/streaming"
	"github.com/rendis/agentpipe/internal/validation"
	"github.com/rendis/agentpipe/pkg/schema"
)

// app is the wired object graph shared by the commands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	events    *store.EventLog
	validator *validation.PipelineValidator
	vault     secrets.Vault // nil when no passphrase is configured
	hub       *streaming.MemoryHub
	metrics   *engine.Metrics
	engine    *engine.Engine
	intake    *intake.Service
}

// newApp opens the store and wires the engine around it.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if dir := filepath.Dir(strings.TrimPrefix(cfg.DBPath, "file:")); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := cfg.DBPath
	if !strings.Contains(dsn, ":") {
		dsn = "file:" + dsn
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st, events: store.NewEventLog(st)}
	if err := a.wire(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	evaluator, pv, err := newValidator(a.cfg)
	if err != nil {
		return err
	}
	a.validator = pv

	if a.cfg.Vault.Passphrase != "" {
		a.vault, err = secrets.NewAESVault(a.store, secrets.VaultConfig{
			Passphrase: a.cfg.Vault.Passphrase,
			Salt:       []byte(a.cfg.Vault.Salt),
		})
		if err != nil {
			return fmt.Errorf("vault: %w", err)
		}
	}

	cat, err := a.catalog()
	if err != nil {
		return err
	}
	docker, err := runtime.NewDockerRuntime(runtime.DockerConfig{
		Binary:     a.cfg.Docker.Binary,
		PullPolicy: runtime.PullPolicy(a.cfg.Docker.PullPolicy),
		Network:    a.cfg.Docker.Network,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	deps := steps.Deps{
		Evaluator: evaluator,
		Mapper:    expressions.NewMapper(nil),
		Schemas:   a.validator.Schemas(),
		Catalog:   cat,
		Runtime:   docker,
		Logger:    a.logger,
	}
	if a.vault != nil {
		deps.Vault = a.vault
		deps.Interpolator = expressions.NewInterpolator(a.vault)
	}

	a.hub = streaming.NewMemoryHub()
	a.metrics = engine.NewMetrics()
	a.engine, err = engine.New(deps, a.store, engine.Config{
		PoolSize:       a.cfg.PoolSize,
		CircuitBreaker: a.cfg.circuitBreakerConfig(),
		DefaultBackoff: a.defaultBackoff(),
		Validator:      a.validator,
		Publisher:      a.hub,
		Metrics:        a.metrics,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}

	a.intake = intake.New(a.engine, a.store, intake.Config{
		Progress:        a.events,
		CallbackTimeout: a.cfg.CallbackTimeout,
		Logger:          a.logger,
	})
	return nil
}

// catalog selects the agent catalog: a remote service, a static file, or
// the agents registered in the store.
func (a *app) catalog() (catalog.Catalog, error) {
	switch {
	case a.cfg.Catalog.URL != "":
		return catalog.NewHTTPCatalog(a.cfg.Catalog.URL, nil)
	case a.cfg.Catalog.File != "":
		return catalog.LoadStaticCatalog(a.cfg.Catalog.File)
	default:
		return catalog.NewRegistry(a.store, a.validator.Schemas()), nil
	}
}

func (a *app) defaultBackoff() *schema.BackoffPolicy {
	if a.cfg.DefaultBackoff == engine.BackoffNone {
		return nil
	}
	return &schema.BackoffPolicy{Strategy: a.cfg.DefaultBackoff, Delay: a.cfg.DefaultBackoffDelay}
}

// requireVault fails when secrets cannot be sealed or opened.
func (a *app) requireVault() (secrets.Vault, error) {
	if a.vault == nil {
		return nil, schema.NewError(schema.ErrCodeVault, "vault is not configured: set vault.passphrase and vault.salt")
	}
	return a.vault, nil
}

// Close drains async executions until ctx expires, cancels the ones still
// running, then releases the engine and the store. Cancelled executions
// are sealed and their callbacks get one callback_timeout to go out.
func (a *app) Close(ctx context.Context) {
	drained := true
	if a.intake != nil {
		if err := a.intake.Shutdown(ctx); err != nil {
			drained = false
			a.logger.Warn("async executions still running, cancelling", slog.Any("error", err))
		}
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if !drained {
		timeout := a.cfg.CallbackTimeout
		if timeout <= 0 {
			timeout = intake.DefaultCallbackTimeout
		}
		cbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		if err := a.intake.Shutdown(cbCtx); err != nil {
			a.logger.Warn("pending callbacks dropped", slog.Any("error", err))
		}
		cancel()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.Any("error", err))
	}
}

// newLogger writes to stderr so stdout stays free for MCP stdio and results.
func newLogger(cfg Config) *slog.Logger {
	return logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}
