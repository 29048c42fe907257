package main

import (
	"context"
	"fmt"

	"github.com/copyleftdev/profilepool/internal/browser"
	"github.com/copyleftdev/profilepool/internal/config"
	"github.com/copyleftdev/profilepool/internal/jobs"
	"github.com/copyleftdev/profilepool/internal/pool"
	"github.com/copyleftdev/profilepool/internal/profile"
	"github.com/copyleftdev/profilepool/internal/profile/docker"
	"github.com/copyleftdev/profilepool/internal/profile/remote"
	"github.com/copyleftdev/profilepool/internal/store"
	"github.com/copyleftdev/profilepool/internal/tasks"
	"go.uber.org/zap"
)

// app holds the long-lived components shared by serve and run.
type app struct {
	logger   *zap.Logger
	backend  profile.Backend
	pool     *pool.Pool
	registry *jobs.Registry
	manager  *tasks.Manager
	store    *store.Store

	closers []func(context.Context)
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}

	backend, err := a.newBackend(ctx, cfg.Backend)
	if err != nil {
		return nil, err
	}
	a.backend = backend

	var sink tasks.Sink
	if cfg.Store.DSN != "" {
		if err := a.openStore(ctx, cfg.Store.DSN); err != nil {
			a.close(ctx)
			return nil, err
		}
		sink = a.store
	}

	connector := browser.NewChromedpConnector(cfg.Browser, logger)
	a.pool = pool.New(backend, connector, cfg.Pool, logger)
	a.registry = jobs.NewRegistry(a.pool, logger)
	a.manager = tasks.NewManager(cfg.Tasks, sink, logger)
	return a, nil
}

func (a *app) newBackend(ctx context.Context, cfg config.BackendConfig) (profile.Backend, error) {
	switch cfg.Kind {
	case "docker":
		b, err := docker.New(cfg.Docker, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(ctx context.Context) {
			if err := b.Close(ctx); err != nil {
				a.logger.Warn("Failed to close docker backend", zap.Error(err))
			}
		})
		if err := b.EnsureImage(ctx); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("prepare browser image: %w", err)
		}
		return b, nil
	case "remote":
		return remote.New(cfg.Remote, a.logger)
	default:
		return nil, fmt.Errorf("unknown backend kind %q (want docker or remote)", cfg.Kind)
	}
}

func (a *app) openStore(ctx context.Context, dsn string) error {
	db, err := store.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func(context.Context) { db.Close() })

	st, err := store.New(ctx, db, a.logger)
	if err != nil {
		return err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}
	a.store = st
	a.logger.Info("Run persistence enabled")
	return nil
}

// shutdown stops tasks first so their sessions are released, then the pool,
// then backend and database.
func (a *app) shutdown(ctx context.Context) {
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			a.logger.Warn("Task manager did not stop cleanly", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Shutdown(ctx)
	}
	a.close(ctx)
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}
