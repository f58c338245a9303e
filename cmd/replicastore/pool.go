package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/replicastore/replicastore/internal/config"
	"github.com/replicastore/replicastore/internal/filestore"
	"github.com/replicastore/replicastore/internal/metadata"
	"github.com/replicastore/replicastore/internal/namespace"
	"github.com/replicastore/replicastore/internal/repository"
)

// logNamespace stands in for a namespace service and only logs what it
// would have been told.
type logNamespace struct {
	logger zerolog.Logger
}

func (n logNamespace) AddCacheLocation(_ context.Context, id string) error {
	n.logger.Debug().Str("id", id).Msg("add cache location")
	return nil
}

func (n logNamespace) ClearCacheLocation(_ context.Context, id string, removeIfLast bool) error {
	n.logger.Debug().Str("id", id).Bool("remove_if_last", removeIfLast).Msg("clear cache location")
	return nil
}

// pool is an opened repository with the resources it owns.
type pool struct {
	repo     *repository.Repository
	notifier *namespace.Notifier
	logger   zerolog.Logger
}

func openBackend(cfg *config.PoolConfig) (metadata.Backend, error) {
	switch cfg.Meta.Backend {
	case config.BackendBolt:
		return metadata.NewBoltBackend(cfg.Meta.Dir)
	default:
		return metadata.NewFileBackend(cfg.Meta.Dir)
	}
}

// openPool builds the repository described by cfg, then initializes and
// loads it.
func openPool(ctx context.Context, cfg *config.PoolConfig, logger zerolog.Logger) (*pool, error) {
	files, err := filestore.NewDir(cfg.DataPath())
	if err != nil {
		return nil, err
	}
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	nsLogger := logger.With().Str("component", "namespace").Logger()
	notifier := namespace.NewNotifier(logNamespace{logger: nsLogger}, namespace.Options{
		Retries:        cfg.Namespace.Retries,
		InitialBackoff: cfg.Namespace.InitialBackoff,
		MaxBackoff:     cfg.Namespace.MaxBackoff,
		Timeout:        cfg.Namespace.Timeout,
		Synchronous:    cfg.SynchronousNotification,
	}, logger)

	repo := repository.New(files, backend, notifier, repository.Options{
		MaxDiskSpace:            cfg.MaxDiskSpace.Bytes(),
		Gap:                     cfg.Gap.Bytes(),
		Volatile:                cfg.Volatile,
		SynchronousNotification: cfg.SynchronousNotification,
		DefaultStickyLifetime:   cfg.DefaultStickyLifetime,
		LoadConcurrency:         cfg.LoadConcurrency,
		Logger:                  logger,
	})
	p := &pool{repo: repo, notifier: notifier, logger: logger}

	if err := repo.Init(); err != nil {
		p.close()
		return nil, fmt.Errorf("init pool %s: %w", cfg.Name, err)
	}
	if err := repo.Load(ctx); err != nil {
		p.close()
		return nil, fmt.Errorf("load pool %s: %w", cfg.Name, err)
	}
	return p, nil
}

func (p *pool) close() {
	if err := p.repo.Shutdown(); err != nil {
		p.logger.Error().Err(err).Msg("shutdown failed")
	}
	p.notifier.Close()
}
