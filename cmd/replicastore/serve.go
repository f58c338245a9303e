package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/replicastore/replicastore/internal/config"
	"github.com/replicastore/replicastore/internal/logging/audit"
	"github.com/replicastore/replicastore/internal/logging/loki"
	"github.com/replicastore/replicastore/internal/metrics"
	"github.com/replicastore/replicastore/internal/repository"
	"github.com/replicastore/replicastore/internal/sweeper"
	"github.com/replicastore/replicastore/pkg/bytesize"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load the pool and keep it running until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Loki.Enabled {
				lw := loki.NewWriter(loki.Config{
					URL:           cfg.Loki.URL,
					BatchSize:     cfg.Loki.BatchSize,
					FlushInterval: cfg.Loki.FlushInterval,
					Labels: map[string]string{
						"pool":    cfg.Name,
						"version": Version,
					},
				})
				lw.Start()
				defer lw.Stop()

				log.Logger = log.Output(zerolog.MultiLevelWriter(
					zerolog.ConsoleWriter{Out: opts.logOut},
					lw,
				))
				log.Info().Str("url", cfg.Loki.URL).Msg("loki log shipping enabled")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log.Logger, nil)
		},
	}
}

// runServe runs the pool until ctx is done. ready, if set, receives the
// metrics listener address once the pool is online.
func runServe(ctx context.Context, cfg *config.PoolConfig, logger zerolog.Logger, ready chan<- string) error {
	logger = logger.With().Str("pool", cfg.Name).Logger()

	p, err := openPool(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.close()

	var onEvict func(id string, size int64)
	if cfg.Audit {
		a := audit.NewLogger(logger.With().Str("component", "audit").Logger())
		p.repo.AddListener(a)
		p.repo.AddFaultListener(a)
		onEvict = a.LogEviction
	} else {
		p.repo.AddFaultListener(repository.FaultListenerFunc(func(ev repository.FaultEvent) {
			logger.Warn().Str("id", ev.ID).AnErr("cause", ev.Cause).Msg(ev.Message)
		}))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var stats metrics.SweeperStats
	if cfg.Sweeper.Enabled {
		sw, err := sweeper.New(p.repo, sweeper.Options{
			Margin:   cfg.Sweeper.Margin.Bytes(),
			Interval: cfg.Sweeper.Interval,
			Logger:   logger,
			OnEvict:  onEvict,
		})
		if err != nil {
			return err
		}
		defer sw.Close()
		stats = sw
		g.Go(func() error {
			if err := sw.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	var addr string
	if cfg.Metrics.Listen != "" {
		m := metrics.InitMetrics(cfg.Name, Version)
		collector := metrics.NewCollector(m, metrics.CollectorConfig{Pool: p.repo, Sweeper: stats, Logger: logger})
		p.repo.AddListener(collector)
		p.repo.AddFaultListener(collector)
		g.Go(func() error {
			collector.Run(gctx, cfg.Metrics.Interval)
			return nil
		})

		ln, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return err
		}
		addr = ln.Addr().String()
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		logger.Info().Str("listen", addr).Msg("metrics endpoint started")
	}

	if s, err := p.repo.SpaceRecord(); err == nil {
		logger.Info().
			Str("total", bytesize.Format(s.Total)).
			Str("free", bytesize.Format(s.Free)).
			Bool("sweeper", cfg.Sweeper.Enabled).
			Msg("pool online")
	}
	if ready != nil {
		ready <- addr
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("pool shutting down")
	return nil
}
