// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skobkin/nvgputop-web/internal/config"
	"github.com/skobkin/nvgputop-web/internal/export"
	"github.com/skobkin/nvgputop-web/internal/gpu"
	"github.com/skobkin/nvgputop-web/internal/httpserver"
	"github.com/skobkin/nvgputop-web/internal/ledger"
	"github.com/skobkin/nvgputop-web/internal/procscan"
	"github.com/skobkin/nvgputop-web/internal/query"
	"github.com/skobkin/nvgputop-web/internal/retention"
	"github.com/skobkin/nvgputop-web/internal/sampler"
	"github.com/skobkin/nvgputop-web/internal/smi"
)

const shutdownTimeout = 10 * time.Second

// Services holds the wired components shared by the serve loop and the
// one-shot commands.
type Services struct {
	Ledger   *ledger.Ledger
	SMI      *smi.Client
	GPUs     []gpu.Info
	Reader   *sampler.Reader
	Engine   *procscan.Engine
	Queries  *query.Service
	Exporter *export.Exporter
}

// NewProbe builds a process engine that reads nvidia-smi but cannot write,
// for dry runs.
func NewProbe(baseLogger *slog.Logger, cfg config.Config) *procscan.Engine {
	client := newSMIClient(baseLogger, cfg)
	return procscan.NewEngine(client, nil, procscan.HostNames{}, baseLogger)
}

// Build opens the ledger and wires every component on top of it.
func Build(baseLogger *slog.Logger, cfg config.Config) (*Services, error) {
	appLogger := baseLogger.With("component", "app")

	l, err := ledger.Open(ledger.Config{
		Path:   cfg.DataDir,
		Logger: baseLogger.With("component", "badger"),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	gpus, err := gpu.Discover(baseLogger.With("component", "gpu_discovery"))
	if err != nil {
		appLogger.Warn("gpu discovery failed, continuing without PCI names", "err", err)
		gpus = []gpu.Info{}
	}
	appLogger.Info("discovered GPUs", "count", len(gpus))

	client := newSMIClient(baseLogger, cfg)

	publisher, err := export.NewPublisher(cfg.ExportDir, baseLogger)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("init publisher: %w", err)
	}

	queries := query.New(l, baseLogger)
	return &Services{
		Ledger:  l,
		SMI:     client,
		GPUs:    gpus,
		Reader:  sampler.NewReader(client, gpu.NewNamer(gpus), baseLogger),
		Engine:  procscan.NewEngine(client, l, procscan.HostNames{}, baseLogger),
		Queries: queries,
		Exporter: export.NewExporter(queries, publisher, export.Options{
			ActiveWindow: cfg.Query.ActiveWindow,
			HistoryLimit: cfg.Query.HistoryLimit,
			Retention:    cfg.Retention.Window,
		}, baseLogger),
	}, nil
}

// Close releases the ledger.
func (s *Services) Close() error {
	if s == nil || s.Ledger == nil {
		return nil
	}
	return s.Ledger.Close()
}

// Run bootstraps the application lifecycle: the scheduler, the retention
// sweeper and the HTTP server run until ctx is cancelled or one of them fails.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	svc, err := Build(baseLogger, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			appLogger.Warn("ledger close", "err", err)
		}
	}()

	manager, err := sampler.NewManager(sampler.Options{
		Interval:    cfg.PollInterval,
		ExportEvery: cfg.ExportEvery,
	}, svc.Reader, svc.Ledger, svc.Engine, svc.Exporter, baseLogger)
	if err != nil {
		return fmt.Errorf("init sampler manager: %w", err)
	}
	defer manager.Close()

	sweeper, err := retention.NewSweeper(svc.Ledger, cfg.Retention.Window, cfg.Retention.SweepInterval, baseLogger)
	if err != nil {
		return fmt.Errorf("init retention sweeper: %w", err)
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), httpserver.Deps{
		GPUs:    svc.GPUs,
		Feed:    manager,
		Queries: svc.Queries,
		Engine:  svc.Engine,
	})

	appLogger.Info("starting services",
		"listen_addr", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
		"export_dir", cfg.ExportDir,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("shutdown initiated", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	appLogger.Info("shutdown complete")
	return nil
}

func newSMIClient(baseLogger *slog.Logger, cfg config.Config) *smi.Client {
	return smi.New(smi.Options{
		Binary:  cfg.SMI.Binary,
		Timeout: cfg.SMI.Timeout,
		Logger:  baseLogger,
	})
}
