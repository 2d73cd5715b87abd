package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/skobkin/nvgputop-web/internal/app"
	"github.com/skobkin/nvgputop-web/internal/config"
	"github.com/skobkin/nvgputop-web/internal/ledger"
	"github.com/skobkin/nvgputop-web/internal/procscan"
	"github.com/skobkin/nvgputop-web/internal/retention"
	"github.com/skobkin/nvgputop-web/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

type stateKey struct{}

// state is resolved once in Before and shared by every command.
type state struct {
	cfg    config.Config
	logger *slog.Logger
}

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cliApp := &cli.App{
		Name:    "nvgputop-web",
		Usage:   "track NVIDIA GPU processes and telemetry, publish them as JSON and serve a live dashboard",
		Version: version.Current().String(),
		Description: "Configuration comes from APP_* environment variables. " +
			"Without a subcommand the server is started.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "override APP_LOG_LEVEL (debug, info, warn, error)",
				EnvVars: []string{"APP_LOG_LEVEL"},
			},
		},
		Before: setup,
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the poller, exporter, retention sweeper and HTTP server",
				Action: serve,
			},
			{
				Name:   "poll",
				Usage:  "run one process poll against nvidia-smi and print the observations without recording them",
				Action: poll,
			},
			{
				Name:   "export",
				Usage:  "publish the JSON documents once from the ledger",
				Action: exportOnce,
			},
			{
				Name:   "sweep",
				Usage:  "run one retention pass against the ledger",
				Action: sweepOnce,
			},
		},
		CommandNotFound: func(c *cli.Context, command string) {
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
			cli.ShowAppHelpAndExit(c, 1)
		},
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		slog.Error("application error", "err", err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if c.IsSet("log-level") {
		level, err := config.ParseLogLevel(c.String("log-level"))
		if err != nil {
			return fmt.Errorf("parse --log-level: %w", err)
		}
		cfg.LogLevel = level
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	c.Context = context.WithValue(c.Context, stateKey{}, &state{cfg: cfg, logger: logger})
	return nil
}

func stateFrom(c *cli.Context) *state {
	return c.Context.Value(stateKey{}).(*state)
}

func serve(c *cli.Context) error {
	rt := stateFrom(c)
	rt.logger.Info("starting", "version", version.Current().String())
	return app.Run(c.Context, rt.logger, rt.cfg)
}

type pollOutput struct {
	Result       procscan.Result      `json:"result"`
	Observations []ledger.Observation `json:"observations"`
}

func poll(c *cli.Context) error {
	rt := stateFrom(c)
	engine := app.NewProbe(rt.logger, rt.cfg)

	observations, result, err := engine.Observe(c.Context)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if observations == nil {
		observations = []ledger.Observation{}
	}
	return writeJSON(pollOutput{Result: result, Observations: observations})
}

func exportOnce(c *cli.Context) error {
	rt := stateFrom(c)
	svc, err := app.Build(rt.logger, rt.cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Exporter.Export(c.Context, time.Now(), nil); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	rt.logger.Info("documents published", "dir", rt.cfg.ExportDir)
	return nil
}

func sweepOnce(c *cli.Context) error {
	rt := stateFrom(c)
	svc, err := app.Build(rt.logger, rt.cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	sweeper, err := retention.NewSweeper(svc.Ledger, rt.cfg.Retention.Window, rt.cfg.Retention.SweepInterval, rt.logger)
	if err != nil {
		return err
	}
	stats, err := sweeper.Sweep(c.Context)
	if err != nil {
		return err
	}
	return writeJSON(stats)
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
