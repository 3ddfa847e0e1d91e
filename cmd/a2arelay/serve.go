package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kestrelctl/a2arelay/pkg/config"
	"github.com/kestrelctl/a2arelay/pkg/convstore"
	"github.com/kestrelctl/a2arelay/pkg/db"
	"github.com/kestrelctl/a2arelay/pkg/logger"
	"github.com/kestrelctl/a2arelay/pkg/logstore"
	"github.com/kestrelctl/a2arelay/pkg/monitor"
	"github.com/kestrelctl/a2arelay/pkg/pipeline"
	"github.com/kestrelctl/a2arelay/pkg/presenter"
	"github.com/kestrelctl/a2arelay/pkg/runtime"
	"github.com/kestrelctl/a2arelay/pkg/server"
	"github.com/kestrelctl/a2arelay/pkg/telemetry"
	"github.com/kestrelctl/a2arelay/pkg/tokens"
	"github.com/kestrelctl/a2arelay/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the a2arelay HTTP server",
	Long:  `Binds the listener, opens the token/conversation/log stores, and serves inbound A2A calls until interrupted.`,
	RunE:  runServe,
}

func configDir(cfg *config.Config) (string, error) {
	if cfg.ConfigDir != "" {
		return cfg.ConfigDir, nil
	}
	return db.ConfigDir()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	dir, err := configDir(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to resolve config directory")
	}

	shutdownTracing, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "a2arelay",
		ServiceVersion: version.Get().Version,
		SamplerType:    "ratio",
		SamplerRatio:   1,
	})
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to initialize tracing, continuing without it")
	} else {
		defer shutdownTracing(context.Background())
	}

	tok, err := tokens.NewStore(filepath.Join(dir, "tokens.json"))
	if err != nil {
		return errors.Wrap(err, "failed to open token store")
	}

	conv, err := convstore.Open(ctx, filepath.Join(dir, "conversations.db"))
	if err != nil {
		return errors.Wrap(err, "failed to open conversation store")
	}
	defer conv.Close()

	logs, err := logstore.Open(ctx, filepath.Join(dir, "logs.db"))
	if err != nil {
		return errors.Wrap(err, "failed to open log store")
	}
	defer logs.Close()

	adapter := runtime.New(cfg)
	mon := monitor.New(conv, adapter, cfg.CheckInterval, cfg.IdleTimeout, cfg.MaxDuration, cfg.MonitorCron)
	mon.Start(ctx, cfg.CompressAfterDays)
	defer mon.Stop()

	p := pipeline.New(cfg, tok, conv, adapter, mon, logs)
	srv := server.New(cfg.ListenAddr, p)

	presenter.Info("starting a2arelay server on " + cfg.ListenAddr)
	return srv.Start(ctx)
}
