package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/callrelay/pkg/errorsx"
	"github.com/harunnryd/callrelay/pkg/logging"
	"github.com/harunnryd/callrelay/pkg/redact"
	"github.com/harunnryd/callrelay/pkg/relay"
	"github.com/harunnryd/callrelay/pkg/runner"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	addr := flag.String("addr", "", "override server_addr")
	flag.Parse()

	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ServerAddr = *addr
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactTranscripts)

	if err := cfg.Validate(); err != nil {
		slog.Error("config_invalid",
			"reason_code", string(errorsx.Reason(err)),
			"error", err)
		os.Exit(1)
	}

	srv, err := relay.NewServer(cfg, nil)
	if err != nil {
		slog.Error("relay_init_failed", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		slog.Error("relay_listen_failed", "addr", cfg.ServerAddr, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := runner.NewLifecycleRunner(runner.Options{
		Drainer: srv,
		Timeout: cfg.ShutdownTimeout(),
		Banner:  os.Stdout,
		Hooks: runner.Hooks{
			OnStart: func() {
				slog.Info("relay_started",
					"addr", srv.Addr(),
					"provider", cfg.Transcription.Provider,
					"environment", cfg.Environment)
			},
			OnStop: func() { slog.Info("relay_stopped") },
		},
	})
	if err := r.Run(ctx); err != nil {
		slog.Error("relay_shutdown_failed", "error", err)
		os.Exit(1)
	}
}
