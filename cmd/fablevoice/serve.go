package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/fablevoice/internal/app"
	"github.com/MrWong99/fablevoice/internal/config"
	"github.com/MrWong99/fablevoice/internal/observe"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func newServeCommand(cc *commandContext) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cc, cfg, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch-config", true, "Poll the config file for changes; SIGHUP reloads either way")
	return cmd
}

func serve(ctx context.Context, cc *commandContext, cfg *config.Config, watch bool) error {
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	slog.Info("fablevoice starting",
		"version", version,
		"config", cc.configPath(),
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg, app.WithLevelVar(cc.level))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	interval := config.DefaultWatchInterval
	if !watch {
		interval = 0
	}
	w, err := config.NewWatcher(cc.configPath(), application.ApplyConfig, config.WithInterval(interval))
	if err != nil {
		slog.Warn("config reload disabled", "err", err)
	} else {
		go func() { _ = w.Run(ctx) }()
		go reloadOnHangup(ctx, w)
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	err = application.Run(ctx)
	if errors.Is(err, context.Canceled) {
		slog.Info("shutdown signal received, stopping")
		return nil
	}
	return err
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			w.Reload()
		}
	}
}
