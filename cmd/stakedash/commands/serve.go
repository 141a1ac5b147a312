package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/moltbunker/stakedash/internal/api"
	"github.com/moltbunker/stakedash/internal/config"
	"github.com/moltbunker/stakedash/internal/dashboard"
	"github.com/moltbunker/stakedash/internal/logging"
	"github.com/moltbunker/stakedash/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// settingsEvent is broadcast to open streams after a config reload.
type settingsEvent struct {
	HideBlacklisted bool   `json:"hideBlacklisted"`
	LogLevel        string `json:"logLevel"`
}

func NewServeCmd() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard over HTTP and WebSocket",
		Long: `Run the dashboard server. Each tier page is served at /{tier}, with a live
view stream at /{tier}/ws. Edits to the config file apply the log level and
the blacklist filter without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), httpAddr)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "Listen address (overrides api.http_addr)")
	return cmd
}

func runServe(parent context.Context, httpAddr string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m := metrics.NewCollector()
	env, err := openRuntime(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer env.Close()

	scfg := api.ServerConfigFrom(cfg.API, GetVersion())
	if httpAddr != "" {
		scfg.HTTPAddr = httpAddr
	}
	srv := api.NewServer(env.app, scfg, m)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	Success(fmt.Sprintf("Dashboard listening on http://%s", srv.Addr()))
	fmt.Println(Hint("Press Ctrl+C to stop"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		env.app.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := config.Watch(gctx, configPath(), func(next *config.Config) {
			applyReload(next, env.app, srv.Hub())
		})
		if err != nil {
			// Serving continues with the startup config.
			logging.Warn("config hot reload disabled", logging.Component("cli"), logging.Err(err))
		}
		return nil
	})
	_ = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	Info("Dashboard stopped")
	return nil
}

// applyReload applies the settings that are safe to change at runtime.
// Anything else in next takes effect on restart.
func applyReload(next *config.Config, app *dashboard.App, hub *api.WebSocketHub) {
	level := next.Log.Level
	if LogLevel != "" {
		level = LogLevel
	}
	if lvl, err := logging.ParseLevel(level); err == nil {
		logging.SetLevel(lvl)
	}
	app.SetHideBlacklisted(next.Dashboard.HideBlacklisted)
	hub.Broadcast("settings", settingsEvent{
		HideBlacklisted: next.Dashboard.HideBlacklisted,
		LogLevel:        level,
	})
}
