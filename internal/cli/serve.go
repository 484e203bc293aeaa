package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/relaymux/relaymux/internal/api"
	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/config"
	"github.com/relaymux/relaymux/internal/dispatch"
	"github.com/relaymux/relaymux/internal/logging"
	log "github.com/relaymux/relaymux/internal/logging"
	"github.com/relaymux/relaymux/internal/orchestrator"
	"github.com/relaymux/relaymux/internal/record"
	"github.com/relaymux/relaymux/internal/telemetry"
	"github.com/relaymux/relaymux/internal/watcher"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relaymux server",
	Long: `Start the relaymux relay server.

Loads the configuration, seeds the channel registry, starts the
execution recorder and serves the relay and management APIs.`,
	Run: func(c *cobra.Command, args []string) {
		logging.SetupBaseLogger()

		result, err := Bootstrap(cfgFile)
		if err != nil {
			log.Fatalf("bootstrap failed: %v", err)
		}
		cfg := result.Config
		if servePort != 0 {
			cfg.Port = servePort
		}

		logging.SetDebug(cfg.Debug)
		if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
			log.Fatalf("failed to configure log output: %v", err)
		}

		if err := runServer(cfg, result.ConfigFilePath); err != nil {
			log.Fatalf("server exited: %v", err)
		}
	},
}

func runServer(cfg *config.Config, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}

	recorder, err := record.NewRecorder(record.Config{
		DSN:           cfg.AuditDSN,
		RetentionDays: cfg.RetentionDays,
	})
	if err != nil {
		return err
	}
	if err := recorder.Start(); err != nil {
		return err
	}

	registry := channel.NewRegistry()
	registry.Seed(cfg.Channels)

	coordinator := orchestrator.NewCoordinator(registry, recorder, dispatch.NewHTTPDispatcher(), cfg.Retry)
	server := api.NewServer(cfg, coordinator, registry, recorder)

	w := watcher.New(configPath, cfg, func(old, new *config.Config) {
		if errSet := coordinator.SetPolicy(new.Retry); errSet != nil {
			log.Warnf("config reload: invalid retry policy kept previous: %v", errSet)
		}
		registry.Seed(new.Channels)
		logging.SetDebug(new.Debug)
		if old.Port != new.Port {
			log.Warnf("config reload: port change requires a restart")
		}
	})
	if err := w.Start(ctx); err != nil {
		log.Warnf("config watcher unavailable: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Run)

	<-gctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("server shutdown: %v", err)
	}
	if err := recorder.Stop(); err != nil {
		log.Warnf("recorder shutdown: %v", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Warnf("telemetry shutdown: %v", err)
	}
	return g.Wait()
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override the configured server port")
	rootCmd.AddCommand(serveCmd)
}
