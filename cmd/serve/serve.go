package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/buildpulse/crmsync/internal/api"
	"github.com/buildpulse/crmsync/internal/app"
	"github.com/buildpulse/crmsync/internal/buildinfo"
	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/logger"
)

const shutdownTimeout = 30 * time.Second

// Command runs the management API until interrupted
func Command(settings *conf.Settings, info *buildinfo.Info) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the migration service",
		Long:  "Serve the management API and metrics. Jobs left running by a previous process are restored as paused.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, info)
		},
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("listen", "", "Listen address of the management API")
	cmd.Flags().Bool("mqtt", false, "Publish progress snapshots to the MQTT broker")

	if err := viper.BindPFlag("api.listen", cmd.Flags().Lookup("listen")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	if err := viper.BindPFlag("mqtt.enabled", cmd.Flags().Lookup("mqtt")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

func run(ctx context.Context, settings *conf.Settings, info *buildinfo.Info) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, settings, info.Version())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.Log.Warn("shutdown incomplete", logger.Error(err))
		}
	}()

	if err := a.StartProgressPublisher(ctx); err != nil {
		a.Log.Warn("progress publishing disabled", logger.Error(err))
	}

	if !settings.API.Enabled {
		a.Log.Info("management api disabled, waiting for shutdown signal")
		<-ctx.Done()
		return nil
	}

	server := api.New(&api.Config{
		Settings:       &settings.API,
		Orchestrator:   a.Orchestrator,
		Registry:       a.Registry,
		Metrics:        a.Metrics.Handler(),
		OnSchemaReload: a.EnsureTables,
		Version:        info.Version(),
		Log:            a.Log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.Log.Info("shutting down management api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
