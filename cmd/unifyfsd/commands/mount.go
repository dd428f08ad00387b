package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/unifyfs/internal/logger"
	"github.com/marmos91/unifyfs/internal/telemetry"
	"github.com/marmos91/unifyfs/pkg/client"
	"github.com/marmos91/unifyfs/pkg/config"
	"github.com/marmos91/unifyfs/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	mountPrefix string
	mountRank   int
	mountNRanks int
	mountAppID  string
)

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount one rank's view of an aggregated namespace and serve it until signaled",
	Long: `mount brings up this rank's client runtime against --prefix: its own
metadata shard, its own local storage manager, and the RPC listener its
peers (server.peers in the config file) dial into to reach either. It
blocks, serving every peer's metadata and cross-rank read requests, until
interrupted.`,
	RunE: runMount,
}

func init() {
	mountCmd.Flags().StringVar(&mountPrefix, "prefix", "", "mount prefix every rank aggregates under (required)")
	mountCmd.Flags().IntVar(&mountRank, "rank", 0, "this process's rank")
	mountCmd.Flags().IntVar(&mountNRanks, "nranks", 1, "total number of ranks in this mount")
	mountCmd.Flags().StringVar(&mountAppID, "app-id", "", "app id shared by every rank (default: derived from --prefix)")
	mountCmd.MarkFlagRequired("prefix")
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "unifyfsd",
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	metrics.InitRegistry(cfg.Metrics.Enabled)
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		metricsSrv = metrics.Server(addr)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics enabled", "addr", addr)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer shutdownCancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown error", "error", err)
			}
		}()
	}

	c, err := client.Mount(ctx, *cfg, mountPrefix, mountRank, mountNRanks, mountAppID)
	if err != nil {
		return fmt.Errorf("failed to mount %s: %w", mountPrefix, err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("mounted, serving peers until interrupted", "prefix", mountPrefix, "rank", mountRank, "nranks", mountNRanks)

	<-sigChan
	signal.Stop(sigChan)
	logger.Info("shutdown signal received, unmounting")

	if err := c.Unmount(); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	logger.Info("unmounted cleanly")
	return nil
}
