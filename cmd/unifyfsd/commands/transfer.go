package commands

import (
	"context"
	"fmt"

	"github.com/marmos91/unifyfs/internal/logger"
	"github.com/marmos91/unifyfs/pkg/client"
	"github.com/marmos91/unifyfs/pkg/config"
	"github.com/spf13/cobra"
)

var (
	transferPrefix   string
	transferRank     int
	transferNRanks   int
	transferAppID    string
	transferParallel bool
)

var transferCmd = &cobra.Command{
	Use:   "transfer <src> <dst>",
	Short: "Stage a file into or out of the aggregated namespace",
	Long: `transfer moves exactly one file across the boundary between the
mount prefix and the outside world: stage-in when dst is under --prefix
and src is not, stage-out when src is under --prefix and dst is not. It
mounts this rank just long enough to drive the transfer and unmounts
before returning.`,
	Args: cobra.ExactArgs(2),
	RunE: runTransfer,
}

func init() {
	transferCmd.Flags().StringVar(&transferPrefix, "prefix", "", "mount prefix every rank aggregates under (required)")
	transferCmd.Flags().IntVar(&transferRank, "rank", 0, "this process's rank")
	transferCmd.Flags().IntVar(&transferNRanks, "nranks", 1, "total number of ranks in this mount")
	transferCmd.Flags().StringVar(&transferAppID, "app-id", "", "app id shared by every rank (default: derived from --prefix)")
	transferCmd.Flags().BoolVar(&transferParallel, "parallel", false, "split the transfer across concurrent workers")
	transferCmd.MarkFlagRequired("prefix")
}

func runTransfer(cmd *cobra.Command, args []string) error {
	src, dst := args[0], args[1]

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

	ctx := context.Background()

	c, err := client.Mount(ctx, *cfg, transferPrefix, transferRank, transferNRanks, transferAppID)
	if err != nil {
		return fmt.Errorf("failed to mount %s: %w", transferPrefix, err)
	}
	defer func() {
		if err := c.Unmount(); err != nil {
			logger.Error("unmount error", "error", err)
		}
	}()

	if err := c.TransferFile(ctx, src, dst, transferParallel); err != nil {
		return fmt.Errorf("transfer %s -> %s: %w", src, dst, err)
	}

	logger.Info("transfer complete", "src", src, "dst", dst, "parallel", transferParallel)
	return nil
}
