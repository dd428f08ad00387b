package commands

import (
	"fmt"
	"os"

	"github.com/marmos91/unifyfs/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample unifyfs configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/unifyfs/config.yaml. Use --config to specify a custom path.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
	}

	cfg := config.GetDefaultConfig()
	if err := config.SaveConfig(cfg, path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	cmd.Printf("Configuration file created at: %s\n", path)
	cmd.Println("\nNext steps:")
	cmd.Println("  1. Edit the configuration file to set logio.spill_dir and server.peers")
	cmd.Printf("  2. Mount with: unifyfsd mount --prefix /unify --rank 0 --nranks 1 --config %s\n", path)
	return nil
}
