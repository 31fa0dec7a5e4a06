package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carriersift/carriersift/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample carriersift configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/carriersift/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  carriersift init

  # Initialize with custom path
  carriersift init --config /etc/carriersift/config.yaml

  # Force overwrite existing config
  carriersift init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set the upstream API credentials:")
	fmt.Println("       export CARRIERSIFT_UPSTREAM_BASE_URL=https://api.blooio.com/v1")
	fmt.Println("       export CARRIERSIFT_UPSTREAM_API_KEY=<your key>")
	fmt.Println("  2. Start the server with: carriersift start")
	fmt.Printf("  3. Or specify custom config: carriersift start --config %s\n", configPath)

	return nil
}
