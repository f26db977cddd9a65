// Package main provides partyd, a node replicating feeds inside parties
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-replicator/pkg/config"
	"github.com/ZentaChain/zentalk-replicator/pkg/logging"
	"github.com/ZentaChain/zentalk-replicator/pkg/transport"
)

var (
	configPath string
	logLevel   string
	dataDir    string
)

var rootCmd = &cobra.Command{
	Use:           "partyd",
	Short:         "partyd replicates signed feeds between the members of a party",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the wire protocol version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), transport.CurrentVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "partyd.toml", "path to the TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "override the configured data directory")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(partyCmd)
	rootCmd.AddCommand(feedCmd)
}

// loadConfig reads the config file, falling back to defaults when it does not
// exist, and applies the command line overrides
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return config.Config{}, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if dataDir != "" {
		cfg.Node.DataDir = dataDir
	}
	logging.Init("partyd", cfg.Log.Level, cfg.Log.Pretty)
	return cfg, cfg.Validate()
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "write a default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		if err := config.Save(configPath, config.Default()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
