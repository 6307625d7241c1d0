package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grigta/registrar/pkg/config"
	"github.com/grigta/registrar/pkg/logger"
	regconfig "github.com/grigta/registrar/services/registrar/internal/config"
)

var (
	infraConfigDir string
	serviceConfig  string

	infraCfg *config.Config
	regCfg   *regconfig.Config
	log      logger.Logger
)

var rootCmd = &cobra.Command{
	Use:           "registrar",
	Short:         "Browser-driven account registration with manual challenge hand-off",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		infraCfg, err = config.Load(infraConfigDir)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		log = logger.New(infraCfg.App.LogLevel, infraCfg.App.LogFormat).WithField("service", "registrar")
		logger.SetDefault(log)

		regCfg, err = regconfig.LoadConfig(serviceConfig)
		if err != nil {
			return fmt.Errorf("failed to load registrar config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&infraConfigDir, "config-dir", "", "directory holding config.yaml (default ./config, .)")
	rootCmd.PersistentFlags().StringVarP(&serviceConfig, "registrar-config", "c",
		config.GetEnv("REGISTRAR_CONFIG_PATH", "./configs/registrar.yaml"), "registrar YAML config")

	rootCmd.AddCommand(serveCmd, runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if log != nil {
			log.Error("Command failed", logger.Err(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
