package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/copyleftdev/profilepool/internal/config"
	"github.com/copyleftdev/profilepool/internal/observability"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	cfgFile  string
	envFiles []string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "profilepool",
	Short:         "Pooled browser sessions over persistent profiles, driven by batch tasks.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFiles(envFiles); err != nil {
			return err
		}

		loaded, err := config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
		logger = observability.InitializeLogger(cfg.Log)
		logger.Debug("Configuration loaded", zap.String("version", Version), zap.String("backend", cfg.Backend.Kind))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		observability.Sync(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading config (default .env when present)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newServeCmd(), newRunCmd(), newProbeCmd())
}

// loadEnvFiles loads explicit files strictly; the default .env is optional.
func loadEnvFiles(files []string) error {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return fmt.Errorf("failed to load env files: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}
