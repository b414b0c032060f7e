// Command txtvec serves, runs and manages the batch text embedding pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/config"
	"github.com/kaxap/txtvec/internal/embeddings"
	"github.com/kaxap/txtvec/internal/logger"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if code := embeddings.Code(err); code != embeddings.CodeUnknown {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "txtvec",
		Short:         "Batch text embeddings with multilingual-e5 models",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to configuration file")
	root.PersistentFlags().String("log-level", "", "Override the configured log level")

	root.AddCommand(
		newServeCommand(),
		newEmbedCommand(),
		newIngestCommand(),
		newFetchCommand(),
	)
	return root
}

// loadRuntime loads configuration and builds the logger for a command
func loadRuntime(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Debug("Configuration loaded",
		zap.String("command", cmd.Name()),
		zap.String("model", cfg.Model.ID),
		zap.String("revision", cfg.Model.Revision))
	return cfg, log, nil
}
