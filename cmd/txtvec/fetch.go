package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/embeddings"
	"github.com/kaxap/txtvec/internal/hub"
)

func newFetchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Download the model artifacts into the cache directory",
		Args:  cobra.NoArgs,
		RunE:  runFetch,
	}
}

func runFetch(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	svc := embeddings.ServiceConfigFrom(cfg)
	fetcher, err := hub.NewFetcher(svc.Hub, log.WithComponent("hub").Logger)
	if err != nil {
		return err
	}

	for _, name := range artifactNames(svc.Model) {
		path, err := fetcher.Get(cmd.Context(), name)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", embeddings.ErrArtifactUnavailable, name, err)
		}
		log.Debug("Artifact ready", zap.String("file", name), zap.String("path", path))
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return nil
}

// artifactNames lists the files a model revision needs
func artifactNames(m embeddings.ModelConfig) []string {
	names := []string{m.TokenizerFile, m.ConfigFile, m.WeightsFile}
	return append(names, m.WeightsData...)
}
