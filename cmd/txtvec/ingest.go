package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/embeddings"
	"github.com/kaxap/txtvec/internal/ingest"
	"github.com/kaxap/txtvec/internal/store"
)

func newIngestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <dataset>",
		Short: "Embed a CSV, Parquet or JSON lines dataset and store the vectors",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest,
	}
	cmd.Flags().Int("batch-size", 0, "Override the configured batch size")
	cmd.Flags().Bool("stats", false, "Print store statistics after ingesting")
	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if batchSize, _ := cmd.Flags().GetInt("batch-size"); batchSize > 0 {
		cfg.Ingest.BatchSize = batchSize
	}

	pipeline, state, err := embeddings.NewFactory(log.WithComponent("embeddings").Logger).
		CreatePipeline(embeddings.ServiceConfigFrom(cfg))
	if err != nil {
		return err
	}
	defer state.Close()

	db, err := store.NewStore(&store.Config{
		Driver:          cfg.Store.Driver,
		DatabaseURL:     cfg.Store.DatabaseURL,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Store.ConnMaxIdleTime,
	}, log.WithComponent("store").Logger)
	if err != nil {
		return err
	}
	defer db.Close()

	job := ingest.NewPipeline(pipeline, db, &ingest.Config{
		Model:          cfg.Model.ID,
		Revision:       cfg.Model.Revision,
		BatchSize:      cfg.Ingest.BatchSize,
		ValidateData:   cfg.Ingest.ValidateData,
		MaxTextLength:  cfg.Ingest.MaxTextLength,
		ProgressReport: cfg.Ingest.ProgressReport,
	}, log.WithComponent("ingest").Logger)

	result, err := job.ProcessFile(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}

	out := map[string]interface{}{"result": result}
	if showStats, _ := cmd.Flags().GetBool("stats"); showStats {
		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			log.Warn("Failed to read store statistics", zap.Error(err))
		} else {
			out["store"] = stats
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
