// Package ingest embeds text datasets in batches and persists the vectors.
package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/embeddings"
	"github.com/kaxap/txtvec/internal/store"
)

// Embedder produces one vector per text, in order
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Sink persists embedded records
type Sink interface {
	BatchInsert(ctx context.Context, records []*store.Record) (*store.BatchInsertResult, error)
}

var errShortRecord = errors.New("CSV record is missing the text column")

// Pipeline handles dataset ingestion
type Pipeline struct {
	embedder Embedder
	sink     Sink
	config   *Config
	logger   *zap.Logger
	stats    *ProcessingStats
	mu       sync.RWMutex
}

// NewPipeline creates a new ingest pipeline
func NewPipeline(embedder Embedder, sink Sink, config *Config, logger *zap.Logger) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	return &Pipeline{
		embedder: embedder,
		sink:     sink,
		config:   config,
		logger:   logger,
		stats: &ProcessingStats{
			StartTime: time.Now(),
		},
	}
}

// ProcessFile processes a dataset file (CSV, Parquet, or JSON lines)
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*ProcessingResult, error) {
	format := DetectFileFormat(filePath)
	p.logger.Info("Starting ingest",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize))

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer file.Close()

	var next func() (*DataRecord, error)
	switch format {
	case FormatParquet:
		reader := parquet.NewReader(file)
		defer reader.Close()
		next = func() (*DataRecord, error) {
			var record DataRecord
			if err := reader.Read(&record); err != nil {
				return nil, err
			}
			return &record, nil
		}
	default:
		next, err = recordReader(file, format)
		if err != nil {
			return nil, err
		}
	}

	return p.run(ctx, next, filepath.Base(filePath))
}

// ProcessReader processes a CSV or JSON lines stream
func (p *Pipeline) ProcessReader(ctx context.Context, r io.Reader, format FileFormat, source string) (*ProcessingResult, error) {
	next, err := recordReader(r, format)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, next, source)
}

// recordReader returns an iterator over CSV or JSON lines records
func recordReader(r io.Reader, format FileFormat) (func() (*DataRecord, error), error) {
	switch format {
	case FormatCSV:
		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1

		header, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV header: %w", err)
		}
		textCol, idCol := -1, -1
		for i, name := range header {
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "text":
				textCol = i
			case "id":
				idCol = i
			}
		}
		if textCol < 0 {
			return nil, fmt.Errorf("CSV header %v has no text column", header)
		}

		return func() (*DataRecord, error) {
			row, err := reader.Read()
			if err != nil {
				return nil, err
			}
			if textCol >= len(row) {
				return nil, fmt.Errorf("%w: %d fields, text is column %d", errShortRecord, len(row), textCol+1)
			}
			record := &DataRecord{Text: row[textCol]}
			if idCol >= 0 && idCol < len(row) {
				record.ID = row[idCol]
			}
			return record, nil
		}, nil

	case FormatJSON:
		decoder := json.NewDecoder(r)
		return func() (*DataRecord, error) {
			var record DataRecord
			if err := decoder.Decode(&record); err != nil {
				return nil, err
			}
			return &record, nil
		}, nil

	default:
		return nil, fmt.Errorf("unsupported stream format: %s", format)
	}
}

// run reads batches until the input is exhausted
func (p *Pipeline) run(ctx context.Context, next func() (*DataRecord, error), source string) (*ProcessingResult, error) {
	start := time.Now()
	result := &ProcessingResult{}
	p.resetStats()

	var lastReport int64
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, done, err := p.readBatch(next, result)
		if err != nil {
			return result, fmt.Errorf("failed to read batch: %w", err)
		}

		if len(batch) > 0 {
			if err := p.processBatch(ctx, batch, source, result); err != nil {
				if embeddings.IsLoadError(err) || errors.Is(err, context.Canceled) {
					return result, err
				}
				p.logger.Error("Batch processing failed", zap.Error(err), zap.Int("batch_size", len(batch)))
				result.ProcessedFailed += int64(len(batch))
				result.Errors = append(result.Errors, err.Error())
			} else {
				result.ProcessedOK += int64(len(batch))
			}
		}

		if every := int64(p.config.ProgressReport); every > 0 && result.TotalRecords/every > lastReport {
			lastReport = result.TotalRecords / every
			p.reportProgress(result)
		}

		if done {
			break
		}
	}

	result.Duration = time.Since(start)
	p.logger.Info("Ingest completed",
		zap.String("source", source),
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("duplicates", result.Duplicates),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("database_time", result.DatabaseTime))

	return result, nil
}

// readBatch collects up to BatchSize valid records. done reports end of input.
func (p *Pipeline) readBatch(next func() (*DataRecord, error), result *ProcessingResult) ([]*DataRecord, bool, error) {
	var batch []*DataRecord
	for len(batch) < p.config.BatchSize {
		record, err := next()
		if errors.Is(err, io.EOF) {
			return batch, true, nil
		}
		if errors.Is(err, errShortRecord) {
			p.logger.Warn("Failed to read record", zap.Error(err))
			result.TotalRecords++
			result.Skipped++
			continue
		}
		if err != nil {
			return batch, true, err
		}

		result.TotalRecords++
		p.mu.Lock()
		p.stats.RecordsRead++
		p.mu.Unlock()

		if !p.validateRecord(record) {
			result.Skipped++
			p.mu.Lock()
			p.stats.RecordsInvalid++
			p.mu.Unlock()
			continue
		}
		p.mu.Lock()
		p.stats.RecordsValid++
		p.mu.Unlock()
		batch = append(batch, record)
	}
	return batch, false, nil
}

// processBatch embeds and stores a single batch of records
func (p *Pipeline) processBatch(ctx context.Context, batch []*DataRecord, source string, result *ProcessingResult) error {
	texts := make([]string, len(batch))
	for i, record := range batch {
		texts[i] = record.Text
	}

	embeddingStart := time.Now()
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("batch embedding failed: %w", err)
	}
	result.EmbeddingTime += time.Since(embeddingStart)

	if len(vectors) != len(batch) {
		return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vectors), len(batch))
	}

	records := make([]*store.Record, len(batch))
	for i, record := range batch {
		src := source
		if record.ID != "" {
			src = source + "#" + record.ID
		}
		records[i] = &store.Record{
			Text:      record.Text,
			Model:     p.config.Model,
			Revision:  p.config.Revision,
			Source:    src,
			Embedding: vectors[i],
		}
	}

	dbStart := time.Now()
	inserted, err := p.sink.BatchInsert(ctx, records)
	if err != nil {
		return fmt.Errorf("database batch insert failed: %w", err)
	}
	result.DatabaseTime += time.Since(dbStart)
	result.Duplicates += inserted.Duplicates

	p.mu.Lock()
	p.stats.CurrentBatch++
	p.stats.EmbeddingsGen += int64(len(vectors))
	p.stats.DatabaseWrites += inserted.Inserted
	if elapsed := time.Since(p.stats.StartTime).Seconds(); elapsed > 0 {
		p.stats.ProcessingRate = float64(p.stats.RecordsRead) / elapsed
	}
	p.mu.Unlock()

	p.logger.Debug("Batch processed successfully",
		zap.Int("batch_size", len(batch)),
		zap.Int64("inserted", inserted.Inserted),
		zap.Int64("duplicates", inserted.Duplicates),
		zap.Duration("embedding_time", dbStart.Sub(embeddingStart)),
		zap.Duration("database_time", time.Since(dbStart)))

	return nil
}

// validateRecord validates a data record
func (p *Pipeline) validateRecord(record *DataRecord) bool {
	if !utf8.ValidString(record.Text) {
		p.logger.Debug("Invalid record: text is not UTF-8", zap.String("id", record.ID))
		return false
	}
	if !p.config.ValidateData {
		return true
	}

	if strings.TrimSpace(record.Text) == "" {
		p.logger.Debug("Invalid record: empty text", zap.String("id", record.ID))
		return false
	}

	if p.config.MaxTextLength > 0 && len(record.Text) > p.config.MaxTextLength {
		p.logger.Debug("Invalid record: text too long", zap.Int("length", len(record.Text)))
		return false
	}

	return true
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	stats := p.GetStats()
	elapsed := time.Since(stats.StartTime)

	p.logger.Info("Processing progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("records_ok", result.ProcessedOK),
		zap.Int64("records_failed", result.ProcessedFailed),
		zap.Float64("rate_per_sec", float64(result.TotalRecords)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}

// resetStats resets processing statistics
func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = &ProcessingStats{
		StartTime: time.Now(),
	}
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Create a copy
	stats := *p.stats
	return &stats
}
