package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// rows per INSERT statement
const insertChunk = 500

// ErrNotFound is returned when no record matches
var ErrNotFound = errors.New("embedding not found")

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know by name
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store persists embeddings in PostgreSQL (pgvector) or SQLite
type Store struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

var schemas = map[string]string{
	DriverPostgres: `
		CREATE TABLE IF NOT EXISTS embeddings (
			id BIGSERIAL PRIMARY KEY,
			text TEXT NOT NULL,
			text_hash TEXT NOT NULL UNIQUE,
			model TEXT NOT NULL,
			revision TEXT NOT NULL,
			dims INTEGER NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			embedding vector NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	DriverSQLite: `
		CREATE TABLE IF NOT EXISTS embeddings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			text TEXT NOT NULL,
			text_hash TEXT NOT NULL UNIQUE,
			model TEXT NOT NULL,
			revision TEXT NOT NULL,
			dims INTEGER NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			embedding TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
}

// NewStore connects to the database and ensures the schema exists
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	driver := config.Driver
	if driver == "" {
		driver = DriverPostgres
	}
	if _, ok := schemas[driver]; !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(driver, config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := &Store{
		db:     db,
		driver: driver,
		logger: logger,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Embedding store initialized successfully",
		zap.String("driver", driver),
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

// initialize checks the connection, the pgvector extension and the schema
func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if s.driver == DriverPostgres {
		var extensionExists bool
		query := "SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')"
		if err := s.db.GetContext(ctx, &extensionExists, query); err != nil {
			return fmt.Errorf("failed to check pgvector extension: %w", err)
		}
		if !extensionExists {
			return fmt.Errorf("pgvector extension is not installed")
		}
	}

	return s.EnsureSchema(ctx)
}

// EnsureSchema creates the embeddings table if needed
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemas[s.driver]); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// HashText identifies a text embedded by a given model revision
func HashText(model, revision, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + revision + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Insert adds one embedding, ignoring duplicates
func (s *Store) Insert(ctx context.Context, record *Record) error {
	res, err := s.BatchInsert(ctx, []*Record{record})
	if err != nil {
		return err
	}
	if res.Inserted == 0 {
		s.logger.Debug("Duplicate embedding skipped", zap.String("text_hash", record.TextHash))
	}
	return nil
}

// BatchInsert adds multiple embeddings efficiently. Records whose text hash
// already exists are skipped.
func (s *Store) BatchInsert(ctx context.Context, records []*Record) (*BatchInsertResult, error) {
	result := &BatchInsertResult{}
	if len(records) == 0 {
		return result, nil
	}
	start := time.Now()

	for i := 0; i < len(records); i += insertChunk {
		chunk := records[i:min(i+insertChunk, len(records))]

		valueStrings := make([]string, 0, len(chunk))
		valueArgs := make([]interface{}, 0, len(chunk)*7)
		for _, r := range chunk {
			if r.TextHash == "" {
				r.TextHash = HashText(r.Model, r.Revision, r.Text)
			}
			r.Dims = len(r.Embedding)
			valueStrings = append(valueStrings, "(?, ?, ?, ?, ?, ?, ?)")
			valueArgs = append(valueArgs, r.Text, r.TextHash, r.Model, r.Revision, r.Dims, r.Source, formatEmbedding(r.Embedding))
		}

		query := s.db.Rebind(fmt.Sprintf(`
			INSERT INTO embeddings (text, text_hash, model, revision, dims, source, embedding)
			VALUES %s
			ON CONFLICT (text_hash) DO NOTHING`,
			strings.Join(valueStrings, ",")))

		res, err := s.db.ExecContext(ctx, query, valueArgs...)
		if err != nil {
			result.Failed += int64(len(chunk))
			result.Errors = append(result.Errors, err)
			s.logger.Error("Batch insert failed", zap.Error(err), zap.Int("rows", len(chunk)))
			return result, fmt.Errorf("batch insert failed: %w", err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			s.logger.Warn("Could not get rows affected", zap.Error(err))
			inserted = int64(len(chunk))
		}
		result.Inserted += inserted
		result.Duplicates += int64(len(chunk)) - inserted
	}

	result.Duration = time.Since(start)
	s.logger.Debug("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates_skipped", result.Duplicates),
		zap.Duration("duration", result.Duration))

	return result, nil
}

type recordRow struct {
	Record
	EmbeddingText string `db:"embedding"`
}

// Get returns the embedding stored under a text hash
func (s *Store) Get(ctx context.Context, textHash string) (*Record, error) {
	var row recordRow
	query := s.db.Rebind(`
		SELECT id, text, text_hash, model, revision, dims, source, embedding::text AS embedding
		FROM embeddings WHERE text_hash = ?`)
	if s.driver == DriverSQLite {
		query = strings.Replace(query, "embedding::text AS embedding", "embedding", 1)
	}

	if err := s.db.GetContext(ctx, &row, query, textHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}

	vec, err := parseEmbedding(row.EmbeddingText)
	if err != nil {
		return nil, err
	}
	record := row.Record
	record.Embedding = vec
	return &record, nil
}

// GetStats returns database statistics
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByModel: map[string]int64{}}

	rows, err := s.db.QueryContext(ctx, `SELECT model, COUNT(*) FROM embeddings GROUP BY model`)
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var model string
		var count int64
		if err := rows.Scan(&model, &count); err != nil {
			return nil, fmt.Errorf("failed to scan embedding stats: %w", err)
		}
		stats.ByModel[model] = count
		stats.TotalVectors += count
	}
	return stats, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Helper functions

// formatEmbedding converts a float32 slice to the pgvector text format
func formatEmbedding(embedding []float32) string {
	if len(embedding) == 0 {
		return "[]"
	}

	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// parseEmbedding converts the pgvector text format back to a float32 slice
func parseEmbedding(embeddingStr string) ([]float32, error) {
	embeddingStr = strings.Trim(embeddingStr, "[]")
	if embeddingStr == "" {
		return []float32{}, nil
	}

	parts := strings.Split(embeddingStr, ",")
	embedding := make([]float32, len(parts))
	for i, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedding value: %w", err)
		}
		embedding[i] = float32(val)
	}

	return embedding, nil
}

// maskDatabaseURL masks sensitive information in database URL for logging
func maskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
