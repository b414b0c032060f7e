package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/embeddings"
	"github.com/kaxap/txtvec/internal/store"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	failOn  string
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	for _, t := range texts {
		if f.failOn != "" && t == f.failOn {
			return nil, f.err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func newSQLiteStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(&store.Config{
		Driver:       store.DriverSQLite,
		DatabaseURL:  "file:" + filepath.Join(t.TempDir(), "ingest.db"),
		MaxOpenConns: 1,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestPipeline(t *testing.T, emb Embedder, batchSize int) (*Pipeline, *store.Store) {
	t.Helper()
	s := newSQLiteStore(t)
	p := NewPipeline(emb, s, &Config{
		Model:          "m",
		Revision:       "main",
		BatchSize:      batchSize,
		ValidateData:   true,
		MaxTextLength:  100,
		ProgressReport: 2,
	}, zap.NewNop())
	return p, s
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDetectFileFormat(t *testing.T) {
	assert.Equal(t, FormatCSV, DetectFileFormat("data.csv"))
	assert.Equal(t, FormatParquet, DetectFileFormat("data.PARQUET"))
	assert.Equal(t, FormatJSON, DetectFileFormat("data.jsonl"))
	assert.Equal(t, FormatCSV, DetectFileFormat("data"))
}

func TestProcessCSV(t *testing.T) {
	emb := &fakeEmbedder{}
	p, s := newTestPipeline(t, emb, 2)

	path := writeFile(t, "data.csv", "id,text\n1,hello\n2,\"world, again\"\n3,\n4,bonjour\n")
	res, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.TotalRecords)
	assert.Equal(t, int64(1), res.Skipped)
	assert.Equal(t, int64(3), res.ProcessedOK)
	assert.Equal(t, [][]string{{"hello", "world, again"}, {"bonjour"}}, emb.batches)

	got, err := s.Get(context.Background(), store.HashText("m", "main", "world, again"))
	require.NoError(t, err)
	assert.Equal(t, "data.csv#2", got.Source)
	assert.Equal(t, []float32{12, 1}, got.Embedding)

	stats := p.GetStats()
	assert.Equal(t, int64(3), stats.EmbeddingsGen)
	assert.Equal(t, int64(3), stats.DatabaseWrites)
	assert.Equal(t, int64(1), stats.RecordsInvalid)
}

func TestProcessCSVWithoutTextColumn(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeEmbedder{}, 2)
	_, err := p.ProcessReader(context.Background(), strings.NewReader("id,body\n1,x\n"), FormatCSV, "stdin")
	assert.Error(t, err)
}

func TestProcessJSONLines(t *testing.T) {
	emb := &fakeEmbedder{}
	p, _ := newTestPipeline(t, emb, 10)

	input := `{"text":"one"}
{"id":"b","text":"two"}
{"text":"` + strings.Repeat("x", 101) + `"}
`
	res, err := p.ProcessReader(context.Background(), strings.NewReader(input), FormatJSON, "stdin")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.TotalRecords)
	assert.Equal(t, int64(2), res.ProcessedOK)
	assert.Equal(t, int64(1), res.Skipped)
	assert.Equal(t, [][]string{{"one", "two"}}, emb.batches)
}

func TestProcessJSONMalformed(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeEmbedder{}, 10)
	_, err := p.ProcessReader(context.Background(), strings.NewReader(`{"text":"one"}{oops`), FormatJSON, "stdin")
	assert.Error(t, err)
}

func TestProcessParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := parquet.NewGenericWriter[DataRecord](f)
	_, err = w.Write([]DataRecord{{ID: "a", Text: "alpha"}, {Text: "beta"}, {Text: "gamma"}})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	emb := &fakeEmbedder{}
	p, s := newTestPipeline(t, emb, 2)
	res, err := p.ProcessFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.ProcessedOK)
	assert.Equal(t, [][]string{{"alpha", "beta"}, {"gamma"}}, emb.batches)

	stats, err := s.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalVectors)
}

func TestFailedBatchIsRecorded(t *testing.T) {
	emb := &fakeEmbedder{failOn: "bad", err: embeddings.ErrInferenceFailed}
	p, _ := newTestPipeline(t, emb, 2)

	input := "text\ngood\nbad\nfine\n"
	res, err := p.ProcessReader(context.Background(), strings.NewReader(input), FormatCSV, "stdin")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ProcessedOK)
	assert.Equal(t, int64(2), res.ProcessedFailed)
	require.Len(t, res.Errors, 1)
}

func TestLoadErrorAbortsIngest(t *testing.T) {
	emb := &fakeEmbedder{failOn: "first", err: embeddings.ErrArtifactUnavailable}
	p, _ := newTestPipeline(t, emb, 1)

	input := "text\nfirst\nsecond\n"
	_, err := p.ProcessReader(context.Background(), strings.NewReader(input), FormatCSV, "stdin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, embeddings.ErrArtifactUnavailable))
	assert.Len(t, emb.batches, 1)
}

func TestDuplicatesAreCounted(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeEmbedder{}, 10)

	res, err := p.ProcessReader(context.Background(), strings.NewReader("text\nsame\nother\n"), FormatCSV, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Duplicates)

	res, err = p.ProcessReader(context.Background(), strings.NewReader("text\nsame\nnew\n"), FormatCSV, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Duplicates)
}

func TestCanceledContext(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeEmbedder{}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.ProcessReader(ctx, strings.NewReader("text\na\n"), FormatCSV, "stdin")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCanceledDuringEmbeddingAborts(t *testing.T) {
	emb := &fakeEmbedder{failOn: "first", err: fmt.Errorf("%w: %w", embeddings.ErrInferenceFailed, context.Canceled)}
	p, _ := newTestPipeline(t, emb, 1)

	res, err := p.ProcessReader(context.Background(), strings.NewReader("text\nfirst\nsecond\n"), FormatCSV, "stdin")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, emb.batches, 1)
	assert.Equal(t, int64(0), res.ProcessedFailed)
}
