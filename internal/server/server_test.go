package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/cache"
	"github.com/kaxap/txtvec/internal/config"
	"github.com/kaxap/txtvec/internal/embeddings"
	"github.com/kaxap/txtvec/internal/websocket"
)

type fakePipeline struct {
	calls atomic.Int32
	err   error
}

func (f *fakePipeline) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 0.5}
	}
	return out, nil
}

func (f *fakePipeline) Info(context.Context) (embeddings.ModelInfo, error) {
	if f.err != nil {
		return embeddings.ModelInfo{}, f.err
	}
	return embeddings.ModelInfo{ModelID: "test/model", Revision: "main", HiddenSize: 2}, nil
}

func (f *fakePipeline) Pooling() embeddings.Pooling { return embeddings.PoolingMean }

func (f *fakePipeline) GetStats() *embeddings.ModelStats {
	return &embeddings.ModelStats{ModelLoadTime: 250 * time.Millisecond}
}

type readyFlag bool

func (r readyFlag) Ready() bool { return bool(r) }

func newTestServer(t *testing.T, mutate func(*config.Config), opts Options) (*Server, *fakePipeline) {
	t.Helper()
	cfg := config.GetDefaults()
	if mutate != nil {
		mutate(cfg)
	}
	fake := &fakePipeline{}
	opts.Config = cfg
	if opts.Pipeline == nil {
		opts.Pipeline = fake
	} else {
		fake = opts.Pipeline.(*fakePipeline)
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s, fake
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/embeddings", strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEmbeddingsEndpoint(t *testing.T) {
	s, fake := newTestServer(t, nil, Options{})

	rec := post(t, s.Handler(), `["hello","bonjour le monde"]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var vectors [][]float32
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vectors))
	assert.Equal(t, [][]float32{{5, 0.5}, {16, 0.5}}, vectors)
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestEmbeddingsEmptyBatch(t *testing.T) {
	s, fake := newTestServer(t, nil, Options{})

	rec := post(t, s.Handler(), `[]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
	assert.Equal(t, int32(0), fake.calls.Load())
}

func TestEmbeddingsBadRequests(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.Server.MaxBodyBytes = 64 }, Options{})

	rec := post(t, s.Handler(), `{"text":"not an array"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, s.Handler(), `[1, 2]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, s.Handler(), `["`+strings.Repeat("x", 200)+`"]`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req := httptest.NewRequest("GET", "/embeddings", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEmbeddingsErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   int
	}{
		{"invalid utf8", fmt.Errorf("%w: string 0", embeddings.ErrInvalidUTF8), http.StatusUnprocessableEntity, 1013},
		{"batch too large", embeddings.ErrBatchTooLarge, http.StatusRequestEntityTooLarge, 1016},
		{"artifact unavailable", fmt.Errorf("fetch: %w", embeddings.ErrArtifactUnavailable), http.StatusServiceUnavailable, 1009},
		{"zero norm", embeddings.ErrZeroNorm, http.StatusInternalServerError, 1015},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, 1000},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, nil, Options{Pipeline: &fakePipeline{err: tt.err}})

			rec := post(t, s.Handler(), `["x"]`)
			assert.Equal(t, tt.status, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestEmbeddingsCache(t *testing.T) {
	c, err := cache.NewBatchCache(&cache.Config{KeyPrefix: "test", DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	s, fake := newTestServer(t, nil, Options{Cache: c})

	first := post(t, s.Handler(), `["a","b"]`)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second := post(t, s.Handler(), `["a","b"]`)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// order is part of the key
	third := post(t, s.Handler(), `["b","a"]`)
	assert.Equal(t, "MISS", third.Header().Get("X-Cache"))
	assert.Equal(t, int32(2), fake.calls.Load())
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimit.Enabled = true
		c.Server.RateLimit.RequestsPerSecond = 0.001
		c.Server.RateLimit.Burst = 1
	}, Options{})

	assert.Equal(t, http.StatusOK, post(t, s.Handler(), `["a"]`).Code)
	rec := post(t, s.Handler(), `["a"]`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHealthInfoMetrics(t *testing.T) {
	s, _ := newTestServer(t, nil, Options{State: readyFlag(false)})
	h := s.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		return rec
	}

	rec := get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, false, health["model_ready"])

	rec = get("/info")
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, float64(2), info["dims"])
	assert.Equal(t, "mean", info["pooling"])

	post(t, h, `["a"]`)

	rec = get("/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pipeline"`)

	rec = get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `txtvec_http_requests_total{route="/embeddings",status="2xx"} 1`)
	assert.Contains(t, body, `txtvec_embed_texts_total 1`)
	assert.Contains(t, body, `txtvec_model_load_seconds 0.25`)
}

func TestInfoLoadFailure(t *testing.T) {
	s, _ := newTestServer(t, nil, Options{Pipeline: &fakePipeline{err: embeddings.ErrArtifactMalformed}})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/info", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	s, _ := newTestServer(t, nil, Options{})
	req := httptest.NewRequest("POST", "/embeddings", bytes.NewBufferString(`["a"]`))
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestWebSocketThroughServer(t *testing.T) {
	s, _ := newTestServer(t, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(websocket.ClientMessage{Type: "embed", ID: "w1", Texts: []string{"abc"}}))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev struct {
		Type      websocket.EventType       `json:"type"`
		RequestID string                    `json:"request_id"`
		Data      websocket.EmbeddingsEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, websocket.EventTypeEmbeddings, ev.Type)
	assert.Equal(t, "w1", ev.RequestID)
	assert.Equal(t, [][]float32{{3, 0.5}}, ev.Data.Vectors)
}

func TestStartStop(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.Server.Port = 0 }, Options{})

	errs := make(chan error, 1)
	go func() { errs <- s.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.ErrorIs(t, <-errs, http.ErrServerClosed)
}

func TestNewRequiresPipeline(t *testing.T) {
	_, err := New(Options{Config: config.GetDefaults()})
	assert.Error(t, err)
	_, err = New(Options{Pipeline: &fakePipeline{}})
	assert.Error(t, err)
}

// wordTokenizer gives every text the same two-token encoding
type wordTokenizer struct{}

func (wordTokenizer) BatchEncoder() embeddings.Encoder { return wordTokenizer{} }

func (wordTokenizer) EncodeBatch(texts []string) ([]embeddings.Encoding, error) {
	out := make([]embeddings.Encoding, len(texts))
	for i := range out {
		out[i] = embeddings.Encoding{IDs: []int{0, 2}, AttentionMask: []int{1, 1}}
	}
	return out, nil
}

// blockingBackend waits for the request context to end
type blockingBackend struct{}

func (blockingBackend) Forward(ctx context.Context, _ *embeddings.Batch) (*embeddings.HiddenStates, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingBackend) IsReady() bool { return true }
func (blockingBackend) Close() error  { return nil }

func TestEmbeddingsContextStatusWithPipeline(t *testing.T) {
	state := embeddings.NewState(func(context.Context) (*embeddings.Resources, error) {
		return &embeddings.Resources{
			Tokenizer: wordTokenizer{},
			Model: &embeddings.Model{
				Backend: blockingBackend{},
				Info:    embeddings.ModelInfo{ModelID: "test/model", HiddenSize: 2},
			},
		}, nil
	}, zap.NewNop())
	pipeline, err := embeddings.NewPipeline(state, embeddings.PipelineConfig{}, zap.NewNop())
	require.NoError(t, err)

	s, err := New(Options{Config: config.GetDefaults(), Pipeline: pipeline, State: state})
	require.NoError(t, err)

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		req := httptest.NewRequest("POST", "/embeddings", strings.NewReader(`["a"]`)).WithContext(ctx)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusGatewayTimeout, rec.Code, rec.Body.String())
		var resp errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1003, resp.Error.Code)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		req := httptest.NewRequest("POST", "/embeddings", strings.NewReader(`["a"]`)).WithContext(ctx)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	})
}
