package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBatch(t *testing.T) {
	m := New()
	m.RecordBatch("http", 3, 20*time.Millisecond)
	m.RecordBatch("websocket", 2, 10*time.Millisecond)

	assert.Equal(t, float64(5), testutil.ToFloat64(m.TextsEmbedded))
	assert.Equal(t, 2, testutil.CollectAndCount(m.RequestDuration))
}

func TestRecordRequestStatusClass(t *testing.T) {
	m := New()
	m.RecordRequest("/embeddings", 200)
	m.RecordRequest("/embeddings", 201)
	m.RecordRequest("/embeddings", 422)
	m.RecordRequest("/embeddings", 503)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/embeddings", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/embeddings", "4xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/embeddings", "5xx")))
}

func TestModelAndCache(t *testing.T) {
	m := New()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ModelReady))
	m.RecordModelLoaded(1500 * time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ModelReady))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.ModelLoadTime))

	m.RecordCache(true)
	m.RecordCache(false)
	m.RecordCache(false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheRequests.WithLabelValues("hit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheRequests.WithLabelValues("miss")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordError("1013")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `txtvec_embed_errors_total{code="1013"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.TextsEmbedded.Inc()
	assert.Equal(t, float64(0), testutil.ToFloat64(b.TextsEmbedded))
}
