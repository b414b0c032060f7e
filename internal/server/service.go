package server

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/embeddings"
	"github.com/kaxap/txtvec/internal/websocket"
)

// EmbedRequest embeds one batch for either transport. The bool result reports
// a cache hit. Every call is logged, counted and broadcast to subscribers.
func (s *Server) EmbedRequest(ctx context.Context, req websocket.Request) ([][]float32, bool, error) {
	start := time.Now()
	log := s.logger.WithRequestID(req.ID)

	if len(req.Texts) == 0 {
		return [][]float32{}, false, nil
	}

	var key string
	if s.cache != nil {
		key = s.cache.Key(s.config.Model.ID, s.config.Model.Revision, string(s.pipeline.Pooling()), req.Texts)
		if vectors, ok := s.cache.Get(ctx, key); ok && len(vectors) == len(req.Texts) {
			s.metrics.RecordCache(true)
			s.finish(req, start, true, nil)
			return vectors, true, nil
		}
		s.metrics.RecordCache(false)
	}

	vectors, err := s.pipeline.Embed(ctx, req.Texts)
	if err != nil {
		log.Error("Embedding failed",
			zap.String("transport", req.Transport),
			zap.Int("texts", len(req.Texts)),
			zap.Int("code", embeddings.Code(err)),
			zap.Error(err))
		s.metrics.RecordError(strconv.Itoa(embeddings.Code(err)))
		s.finish(req, start, false, err)
		return nil, false, err
	}

	s.RecordModelLoaded(s.pipeline.GetStats().ModelLoadTime)
	s.metrics.RecordBatch(req.Transport, len(req.Texts), time.Since(start))

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, vectors); err != nil {
			log.Warn("Failed to cache embeddings", zap.Error(err))
		}
	}

	s.finish(req, start, false, nil)
	return vectors, false, nil
}

// finish broadcasts a request log event for one call
func (s *Server) finish(req websocket.Request, start time.Time, cached bool, err error) {
	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeRequestLog,
		Timestamp: time.Now(),
		RequestID: req.ID,
		Data: websocket.RequestLogEvent{
			RequestID: req.ID,
			Transport: req.Transport,
			ClientIP:  req.ClientIP,
			Texts:     len(req.Texts),
			Cached:    cached,
			Code:      embeddings.Code(err),
			Duration:  time.Since(start),
		},
	})
}
