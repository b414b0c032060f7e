package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kaxap/txtvec/internal/embeddings"
	"github.com/kaxap/txtvec/internal/websocket"
)

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// handleEmbeddings embeds a JSON array of strings and returns one vector per string
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())

	if s.config.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	}

	var texts []string
	if err := json.NewDecoder(r.Body).Decode(&texts); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: errorBody{
				Type:    "body_too_large",
				Message: err.Error(),
			}})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Type:    "invalid_json",
			Message: "request body must be a JSON array of strings",
			Code:    embeddings.ErrInvalidInput.Code,
		}})
		return
	}

	vectors, cached, err := s.EmbedRequest(r.Context(), websocket.Request{
		ID:        requestID,
		ClientIP:  websocket.ClientIP(r),
		Transport: "http",
		Texts:     texts,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, vectors)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.state == nil || s.state.Ready()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"model_ready": ready,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}

// handleInfo describes the model, loading it if needed
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.pipeline.Info(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    "txtvec",
		"model":   info,
		"pooling": s.pipeline.Pooling(),
		"dims":    info.HiddenSize,
	})
}

// handleStats reports pipeline, cache and WebSocket statistics
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"pipeline":  s.pipeline.GetStats(),
		"websocket": s.wsHub.GetStats(),
	}
	if s.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		stats, err := s.cache.GetStats(ctx)
		if err != nil {
			s.logger.Warn("Failed to read cache stats", zap.Error(err))
		} else {
			resp["cache"] = stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps an embedding failure to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, embeddings.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}

	var ee *embeddings.EmbeddingError
	if errors.As(err, &ee) {
		switch ee.Class {
		case embeddings.ClassEncoding:
			return http.StatusUnprocessableEntity
		case embeddings.ClassLoad:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Type: "internal_error", Message: err.Error(), Code: embeddings.Code(err)}
	var ee *embeddings.EmbeddingError
	if errors.As(err, &ee) {
		body.Type = ee.Type
	}
	writeJSON(w, statusFor(err), errorResponse{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
