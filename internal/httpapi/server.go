package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avnigashi/lllms/internal/pool"
	"github.com/avnigashi/lllms/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Chat(ctx context.Context, req types.ChatRequest, onChunk pool.ChunkFunc) (types.ChatResult, error)
	Completion(ctx context.Context, req types.CompletionRequest, onChunk pool.ChunkFunc) (types.CompletionResult, error)
	Embedding(ctx context.Context, req types.EmbeddingRequest) (types.EmbeddingResult, error)
	Models() []types.ModelInfo
	Status() types.StatusResponse
	Ready() bool
}

// NewMux builds the router. All JSON endpoints enforce Content-Type and a
// body size cap; chat and completion stream NDJSON when the request asks.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	// @Summary List models
	// @Produce json
	// @Success 200 {object} types.ModelsResponse
	// @Router /models [get]
	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.ModelsResponse{Models: svc.Models()})
	})

	// @Summary Pool status
	// @Produce json
	// @Success 200 {object} types.StatusResponse
	// @Router /status [get]
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	})

	// @Summary Chat completion
	// @Accept json
	// @Produce json
	// @Param request body types.ChatRequest true "chat request"
	// @Success 200 {object} types.ChatResult
	// @Router /v1/chat [post]
	r.Post("/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Messages) == 0 {
			writeJSONError(w, http.StatusBadRequest, "messages are required")
			return
		}
		serve(w, r, req.Model, req.Stream, func(ctx context.Context, onChunk pool.ChunkFunc) (any, error) {
			return svc.Chat(ctx, req, onChunk)
		})
	})

	// @Summary Text completion
	// @Accept json
	// @Produce json
	// @Param request body types.CompletionRequest true "completion request"
	// @Success 200 {object} types.CompletionResult
	// @Router /v1/completion [post]
	r.Post("/v1/completion", func(w http.ResponseWriter, r *http.Request) {
		var req types.CompletionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		serve(w, r, req.Model, req.Stream, func(ctx context.Context, onChunk pool.ChunkFunc) (any, error) {
			return svc.Completion(ctx, req, onChunk)
		})
	})

	// @Summary Embeddings
	// @Accept json
	// @Produce json
	// @Param request body types.EmbeddingRequest true "embedding request"
	// @Success 200 {object} types.EmbeddingResult
	// @Router /v1/embedding [post]
	r.Post("/v1/embedding", func(w http.ResponseWriter, r *http.Request) {
		var req types.EmbeddingRequest
		if !decodeBody(w, r, &req) {
			return
		}
		serve(w, r, req.Model, false, func(ctx context.Context, _ pool.ChunkFunc) (any, error) {
			return svc.Embedding(ctx, req)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("draining"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// decodeBody enforces Content-Type, caps the body and decodes JSON into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// serve runs one pool operation with shutdown-aware cancellation, optional
// NDJSON streaming and uniform error mapping.
func serve(w http.ResponseWriter, r *http.Request, model string, stream bool, op func(context.Context, pool.ChunkFunc) (any, error)) {
	start := time.Now()
	lg := requestLogger(r)
	lg.Info().Str("model", model).Msg("request start")

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	var onChunk pool.ChunkFunc
	var sw *streamWriter
	if stream {
		w.Header().Set("Content-Type", "application/x-ndjson")
		sw = newStreamWriter(w)
		onChunk = sw.Chunk
	}

	res, err := op(ctx, onChunk)
	if err != nil {
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			// Client is gone or the server is shutting down; nothing to say.
			return
		}
		status := statusForError(err)
		if sw == nil || !sw.started() {
			writeJSONError(w, status, err.Error())
		} else {
			sw.Fail(status, err.Error())
		}
		lg.Info().Int("status", status).Dur("dur", time.Since(start)).Err(err).Msg("request end")
		return
	}

	if sw != nil {
		sw.Done(res)
	} else {
		writeJSON(w, res)
	}
	lg.Info().Int("status", http.StatusOK).Dur("dur", time.Since(start)).Msg("request end")
}

// statusForError maps pool error kinds to HTTP status codes.
func statusForError(err error) int {
	switch {
	case pool.IsUnknownModel(err):
		return http.StatusNotFound
	case pool.IsUnknownGrammar(err):
		return http.StatusBadRequest
	case pool.IsProtocol(err):
		return http.StatusUnprocessableEntity
	case pool.IsShuttingDown(err):
		return http.StatusServiceUnavailable
	case pool.IsResource(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
