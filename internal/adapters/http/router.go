package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"storefront/internal/observability"
	"storefront/internal/orders/saga"
	"storefront/internal/readmodel"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

// Replayer rebuilds read models. *readmodel.Replayer satisfies it.
type Replayer interface {
	Replay(ctx context.Context, aggregateType, aggregateID string) (readmodel.Projection, bool, error)
}

// Config selects what the query surface exposes. Nil fields leave their
// routes unregistered.
type Config struct {
	Log      *slog.Logger
	Metrics  *observability.Metrics
	Replayer Replayer
	Sagas    saga.Store
	// Realtime serves GET /ws.
	Realtime http.Handler
}

type handler struct {
	log      *slog.Logger
	replayer Replayer
	sagas    saga.Store
}

// NewRouter builds the query surface: read models, sagas, health and the
// realtime socket.
func NewRouter(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	h := &handler{log: log, replayer: cfg.Replayer, sagas: cfg.Sagas}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if h.replayer != nil {
		route := "GET /read-models/{aggregate_type}/{aggregate_id}"
		mux.Handle(route, observability.Middleware(cfg.Metrics, route, http.HandlerFunc(h.readModel)))
	}
	if h.sagas != nil {
		route := "GET /sagas/{saga_id}"
		mux.Handle(route, observability.Middleware(cfg.Metrics, route, http.HandlerFunc(h.saga)))
	}
	if cfg.Realtime != nil {
		mux.Handle("GET /ws", cfg.Realtime)
	}

	var out http.Handler = mux
	out = accessLog(log, out)
	out = requestID(out)
	return out
}

func (h *handler) readModel(w http.ResponseWriter, r *http.Request) {
	aggType := canonicalAggregate(r.PathValue("aggregate_type"))
	aggID := strings.TrimSpace(r.PathValue("aggregate_id"))
	if aggID == "" {
		writeError(w, http.StatusBadRequest, "aggregate_id is required")
		return
	}

	proj, found, err := h.replayer.Replay(r.Context(), aggType, aggID)
	switch {
	case errors.Is(err, readmodel.ErrUnknownAggregate):
		writeError(w, http.StatusNotFound, "unknown aggregate type "+aggType)
		return
	case err != nil:
		h.log.Error("read_model_replay_failed",
			slog.String("aggregate_type", aggType),
			slog.String("aggregate_id", aggID),
			slog.String("err", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "replay failed")
		return
	case !found:
		writeError(w, http.StatusNotFound, aggType+" "+aggID+" not found")
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (h *handler) saga(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("saga_id"))
	detail, err := saga.Load(r.Context(), h.sagas, id)
	switch {
	case errors.Is(err, saga.ErrNotFound):
		writeError(w, http.StatusNotFound, "saga "+id+" not found")
		return
	case err != nil:
		h.log.Error("saga_load_failed", slog.String("saga_id", id), slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, "saga lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// canonicalAggregate maps "cart" and "CART" to "Cart".
func canonicalAggregate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	return strings.ToUpper(raw[:1]) + strings.ToLower(raw[1:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), rid)))
	})
}

type ctxKeyRequestID struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

// RequestID returns the id assigned to the current request.
func RequestID(ctx context.Context) string {
	if s, ok := ctx.Value(ctxKeyRequestID{}).(string); ok {
		return s
	}
	return ""
}

func accessLog(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := observability.NewStatusRecorder(w)

		next.ServeHTTP(rec, r)

		log.Info("http_request",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.Status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}
