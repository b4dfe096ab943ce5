package observability

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Handler serves the current snapshot as JSON.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
}

// StatusRecorder captures the response status. It passes Hijack through so
// WebSocket upgrades keep working behind it.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (w *StatusRecorder) WriteHeader(code int) {
	w.Status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *StatusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records each request as operation name. 5xx responses count as
// errors; 4xx responses are the caller's problem and do not.
func Middleware(metrics *Metrics, name string, next http.Handler) http.Handler {
	if metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span := metrics.Start(name)
		rec := NewStatusRecorder(w)
		next.ServeHTTP(rec, r)
		var err error
		if rec.Status >= http.StatusInternalServerError {
			err = fmt.Errorf("status %d", rec.Status)
		}
		span.End(err)
	})
}
