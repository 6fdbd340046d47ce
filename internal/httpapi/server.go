// Package httpapi exposes the observability surface: Prometheus metrics,
// liveness, and per-symbol ingestion status.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// SymbolStatus is one symbol's ingestion health as served on /status.
type SymbolStatus struct {
	Symbol        string `json:"symbol"`
	State         string `json:"state"` // ok, degraded, down
	LastEventAge  int64  `json:"last_event_age_ms"` // milliseconds
	LastSequence  int64  `json:"last_sequence_id"`
	BookAnchored  bool   `json:"book_anchored"`
	FeedConnected bool   `json:"feed_connected"`
}

// StatusSource reports the current per-symbol pipeline state.
type StatusSource interface {
	Status() []SymbolStatus
}

// Pinger reports hot-state store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the observability HTTP server.
type Server struct {
	srv    *http.Server
	status StatusSource
	store  Pinger
}

// New builds the server and its routes.
func New(addr string, gatherer prometheus.Gatherer, status StatusSource, store Pinger) *Server {
	s := &Server{status: status, store: store}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	code := http.StatusOK

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["store"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, []SymbolStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.status.Status())
}

// StateFor classifies one symbol's ingestion health for /status.
func StateFor(connected, anchored bool, age, staleAfter time.Duration) string {
	switch {
	case !connected:
		return "down"
	case !anchored || age > staleAfter:
		return "degraded"
	default:
		return "ok"
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}
