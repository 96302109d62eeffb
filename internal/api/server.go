// Package api exposes the read-mostly operator surface: worker status,
// positions, cold-log history, Prometheus metrics and a websocket relay of
// live worker state. The only mutation is a worker restart request.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quaylabs/rangekeeper/internal/domain"
	"github.com/quaylabs/rangekeeper/internal/engine"
	"github.com/quaylabs/rangekeeper/internal/hotstate"
	"github.com/quaylabs/rangekeeper/internal/telemetry"
)

// Store is the hot-store slice the API reads and the single control write.
type Store interface {
	Workers(ctx context.Context) ([]string, error)
	HeartbeatAlive(ctx context.Context, pairID string) (bool, error)
	GetWorkerState(ctx context.Context, pairID string) (*domain.WorkerState, error)
	ListPositions(ctx context.Context, pairID string) ([]domain.Position, error)
	GetCandles(ctx context.Context, pairID string) ([]domain.Candle, error)
	PublishControl(ctx context.Context, msg hotstate.ControlMessage) error
}

// HistoryReader serves cold-log queries. Nil when no cold log is configured.
type HistoryReader interface {
	Query(ctx context.Context, stream, pairID string, limit int) ([]telemetry.Record, error)
}

// StateSource feeds the websocket relay.
type StateSource interface {
	SubscribeState(ctx context.Context) (<-chan []byte, func(), error)
}

// Config holds HTTP server settings.
type Config struct {
	Port           int           `yaml:"port" env:"API_PORT"`
	Token          string        `yaml:"-" env:"API_TOKEN"` // empty disables the restart endpoint
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns standard server settings.
func DefaultConfig() Config {
	return Config{
		Port:           8090,
		RequestTimeout: 10 * time.Second,
	}
}

// Server is the operator HTTP surface.
type Server struct {
	cfg     Config
	store   Store
	history HistoryReader
	states  StateSource
	logger  zerolog.Logger
	router  *mux.Router
	srv     *http.Server
}

// NewServer wires routes. history and states may be nil; the corresponding
// endpoints report unavailable.
func NewServer(cfg Config, store Store, history HistoryReader, states StateSource) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		history: history,
		states:  states,
		logger:  log.With().Str("component", "api").Logger(),
	}
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: 0, // websocket relay holds connections open
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("api listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/state", s.handleStateSocket).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(jsonMiddleware)
	v1.HandleFunc("/pairs", s.handlePairs).Methods(http.MethodGet)
	v1.HandleFunc("/pairs/{pairId}/status", s.handlePairStatus).Methods(http.MethodGet)
	v1.HandleFunc("/pairs/{pairId}/positions", s.handlePairPositions).Methods(http.MethodGet)
	v1.HandleFunc("/pairs/{pairId}/allocations", s.handlePairAllocations).Methods(http.MethodGet)
	v1.HandleFunc("/pairs/{pairId}/candles", s.handlePairCandles).Methods(http.MethodGet)
	v1.HandleFunc("/pairs/{pairId}/snapshots", s.handleHistory(engine.StreamEpochs)).Methods(http.MethodGet)
	v1.HandleFunc("/pairs/{pairId}/analyses", s.handleHistory(engine.StreamAnalyses)).Methods(http.MethodGet)
	v1.HandleFunc("/pairs/{pairId}/txlog", s.handleHistory(engine.StreamTxLog)).Methods(http.MethodGet)
	v1.HandleFunc("/orchestrator", s.handleOrchestrator).Methods(http.MethodGet)

	restart := v1.PathPrefix("/workers").Subrouter()
	restart.Use(s.authMiddleware)
	restart.HandleFunc("/{pairId}/restart", s.handleRestart).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestCtx(r)
	defer cancel()

	workers, err := s.store.Workers(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "hot store unavailable")
		return
	}
	if workers == nil {
		workers = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairs": workers})
}

func (s *Server) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	pairID := mux.Vars(r)["pairId"]

	state, err := s.store.GetWorkerState(ctx, pairID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "hot store unavailable")
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "no live state for pair")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePairPositions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	pairID := mux.Vars(r)["pairId"]

	positions, err := s.store.ListPositions(ctx, pairID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "hot store unavailable")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairId": pairID, "positions": positions})
}

// handlePairAllocations reads the current allocation set off the live worker
// state.
func (s *Server) handlePairAllocations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	pairID := mux.Vars(r)["pairId"]

	state, err := s.store.GetWorkerState(ctx, pairID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "hot store unavailable")
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "no live state for pair")
		return
	}
	allocs := state.Allocations
	if allocs == nil {
		allocs = []domain.AllocationEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pairId":      pairID,
		"epoch":       state.Epoch,
		"allocations": allocs,
	})
}

func (s *Server) handlePairCandles(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	pairID := mux.Vars(r)["pairId"]

	candles, err := s.store.GetCandles(ctx, pairID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "hot store unavailable")
		return
	}
	if candles == nil {
		candles = []domain.Candle{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairId": pairID, "candles": candles})
}

// handleHistory serves cold-log reads for one stream, newest first.
func (s *Server) handleHistory(stream string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.history == nil {
			writeError(w, http.StatusServiceUnavailable, "cold log not configured")
			return
		}
		ctx, cancel := s.requestCtx(r)
		defer cancel()
		pairID := mux.Vars(r)["pairId"]

		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 1000 {
				writeError(w, http.StatusBadRequest, "limit must be 1..1000")
				return
			}
			limit = n
		}

		records, err := s.history.Query(ctx, stream, pairID, limit)
		if err != nil {
			s.logger.Error().Err(err).Str("stream", stream).Str("pair", pairID).Msg("cold log query failed")
			writeError(w, http.StatusBadGateway, "cold log unavailable")
			return
		}

		payloads := make([]json.RawMessage, 0, len(records))
		for _, rec := range records {
			payloads = append(payloads, rec.Payload)
		}
		writeJSON(w, http.StatusOK, map[string]any{"pairId": pairID, "stream": stream, "records": payloads})
	}
}

// orchestratorView is one row of the fleet summary.
type orchestratorView struct {
	PairID string              `json:"pairId"`
	Alive  bool                `json:"alive"`
	State  *domain.WorkerState `json:"state,omitempty"`
}

func (s *Server) handleOrchestrator(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestCtx(r)
	defer cancel()

	workers, err := s.store.Workers(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "hot store unavailable")
		return
	}

	views := make([]orchestratorView, 0, len(workers))
	for _, pair := range workers {
		view := orchestratorView{PairID: pair}
		view.Alive, _ = s.store.HeartbeatAlive(ctx, pair)
		view.State, _ = s.store.GetWorkerState(ctx, pair)
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": views})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestCtx(r)
	defer cancel()
	pairID := mux.Vars(r)["pairId"]

	msg := hotstate.ControlMessage{Type: hotstate.ControlRestart, PairID: pairID}
	if err := s.store.PublishControl(ctx, msg); err != nil {
		writeError(w, http.StatusBadGateway, "restart message not published")
		return
	}
	s.logger.Info().Str("pair", pairID).Msg("worker restart requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restart requested", "pairId": pairID})
}

func (s *Server) requestCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
