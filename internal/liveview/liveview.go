package liveview

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"kronoterm_gateway/internal/codec"
	"kronoterm_gateway/internal/history"
	"kronoterm_gateway/internal/service"
)

// Server exposes the latest snapshot, derived flags and register writes
// over HTTP, plus Prometheus metrics and a liveness probe.
type Server struct {
	logger  zerolog.Logger
	engine  *service.Service
	history *history.Store
	server  *http.Server
	ln      net.Listener
}

type readingView struct {
	Address uint16      `json:"address"`
	Name    string      `json:"name"`
	Kind    string      `json:"kind"`
	Value   interface{} `json:"value,omitempty"`
	Unit    string      `json:"unit,omitempty"`
	Raw     uint16      `json:"raw"`
	Absent  bool        `json:"absent"`
}

type snapshotResponse struct {
	TakenAt   time.Time     `json:"taken_at"`
	Success   bool          `json:"success"`
	Available bool          `json:"available"`
	Readings  []readingView `json:"readings"`
}

type writeRequest struct {
	Address uint16      `json:"address"`
	Value   interface{} `json:"value"`
}

// New starts the server on the given address. The history store may be
// nil when persistence is disabled.
func New(listen string, engine *service.Service, store *history.Store, logger zerolog.Logger) (*Server, error) {
	server := &Server{
		logger:  logger.With().Str("component", "liveview").Logger(),
		engine:  engine,
		history: store,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/snapshot", server.handleSnapshot)
	mux.HandleFunc("/api/flags", server.handleFlags)
	mux.HandleFunc("/api/write", server.handleWrite)
	mux.HandleFunc("/api/history", server.handleHistory)
	mux.HandleFunc("/healthz", server.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			server.logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	server.logger.Info().Str("listen", ln.Addr().String()).Msg("http server started")
	return server, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.engine.Latest()
	if snap == nil {
		http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}
	readings := make([]readingView, 0, snap.Len())
	for _, reading := range snap.Readings {
		readings = append(readings, toReadingView(reading))
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Address < readings[j].Address })
	writeJSON(w, s.logger, snapshotResponse{
		TakenAt:   snap.TakenAt,
		Success:   snap.Success,
		Available: s.engine.Available(),
		Readings:  readings,
	})
}

func toReadingView(reading codec.Reading) readingView {
	view := readingView{
		Address: reading.Address,
		Name:    reading.Name,
		Kind:    string(reading.Kind),
		Unit:    reading.Unit,
		Raw:     reading.Raw,
		Absent:  reading.Absent,
	}
	if !reading.Absent {
		view.Value = reading.Value
	}
	return view
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.engine.Latest()
	if snap == nil {
		http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.logger, snap.Flags)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.engine.Write(r.Context(), req.Address, req.Value); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, codec.ErrNotWritable) || errors.Is(err, codec.ErrOutOfRange) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	address, err := strconv.ParseUint(r.URL.Query().Get("address"), 10, 16)
	if err != nil {
		http.Error(w, "address required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	points, err := s.history.Series(uint16(address), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("history query failed")
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, points)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Available() {
		http.Error(w, "device unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error().Err(err).Msg("encode response")
	}
}

// Close shuts the server down gracefully.
func (s *Server) Close(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
