// Package api exposes the control HTTP endpoint: prometheus metrics, run
// status and live commands.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ErrUnknownPort is returned by a Controller for ports nobody drives.
var ErrUnknownPort = errors.New("unknown port")

// WorkerStatus is the state of a worker.
type WorkerStatus struct {
	ID            int    `json:"id"`
	Packets       uint64 `json:"packets"`
	Bytes         uint64 `json:"bytes"`
	Reclaimed     uint64 `json:"reclaimed"`
	AllocFailures uint64 `json:"alloc_failures"`
	TxErrors      uint64 `json:"tx_errors"`
}

// Status is the state of a run.
type Status struct {
	Session string         `json:"session"`
	Uptime  string         `json:"uptime"`
	Workers []WorkerStatus `json:"workers"`
}

// Controller executes the commands received over HTTP.
type Controller interface {
	Status() Status
	UpdateRate(ctx context.Context, port uint8, factor float64) error
	Pause(ctx context.Context, port uint8, pause bool) error
	Stop(ctx context.Context, port uint8) error
	StopAll(ctx context.Context) error
	Dump(ctx context.Context, worker int, w io.Writer) error
}

type handler struct {
	ctrl Controller
	log  *zap.SugaredLogger
}

// NewRouter routes the endpoint's requests.
func NewRouter(ctrl Controller, gatherer prometheus.Gatherer, log *zap.SugaredLogger) *mux.Router {
	h := &handler{ctrl: ctrl, log: log}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/ports/{port}/rate", h.handleRate).Methods(http.MethodPost)
	r.HandleFunc("/v1/ports/{port}/pause", h.handlePause(true)).Methods(http.MethodPost)
	r.HandleFunc("/v1/ports/{port}/resume", h.handlePause(false)).Methods(http.MethodPost)
	r.HandleFunc("/v1/ports/{port}/stop", h.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/v1/stop", h.handleStopAll).Methods(http.MethodPost)
	r.HandleFunc("/v1/workers/{worker}/dump", h.handleDump).Methods(http.MethodGet)

	return r
}

func (m *handler) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, ErrUnknownPort) {
		code = http.StatusNotFound
	}
	m.log.Warnw("request failed", zap.Error(err))
	http.Error(w, err.Error(), code)
}

func portVar(r *http.Request) (uint8, error) {
	port, err := strconv.ParseUint(mux.Vars(r)["port"], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid port: %w", err)
	}
	return uint8(port), nil
}

func (m *handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.ctrl.Status()); err != nil {
		m.log.Warnw("failed to encode status", zap.Error(err))
	}
}

func (m *handler) handleRate(w http.ResponseWriter, r *http.Request) {
	port, err := portVar(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	factor, err := strconv.ParseFloat(r.URL.Query().Get("factor"), 64)
	if err != nil || factor <= 0 {
		http.Error(w, "factor must be a positive number", http.StatusBadRequest)
		return
	}

	if err := m.ctrl.UpdateRate(r.Context(), port, factor); err != nil {
		m.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *handler) handlePause(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		port, err := portVar(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := m.ctrl.Pause(r.Context(), port, pause); err != nil {
			m.fail(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (m *handler) handleStop(w http.ResponseWriter, r *http.Request) {
	port, err := portVar(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := m.ctrl.Stop(r.Context(), port); err != nil {
		m.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *handler) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if err := m.ctrl.StopAll(r.Context()); err != nil {
		m.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *handler) handleDump(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["worker"])
	if err != nil {
		http.Error(w, "invalid worker", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if err := m.ctrl.Dump(r.Context(), id, w); err != nil {
		m.fail(w, err)
	}
}

////////////////////////////////////////////////////////////////////////////////

// Server serves the endpoint until its context is done.
type Server struct {
	endpoint string
	server   *http.Server
	log      *zap.SugaredLogger
}

// NewServer creates a server for the handler.
func NewServer(endpoint string, handler http.Handler, log *zap.SugaredLogger) *Server {
	return &Server{
		endpoint: endpoint,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Run listens on the endpoint and serves until ctx is canceled.
func (m *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", m.endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", m.endpoint, err)
	}

	m.log.Infow("exposing control API", zap.Stringer("addr", listener.Addr()))
	defer m.log.Infow("stopped control API", zap.Stringer("addr", listener.Addr()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to serve control API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop control API: %w", err)
	}
	return nil
}
