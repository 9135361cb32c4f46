package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/rinsane/distbuild/pkg/distbuilderr"
	"github.com/rinsane/distbuild/pkg/log"
	"github.com/rinsane/distbuild/pkg/metrics"
	"github.com/rinsane/distbuild/pkg/protocol"
	"github.com/rinsane/distbuild/pkg/types"
)

// WorkerCore is the subset of pkg/worker.Worker this server dispatches
// HTTP requests to.
type WorkerCore interface {
	ExecuteJob(job *types.Job) (*protocol.ExecuteJobResponse, error)
	GetStatus() *protocol.GetStatusResponse
}

// WorkerServer serves WorkerService over HTTP.
type WorkerServer struct {
	core   WorkerCore
	logger zerolog.Logger
	srv    *http.Server
}

// NewWorkerServer builds the router and wraps it in an *http.Server bound
// to addr.
func NewWorkerServer(addr string, core WorkerCore) *WorkerServer {
	s := &WorkerServer{core: core, logger: log.WithComponent("worker-api")}

	r := mux.NewRouter()
	r.Use(s.instrument)
	r.HandleFunc("/v1/execute", s.handleExecuteJob).Methods(http.MethodPost)
	r.HandleFunc("/v1/status", s.handleGetStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving; blocks until the server stops.
func (s *WorkerServer) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("worker API listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return distbuilderr.Transportf(err, "worker API server")
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *WorkerServer) Stop() error {
	ctx, cancel := newShutdownContext()
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *WorkerServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method+" "+r.URL.Path, strconv.Itoa(rw.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method+" "+r.URL.Path)
	})
}

func (s *WorkerServer) handleExecuteJob(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecuteJobRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Job == nil {
		writeError(w, distbuilderr.InvalidStatef("execute request missing job"))
		return
	}
	resp, err := s.core.ExecuteJob(req.Job)
	writeResult(w, resp, err)
}

func (s *WorkerServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	resp := s.core.GetStatus()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
