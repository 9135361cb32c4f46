// Package api wires pkg/scheduler and pkg/worker to the network: one
// gorilla/mux router per service, JSON request/response bodies matching
// pkg/protocol, plus health/ready/metrics routes and a websocket event
// stream (spec §6).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/rinsane/distbuild/pkg/distbuilderr"
	"github.com/rinsane/distbuild/pkg/events"
	"github.com/rinsane/distbuild/pkg/log"
	"github.com/rinsane/distbuild/pkg/metrics"
	"github.com/rinsane/distbuild/pkg/protocol"
)

// SchedulerCore is the subset of pkg/scheduler.Scheduler this server
// dispatches HTTP requests to.
type SchedulerCore interface {
	RegisterWorker(*protocol.RegisterWorkerRequest) (*protocol.RegisterWorkerResponse, error)
	Heartbeat(*protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error)
	SubmitJob(*protocol.SubmitJobRequest) (*protocol.SubmitJobResponse, error)
	GetJobStatus(*protocol.GetJobStatusRequest) (*protocol.GetJobStatusResponse, error)
	ListJobs(*protocol.ListJobsRequest) (*protocol.ListJobsResponse, error)
	ListWorkers(*protocol.ListWorkersRequest) (*protocol.ListWorkersResponse, error)
	ReportJobResult(*protocol.ReportJobResultRequest) (*protocol.ReportJobResultResponse, error)
}

// SchedulerServer serves SchedulerService over HTTP.
type SchedulerServer struct {
	core   SchedulerCore
	broker *events.Broker
	logger zerolog.Logger
	srv    *http.Server
}

// NewSchedulerServer builds the router and wraps it in an *http.Server
// bound to addr.
func NewSchedulerServer(addr string, core SchedulerCore, broker *events.Broker) *SchedulerServer {
	s := &SchedulerServer{core: core, broker: broker, logger: log.WithComponent("scheduler-api")}

	r := mux.NewRouter()
	r.Use(s.instrument)
	r.HandleFunc("/v1/workers", s.handleRegisterWorker).Methods(http.MethodPost)
	r.HandleFunc("/v1/workers/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs/{id}", s.handleGetJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/v1/workers", s.handleListWorkers).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{id}/result", s.handleReportJobResult).Methods(http.MethodPost)
	r.HandleFunc("/v1/events", s.handleEvents).Methods(http.MethodGet)
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

// Start begins serving. It blocks until the server stops; callers
// typically run it in a goroutine.
func (s *SchedulerServer) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("scheduler API listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return distbuilderr.Transportf(err, "scheduler API server")
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *SchedulerServer) Stop() error {
	ctx, cancel := newShutdownContext()
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *SchedulerServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method+" "+r.URL.Path, strconv.Itoa(rw.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method+" "+r.URL.Path)
	})
}

func (s *SchedulerServer) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterWorkerRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.core.RegisterWorker(&req)
	writeResult(w, resp, err)
}

func (s *SchedulerServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	req.WorkerID = mux.Vars(r)["id"]
	resp, err := s.core.Heartbeat(&req)
	writeResult(w, resp, err)
}

func (s *SchedulerServer) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitJobRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := s.core.SubmitJob(&req)
	writeResult(w, resp, err)
}

func (s *SchedulerServer) handleGetJobStatus(w http.ResponseWriter, r *http.Request) {
	req := protocol.GetJobStatusRequest{JobID: mux.Vars(r)["id"]}
	resp, err := s.core.GetJobStatus(&req)
	writeResult(w, resp, err)
}

func (s *SchedulerServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	req := protocol.ListJobsRequest{StatusFilter: r.URL.Query().Get("status")}
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		if lim, err := strconv.Atoi(limStr); err == nil {
			req.Limit = lim
		}
	}
	resp, err := s.core.ListJobs(&req)
	writeResult(w, resp, err)
}

func (s *SchedulerServer) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	resp, err := s.core.ListWorkers(&protocol.ListWorkersRequest{})
	writeResult(w, resp, err)
}

func (s *SchedulerServer) handleReportJobResult(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReportJobResultRequest
	if !decode(w, r, &req) {
		return
	}
	req.JobID = mux.Vars(r)["id"]
	resp, err := s.core.ReportJobResult(&req)
	writeResult(w, resp, err)
}

func (s *SchedulerServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	serveEventStream(w, r, s.broker, s.logger)
}

// decode reads and JSON-decodes the request body, writing an InvalidState
// error (409) on failure. Returns false if it wrote a response (caller
// should return).
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil && err.Error() != "EOF" {
		writeError(w, distbuilderr.InvalidStatef("decoding request body: %v", err))
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, resp interface{}, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, err error) {
	status := distbuilderr.HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
