// Package worker implements a job-executing worker: it registers with the
// scheduler, heartbeats on a fixed interval, and executes jobs dispatched
// to it through a bounded slot pool. Transformation handlers are supplied
// by the caller (cmd/distbuild's reference handler, or a real collaborator
// such as a compiler wrapper) and keyed by job_type (spec §4.3).
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	wpool "github.com/ygrebnov/workers"

	"github.com/rinsane/distbuild/pkg/cas"
	"github.com/rinsane/distbuild/pkg/distbuilderr"
	"github.com/rinsane/distbuild/pkg/events"
	"github.com/rinsane/distbuild/pkg/log"
	"github.com/rinsane/distbuild/pkg/metrics"
	"github.com/rinsane/distbuild/pkg/protocol"
	"github.com/rinsane/distbuild/pkg/types"
)

// DefaultHeartbeatInterval matches the spec's H = 10s default.
const DefaultHeartbeatInterval = 10 * time.Second

// SchedulerClient is the subset of the scheduler RPC surface a worker
// needs. Implemented by pkg/api's HTTP client so the worker core stays
// unit-testable without a live scheduler.
type SchedulerClient interface {
	RegisterWorker(ctx context.Context, req *protocol.RegisterWorkerRequest) (*protocol.RegisterWorkerResponse, error)
	Heartbeat(ctx context.Context, req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error)
	ReportJobResult(ctx context.Context, req *protocol.ReportJobResultRequest) (*protocol.ReportJobResultResponse, error)
}

// TransformFunc is a per-job_type transformation handler: given the input
// bytes and metadata, it returns the output bytes or an error. The
// reference implementation (registered under "identity" by
// cmd/distbuild) just returns the input unchanged; real handlers delegate
// to an external collaborator (e.g. a compiler).
type TransformFunc func(input []byte, metadata map[string]string) ([]byte, error)

// Config configures a Worker.
type Config struct {
	WorkerID          string
	Address           string // this worker's own host:port, given to the scheduler
	Capacity          int
	Labels            map[string]string
	HeartbeatInterval time.Duration
	MaxWorkers        uint // ygrebnov/workers pool size; 0 means Capacity
}

// Worker executes jobs dispatched by the scheduler.
type Worker struct {
	cfg       Config
	scheduler SchedulerClient
	store     *cas.Store
	broker    *events.Broker

	handlersMu sync.RWMutex
	handlers   map[string]TransformFunc

	pool wpool.Workers[*types.JobResult]

	mu         sync.Mutex
	activeJobs int

	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Worker. store is the CAS shared with the scheduler's
// client-facing shim; transformation handlers are added per job_type with
// RegisterHandler.
func New(cfg Config, scheduler SchedulerClient, store *cas.Store, broker *events.Broker) *Worker {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers == 0 {
		maxWorkers = uint(cfg.Capacity)
	}

	pool := wpool.New[*types.JobResult](context.Background(), &wpool.Config{
		MaxWorkers:        maxWorkers,
		StartImmediately:  true,
		TasksBufferSize:   uint(cfg.Capacity) * 2,
		ResultsBufferSize: uint(cfg.Capacity) * 2,
		ErrorsBufferSize:  uint(cfg.Capacity) * 2,
	})

	return &Worker{
		cfg:       cfg,
		scheduler: scheduler,
		store:     store,
		broker:    broker,
		handlers:  make(map[string]TransformFunc),
		pool:      pool,
		logger:    log.WithWorkerID(cfg.WorkerID),
		stopCh:    make(chan struct{}),
	}
}

// RegisterHandler associates jobType with a transformation handler.
func (w *Worker) RegisterHandler(jobType string, fn TransformFunc) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers[jobType] = fn
}

// Start registers with the scheduler and begins the heartbeat loop, plus a
// goroutine draining the slot pool's result channel (which reports results
// back to the scheduler).
func (w *Worker) Start(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.heartbeatLoop()
	go w.resultLoop()
	return nil
}

// register performs (or repeats) worker registration with the scheduler.
// Called from Start and again from sendHeartbeat after eviction, since a
// heartbeat against an unknown worker_id means the scheduler forgot this
// worker and it must re-register to receive jobs again (spec §4.2a).
func (w *Worker) register(ctx context.Context) error {
	resp, err := w.scheduler.RegisterWorker(ctx, &protocol.RegisterWorkerRequest{
		WorkerID: w.cfg.WorkerID,
		Address:  w.cfg.Address,
		Capacity: w.cfg.Capacity,
		Labels:   w.cfg.Labels,
	})
	if err != nil {
		return distbuilderr.Transportf(err, "registering worker %s", w.cfg.WorkerID)
	}
	if !resp.Success {
		return distbuilderr.InvalidStatef("scheduler rejected registration: %s", resp.Message)
	}
	w.logger.Info().Str("address", w.cfg.Address).Msg("registered with scheduler")
	return nil
}

// Stop terminates the background loops. In-flight jobs are allowed to
// finish; ExecuteJob no longer admits new work after Stop is called.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sendHeartbeat()
		}
	}
}

func (w *Worker) sendHeartbeat() {
	w.mu.Lock()
	active := w.activeJobs
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := w.scheduler.Heartbeat(ctx, &protocol.HeartbeatRequest{
		WorkerID:   w.cfg.WorkerID,
		ActiveJobs: active,
	})
	if err == nil {
		return
	}

	if distbuilderr.IsNotFound(err) {
		w.logger.Warn().Err(err).Msg("heartbeat from unknown worker, re-registering")
		if rerr := w.register(ctx); rerr != nil {
			w.logger.Error().Err(rerr).Msg("re-registration failed, will retry next heartbeat")
		}
		return
	}

	w.logger.Warn().Err(err).Msg("heartbeat failed, will retry next tick")
}

// resultLoop drains the slot pool's results channel and reports each
// completed job back to the scheduler via ReportJobResult.
func (w *Worker) resultLoop() {
	defer w.wg.Done()
	results := w.pool.GetResults()
	for {
		select {
		case <-w.stopCh:
			return
		case result, ok := <-results:
			if !ok {
				return
			}
			w.reportResult(result)
		}
	}
}

func (w *Worker) reportResult(result *types.JobResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := w.scheduler.ReportJobResult(ctx, &protocol.ReportJobResultRequest{
		JobID:      result.JobID,
		WorkerID:   w.cfg.WorkerID,
		Success:    result.Success,
		OutputHash: result.OutputHash,
		Error:      result.Error,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", result.JobID).Msg("failed to report job result")
	}

	w.mu.Lock()
	if w.activeJobs > 0 {
		w.activeJobs--
	}
	w.mu.Unlock()
	metrics.WorkerActiveJobs.Dec()
}

// ExecuteJob admits job onto the slot pool. It returns quickly: Accepted
// means the job was queued, not that it finished (spec §4.2b).
func (w *Worker) ExecuteJob(job *types.Job) (*protocol.ExecuteJobResponse, error) {
	select {
	case <-w.stopCh:
		return &protocol.ExecuteJobResponse{Accepted: false, Error: "worker is stopping"}, nil
	default:
	}

	w.mu.Lock()
	w.activeJobs++
	w.mu.Unlock()
	metrics.WorkerActiveJobs.Inc()

	task := func(ctx context.Context) (*types.JobResult, error) {
		return w.run(job), nil
	}

	if err := w.pool.AddTask(task); err != nil {
		w.mu.Lock()
		if w.activeJobs > 0 {
			w.activeJobs--
		}
		w.mu.Unlock()
		metrics.WorkerActiveJobs.Dec()
		return &protocol.ExecuteJobResponse{Accepted: false, Error: err.Error()}, nil
	}

	return &protocol.ExecuteJobResponse{Accepted: true}, nil
}

// run performs the actual transformation: fetch input from the CAS, invoke
// the job_type's handler, store the output, and build a JobResult.
func (w *Worker) run(job *types.Job) *types.JobResult {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.JobExecutionDuration)

	result := &types.JobResult{JobID: job.ID}

	input, err := w.store.Get(job.InputHash)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		return result
	}

	handler := w.handlerFor(job.JobType)
	output, err := handler(input, job.Metadata)
	if err != nil {
		wrapped := distbuilderr.ExecutionFailuref(err, "job %s (%s)", job.ID, job.JobType)
		result.Success = false
		result.Error = wrapped.Error()
		return result
	}

	outputHash, err := w.store.Put(output)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		return result
	}

	result.Success = true
	result.OutputHash = outputHash
	return result
}

func (w *Worker) handlerFor(jobType string) TransformFunc {
	w.handlersMu.RLock()
	defer w.handlersMu.RUnlock()
	if fn, ok := w.handlers[jobType]; ok {
		return fn
	}
	return IdentityTransform
}

// IdentityTransform is the reference transformation from spec §4.3: output
// bytes equal input bytes. Used when no handler is registered for a
// job_type, and registered as "identity" by cmd/distbuild.
func IdentityTransform(input []byte, _ map[string]string) ([]byte, error) {
	return input, nil
}

// GetStatus reports the worker's current load, independent of the
// heartbeat path (served by pkg/api at GET /v1/status).
func (w *Worker) GetStatus() *protocol.GetStatusResponse {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &protocol.GetStatusResponse{
		ActiveJobs: w.activeJobs,
		Capacity:   w.cfg.Capacity,
	}
}
