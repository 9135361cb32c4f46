// Package scheduler implements the job registry, worker pool, and
// assignment loop: PENDING jobs are matched to available workers on a
// fixed tick, and dispatch RPCs to workers happen outside the lock so a
// slow worker never stalls the next assignment pass (spec §4.2).
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rinsane/distbuild/pkg/distbuilderr"
	"github.com/rinsane/distbuild/pkg/events"
	"github.com/rinsane/distbuild/pkg/log"
	"github.com/rinsane/distbuild/pkg/metrics"
	"github.com/rinsane/distbuild/pkg/protocol"
	"github.com/rinsane/distbuild/pkg/types"
)

// DefaultTickInterval is how often the assignment pass runs.
const DefaultTickInterval = 2 * time.Second

// DefaultDeadAfter is the liveness window (spec's T_dead): a worker that
// hasn't heartbeat in this long is evicted and its in-flight jobs failed.
const DefaultDeadAfter = 10 * time.Second

// Dispatcher sends ExecuteJob to a worker. Implemented by pkg/api's HTTP
// client so the scheduler core stays transport-agnostic and unit-testable
// without a live server.
type Dispatcher interface {
	ExecuteJob(ctx context.Context, addr string, job *types.Job) (*protocol.ExecuteJobResponse, error)
}

// Scheduler holds the authoritative in-memory state of jobs and workers.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*types.Job
	workers map[string]*types.Worker

	dispatcher   Dispatcher
	broker       *events.Broker
	tickInterval time.Duration
	deadAfter    time.Duration

	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithTickInterval overrides DefaultTickInterval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithDeadAfter overrides DefaultDeadAfter.
func WithDeadAfter(d time.Duration) Option {
	return func(s *Scheduler) { s.deadAfter = d }
}

// WithBroker attaches an events.Broker that job/worker transitions are
// published to.
func WithBroker(b *events.Broker) Option {
	return func(s *Scheduler) { s.broker = b }
}

// New creates a Scheduler. dispatcher is used for the RPC-outside-lock
// dispatch step of the assignment pass.
func New(dispatcher Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:         make(map[string]*types.Job),
		workers:      make(map[string]*types.Worker),
		dispatcher:   dispatcher,
		tickInterval: DefaultTickInterval,
		deadAfter:    DefaultDeadAfter,
		logger:       log.WithComponent("scheduler"),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the assignment loop in the background until Stop is called.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop terminates the assignment loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// assignment pairs a job with the worker it was just assigned to, cloned
// for handoff to dispatch outside the lock.
type assignment struct {
	job    *types.Job
	worker *types.Worker
}

// tick runs one assignment pass on the fixed timer: evict dead workers,
// fail their in-flight jobs, then assign pending jobs to available
// workers. Periodic triggering is additive (spec §4.2b); SubmitJob also
// triggers a pass synchronously so a submission isn't stuck waiting for
// the next tick.
func (s *Scheduler) tick() {
	s.evictDeadWorkers()
	s.runAssignmentPass()
}

func (s *Scheduler) evictDeadWorkers() {
	s.mu.Lock()
	s.evictDeadWorkersLocked()
	s.mu.Unlock()
}

// runAssignmentPass evicts dead workers and matches pending jobs to
// available workers under the lock, then dispatches each pairing outside
// the lock on its own goroutine (spec §4.2b).
func (s *Scheduler) runAssignmentPass() {
	var toDispatch []assignment

	s.mu.Lock()
	s.evictDeadWorkersLocked()
	pending := s.pendingJobsLocked()
	available := s.availableWorkersLocked()

	i := 0
	for _, job := range pending {
		if i >= len(available) {
			break
		}
		w := available[i]
		if w.AvailableSlots() <= 0 {
			i++
			continue
		}
		job.Status = types.JobAssigned
		job.AssignedWorker = w.ID
		w.ActiveJobs++
		toDispatch = append(toDispatch, assignment{job: job.Clone(), worker: w.Clone()})
		i++
	}
	s.mu.Unlock()

	for _, a := range toDispatch {
		s.publish(&events.Event{Type: events.EventJobAssigned, JobID: a.job.ID, WorkerID: a.worker.ID})
		go s.dispatch(a.job, a.worker)
	}
}

// evictDeadWorkersLocked removes workers that have missed their heartbeat
// window and fails any job still assigned to them. Caller holds s.mu.
func (s *Scheduler) evictDeadWorkersLocked() {
	now := time.Now()
	for id, w := range s.workers {
		if w.Live(now, s.deadAfter) {
			continue
		}
		delete(s.workers, id)
		metrics.WorkersEvicted.Inc()
		metrics.WorkersTotal.Set(float64(len(s.workers)))
		s.logger.Warn().Str("worker_id", id).Msg("evicting worker: missed heartbeat")

		for _, job := range s.jobs {
			if job.AssignedWorker == id && !job.Status.Terminal() {
				job.Status = types.JobFailed
				job.Error = "worker lost"
				job.CompletedAt = now.Unix()
				metrics.JobsCompleted.WithLabelValues("failure").Inc()
				s.publish(&events.Event{Type: events.EventJobFailed, JobID: job.ID, WorkerID: id})
			}
		}
		s.publish(&events.Event{Type: events.EventWorkerEvicted, WorkerID: id})
	}
}

// pendingJobsLocked returns jobs in PENDING status, oldest first. Caller
// holds s.mu (for reading or writing).
func (s *Scheduler) pendingJobsLocked() []*types.Job {
	var pending []*types.Job
	for _, job := range s.jobs {
		if job.Status == types.JobPending {
			pending = append(pending, job)
		}
	}
	sortJobsBySubmission(pending)
	return pending
}

// availableWorkersLocked returns workers with free capacity, least-loaded
// first, mirroring the round-robin node selection a scheduling pass uses to
// spread load evenly.
func (s *Scheduler) availableWorkersLocked() []*types.Worker {
	var available []*types.Worker
	for _, w := range s.workers {
		if w.AvailableSlots() > 0 {
			available = append(available, w)
		}
	}
	sortWorkersByLoad(available)
	return available
}

// dispatch is the per-assignment dispatch handler (spec §4.2b): it first
// transitions the job to RUNNING under the lock, then issues the ExecuteJob
// RPC outside the lock. On RPC failure the job moves to FAILED and the
// worker's active_jobs is decremented (saturating); the worker itself is
// left in the registry.
func (s *Scheduler) dispatch(job *types.Job, worker *types.Worker) {
	s.mu.Lock()
	if j, ok := s.jobs[job.ID]; ok && j.Status == types.JobAssigned {
		j.Status = types.JobRunning
	}
	s.mu.Unlock()
	s.publish(&events.Event{Type: events.EventJobRunning, JobID: job.ID, WorkerID: worker.ID})

	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := s.dispatcher.ExecuteJob(ctx, worker.Address, job)
	if err != nil || resp == nil || !resp.Accepted {
		s.logger.Error().Err(err).Str("job_id", job.ID).Str("worker_id", worker.ID).
			Msg("dispatch failed, failing job")
		metrics.JobsDispatchFailed.Inc()

		s.mu.Lock()
		if j, ok := s.jobs[job.ID]; ok && !j.Status.Terminal() {
			j.Status = types.JobFailed
			j.Error = "dispatch failed"
			j.CompletedAt = time.Now().Unix()
		}
		if w, ok := s.workers[worker.ID]; ok && w.ActiveJobs > 0 {
			w.ActiveJobs--
		}
		s.mu.Unlock()

		metrics.JobsCompleted.WithLabelValues("failure").Inc()
		s.publish(&events.Event{Type: events.EventJobFailed, JobID: job.ID, WorkerID: worker.ID})
		return
	}

	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.JobsScheduled.Inc()
	s.logger.Info().Str("job_id", job.ID).Str("worker_id", worker.ID).Msg("job dispatched")
}

func (s *Scheduler) publish(ev *events.Event) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(ev)
}

// RegisterWorker inserts or overwrites a worker record with active_jobs=0.
// worker_id is caller-supplied; this call never fails unless the request is
// malformed (spec §4.2a).
func (s *Scheduler) RegisterWorker(req *protocol.RegisterWorkerRequest) (*protocol.RegisterWorkerResponse, error) {
	if req.WorkerID == "" {
		return nil, distbuilderr.InvalidStatef("worker_id is required")
	}
	if req.Address == "" {
		return nil, distbuilderr.InvalidStatef("worker address is required")
	}
	if req.Capacity <= 0 {
		return nil, distbuilderr.InvalidStatef("worker capacity must be positive")
	}

	w := &types.Worker{
		ID:            req.WorkerID,
		Address:       req.Address,
		Capacity:      req.Capacity,
		LastHeartbeat: time.Now().Unix(),
		Labels:        req.Labels,
	}

	s.mu.Lock()
	s.workers[w.ID] = w
	count := len(s.workers)
	s.mu.Unlock()

	metrics.WorkersTotal.Set(float64(count))
	s.publish(&events.Event{Type: events.EventWorkerRegistered, WorkerID: w.ID})
	s.logger.Info().Str("worker_id", w.ID).Str("address", w.Address).Msg("worker registered")

	return &protocol.RegisterWorkerResponse{Success: true}, nil
}

// Heartbeat refreshes a worker's liveness timestamp and reported load.
func (s *Scheduler) Heartbeat(req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[req.WorkerID]
	if !ok {
		return nil, distbuilderr.NotFoundf("heartbeat from unknown worker %s", req.WorkerID)
	}
	w.LastHeartbeat = time.Now().Unix()
	w.ActiveJobs = req.ActiveJobs
	return &protocol.HeartbeatResponse{OK: true}, nil
}

// SubmitJob enqueues a new job in PENDING status. If req.JobID is empty one
// is generated; resubmitting an existing job_id overwrites it (spec Open
// Question: resubmission semantics).
func (s *Scheduler) SubmitJob(req *protocol.SubmitJobRequest) (*protocol.SubmitJobResponse, error) {
	if req.InputHash == "" {
		return nil, distbuilderr.InvalidStatef("input_hash is required")
	}
	if req.JobType == "" {
		return nil, distbuilderr.InvalidStatef("job_type is required")
	}

	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	}

	job := &types.Job{
		ID:          id,
		InputHash:   req.InputHash,
		JobType:     req.JobType,
		Metadata:    req.Metadata,
		Status:      types.JobPending,
		SubmittedAt: time.Now().Unix(),
	}

	s.mu.Lock()
	s.jobs[id] = job
	accepted := job.Clone()
	s.mu.Unlock()

	s.publish(&events.Event{Type: events.EventJobSubmitted, JobID: id})
	s.logger.Info().Str("job_id", id).Str("job_type", req.JobType).Msg("job submitted")

	// Submission triggers an assignment pass synchronously (spec §4.2b);
	// the periodic tick is an additive backstop, not the only trigger.
	s.runAssignmentPass()

	return &protocol.SubmitJobResponse{Job: accepted}, nil
}

// GetJobStatus returns the current record for a job.
func (s *Scheduler) GetJobStatus(req *protocol.GetJobStatusRequest) (*protocol.GetJobStatusResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[req.JobID]
	if !ok {
		return nil, distbuilderr.NotFoundf("job %s not found", req.JobID)
	}
	return &protocol.GetJobStatusResponse{Job: job.Clone()}, nil
}

// ListJobs returns a snapshot sorted by submitted_at descending, optionally
// filtered by status string and truncated to req.Limit entries (0 means
// unlimited, per spec §4.2a).
func (s *Scheduler) ListJobs(req *protocol.ListJobsRequest) (*protocol.ListJobsResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*types.Job
	for _, job := range s.jobs {
		if req.StatusFilter != "" && job.Status.String() != req.StatusFilter {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	sortJobsBySubmissionDescending(jobs)
	if req.Limit > 0 && len(jobs) > req.Limit {
		jobs = jobs[:req.Limit]
	}
	return &protocol.ListJobsResponse{Jobs: jobs}, nil
}

// ListWorkers evicts stale workers, then returns a snapshot of the
// registry (spec §4.2a: "on this call the scheduler also evicts stale
// workers").
func (s *Scheduler) ListWorkers(req *protocol.ListWorkersRequest) (*protocol.ListWorkersResponse, error) {
	s.mu.Lock()
	s.evictDeadWorkersLocked()

	var workers []*types.Worker
	for _, w := range s.workers {
		workers = append(workers, w.Clone())
	}
	s.mu.Unlock()

	return &protocol.ListWorkersResponse{Workers: workers}, nil
}

// ReportJobResult records a job's terminal outcome as reported by the
// worker that ran it. Idempotent: reporting the same terminal state twice
// is a no-op success (spec I3).
func (s *Scheduler) ReportJobResult(req *protocol.ReportJobResultRequest) (*protocol.ReportJobResultResponse, error) {
	s.mu.Lock()

	job, ok := s.jobs[req.JobID]
	if !ok {
		s.mu.Unlock()
		return nil, distbuilderr.NotFoundf("job %s not found", req.JobID)
	}

	if job.Status.Terminal() {
		s.mu.Unlock()
		return &protocol.ReportJobResultResponse{OK: true}, nil
	}

	now := time.Now()
	if req.Success {
		job.Status = types.JobCompleted
		job.OutputHash = req.OutputHash
	} else {
		job.Status = types.JobFailed
		job.Error = req.Error
	}
	job.CompletedAt = now.Unix()

	if w, ok := s.workers[req.WorkerID]; ok && w.ActiveJobs > 0 {
		w.ActiveJobs--
	}
	s.mu.Unlock()

	outcome := "success"
	evType := events.EventJobCompleted
	if !req.Success {
		outcome = "failure"
		evType = events.EventJobFailed
	}
	metrics.JobsCompleted.WithLabelValues(outcome).Inc()
	s.publish(&events.Event{Type: evType, JobID: req.JobID, WorkerID: req.WorkerID})
	s.logger.Info().Str("job_id", req.JobID).Bool("success", req.Success).Msg("job result reported")

	return &protocol.ReportJobResultResponse{OK: true}, nil
}

// HTTPStatusFor exposes distbuilderr.HTTPStatus for pkg/api handlers that
// don't want to import distbuilderr directly in their routing code.
func HTTPStatusFor(err error) int { return distbuilderr.HTTPStatus(err) }
