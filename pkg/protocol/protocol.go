// Package protocol defines the JSON request/response shapes exchanged
// between the client, the scheduler, and workers. The message fields mirror
// api/distbuild.proto one-for-one; see DESIGN.md for why this wire is
// JSON-over-HTTP rather than generated gRPC/protobuf.
package protocol

import "github.com/rinsane/distbuild/pkg/types"

// RegisterWorkerRequest is sent by a worker to join the pool. WorkerID is
// caller-supplied (not generated by the scheduler); registering an
// existing worker_id overwrites that worker's record with active_jobs=0.
type RegisterWorkerRequest struct {
	WorkerID string            `json:"worker_id"`
	Address  string            `json:"address"`
	Capacity int               `json:"capacity"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// RegisterWorkerResponse acknowledges registration.
type RegisterWorkerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HeartbeatRequest reports a worker's liveness and current load.
type HeartbeatRequest struct {
	WorkerID   string `json:"worker_id"`
	ActiveJobs int    `json:"active_jobs"`
}

// HeartbeatResponse acknowledges a heartbeat. JobsToExecute is always
// empty: dispatch is push-only.
type HeartbeatResponse struct {
	OK            bool         `json:"ok"`
	JobsToExecute []*types.Job `json:"jobs_to_execute"`
}

// SubmitJobRequest submits a new job for scheduling. JobID is optional; if
// empty the scheduler generates one.
type SubmitJobRequest struct {
	JobID     string            `json:"job_id,omitempty"`
	InputHash string            `json:"input_hash"`
	JobType   string            `json:"job_type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SubmitJobResponse returns the job as accepted (status PENDING).
type SubmitJobResponse struct {
	Job *types.Job `json:"job"`
}

// GetJobStatusRequest looks up a single job by ID.
type GetJobStatusRequest struct {
	JobID string `json:"job_id"`
}

// GetJobStatusResponse returns the current job record.
type GetJobStatusResponse struct {
	Job *types.Job `json:"job"`
}

// ListJobsRequest lists jobs, optionally filtered by status and truncated
// to Limit entries (0 means unlimited).
type ListJobsRequest struct {
	StatusFilter string `json:"status_filter,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// ListJobsResponse is the set of jobs matching the request.
type ListJobsResponse struct {
	Jobs []*types.Job `json:"jobs"`
}

// ListWorkersRequest has no parameters.
type ListWorkersRequest struct{}

// ListWorkersResponse is the set of currently registered workers.
type ListWorkersResponse struct {
	Workers []*types.Worker `json:"workers"`
}

// ReportJobResultRequest is sent by a worker back to the scheduler once a
// job reaches a terminal state.
type ReportJobResultRequest struct {
	JobID      string `json:"job_id"`
	WorkerID   string `json:"worker_id"`
	Success    bool   `json:"success"`
	OutputHash string `json:"output_hash,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ReportJobResultResponse acknowledges a result report.
type ReportJobResultResponse struct {
	OK bool `json:"ok"`
}

// ExecuteJobRequest is the scheduler's dispatch to a worker.
type ExecuteJobRequest struct {
	Job *types.Job `json:"job"`
}

// ExecuteJobResponse tells the scheduler whether the worker accepted the
// job onto its local queue. Accepted does not mean completed.
type ExecuteJobResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// GetStatusRequest has no parameters.
type GetStatusRequest struct{}

// GetStatusResponse is a worker's self-reported load, served at
// GET /v1/status and used by tests, independent of the heartbeat path.
type GetStatusResponse struct {
	ActiveJobs int `json:"active_jobs"`
	Capacity   int `json:"capacity"`
}
