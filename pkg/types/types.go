// Package types holds the data model shared by the scheduler, the worker,
// and the client: jobs, workers, and the status values that travel on the
// wire between them.
package types

import "time"

// JobStatus is the lifecycle state of a Job. The integer values are part of
// the wire contract (see pkg/protocol) and must never be renumbered.
type JobStatus int32

const (
	JobPending JobStatus = iota
	JobAssigned
	JobRunning
	JobCompleted
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobAssigned:
		return "ASSIGNED"
	case JobRunning:
		return "RUNNING"
	case JobCompleted:
		return "COMPLETED"
	case JobFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is one of the DAG's terminal states (I3).
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a single unit of work: one input blob transformed into one output
// blob by a worker. See spec §3 for the full invariant set (I1-I3).
type Job struct {
	ID             string            `json:"job_id"`
	InputHash      string            `json:"input_hash"`
	OutputHash     string            `json:"output_hash,omitempty"`
	JobType        string            `json:"job_type"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         JobStatus         `json:"status"`
	AssignedWorker string            `json:"assigned_worker,omitempty"`
	SubmittedAt    int64             `json:"submitted_at"`
	CompletedAt    int64             `json:"completed_at,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// scheduler's lock (maps are copied, the struct itself is copied by value).
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Metadata != nil {
		cp.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Worker is a registered execution node: its address, capacity, current
// load, and the labels it was registered with.
type Worker struct {
	ID            string            `json:"worker_id"`
	Address       string            `json:"address"`
	Capacity      int               `json:"capacity"`
	ActiveJobs    int               `json:"active_jobs"`
	LastHeartbeat int64             `json:"last_heartbeat"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// Clone returns a copy of the worker record safe to return from behind a
// lock.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	cp := *w
	if w.Labels != nil {
		cp.Labels = make(map[string]string, len(w.Labels))
		for k, v := range w.Labels {
			cp.Labels[k] = v
		}
	}
	return &cp
}

// Live reports whether the worker has heartbeat within the liveness window
// as of "now".
func (w *Worker) Live(now time.Time, deadAfter time.Duration) bool {
	return now.Sub(time.Unix(w.LastHeartbeat, 0)) < deadAfter
}

// AvailableSlots returns the number of additional jobs the worker can accept
// given its current load, never negative.
func (w *Worker) AvailableSlots() int {
	if n := w.Capacity - w.ActiveJobs; n > 0 {
		return n
	}
	return 0
}

// JobResult is what a worker's transformation handler produces: either an
// output digest, or a failure description. stdout/stderr are retained only
// for observability (spec §4.3) and never drive scheduler state.
type JobResult struct {
	JobID      string
	Success    bool
	OutputHash string
	Error      string
	Stdout     string
	Stderr     string
}
