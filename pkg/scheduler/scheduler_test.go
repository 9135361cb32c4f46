package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rinsane/distbuild/pkg/distbuilderr"
	"github.com/rinsane/distbuild/pkg/events"
	"github.com/rinsane/distbuild/pkg/protocol"
	"github.com/rinsane/distbuild/pkg/types"
)

// fakeDispatcher records ExecuteJob calls and returns a scripted response.
type fakeDispatcher struct {
	mu       sync.Mutex
	accept   bool
	err      error
	dispatch []string // job IDs dispatched, in order
}

func (f *fakeDispatcher) ExecuteJob(_ context.Context, _ string, job *types.Job) (*protocol.ExecuteJobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatch = append(f.dispatch, job.ID)
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.ExecuteJobResponse{Accepted: f.accept}, nil
}

func newTestScheduler(d Dispatcher) *Scheduler {
	return New(d, WithTickInterval(10*time.Millisecond), WithDeadAfter(DefaultDeadAfter))
}

const validHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// S2 — Worker registration and listing.
func TestRegisterWorker_ThenListWorkers(t *testing.T) {
	s := newTestScheduler(&fakeDispatcher{accept: true})

	resp, err := s.RegisterWorker(&protocol.RegisterWorkerRequest{
		WorkerID: "w1",
		Address:  "127.0.0.1:16001",
		Capacity: 4,
		Labels:   map[string]string{},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	list, err := s.ListWorkers(&protocol.ListWorkersRequest{})
	require.NoError(t, err)
	require.Len(t, list.Workers, 1)
	assert.Equal(t, "w1", list.Workers[0].ID)
	assert.Equal(t, 4, list.Workers[0].Capacity)
	assert.Equal(t, 0, list.Workers[0].ActiveJobs)
}

// S3 — Submit with no workers.
func TestSubmitJob_NoWorkersStaysPending(t *testing.T) {
	s := newTestScheduler(&fakeDispatcher{accept: true})

	resp, err := s.SubmitJob(&protocol.SubmitJobRequest{
		JobID:     "j1",
		InputHash: validHash,
		JobType:   "t",
		Metadata:  map[string]string{},
	})
	require.NoError(t, err)
	assert.True(t, resp.Job != nil)

	status, err := s.GetJobStatus(&protocol.GetJobStatusRequest{JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, status.Job.Status)

	list, err := s.ListJobs(&protocol.ListJobsRequest{Limit: 10})
	require.NoError(t, err)
	found := false
	for _, j := range list.Jobs {
		if j.ID == "j1" {
			found = true
		}
	}
	assert.True(t, found)
}

// S4 — Assignment on worker present.
func TestAssignmentPass_AssignsJobToWorker(t *testing.T) {
	disp := &fakeDispatcher{accept: true}
	s := newTestScheduler(disp)
	s.Start()
	defer s.Stop()

	_, err := s.RegisterWorker(&protocol.RegisterWorkerRequest{
		WorkerID: "w1", Address: "127.0.0.1:16001", Capacity: 4,
	})
	require.NoError(t, err)

	_, err = s.SubmitJob(&protocol.SubmitJobRequest{JobID: "j2", InputHash: validHash, JobType: "t"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := s.GetJobStatus(&protocol.GetJobStatusRequest{JobID: "j2"})
		if err != nil {
			return false
		}
		return status.Job.Status == types.JobAssigned || status.Job.Status == types.JobRunning
	}, time.Second, 5*time.Millisecond)

	status, err := s.GetJobStatus(&protocol.GetJobStatusRequest{JobID: "j2"})
	require.NoError(t, err)
	assert.Equal(t, "w1", status.Job.AssignedWorker)
}

// S5 — Result reporting.
func TestReportJobResult_TransitionsToCompleted(t *testing.T) {
	disp := &fakeDispatcher{accept: true}
	s := newTestScheduler(disp)
	s.Start()
	defer s.Stop()

	_, err := s.RegisterWorker(&protocol.RegisterWorkerRequest{WorkerID: "w1", Address: "a", Capacity: 4})
	require.NoError(t, err)
	_, err = s.SubmitJob(&protocol.SubmitJobRequest{JobID: "j2", InputHash: validHash, JobType: "t"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _ := s.GetJobStatus(&protocol.GetJobStatusRequest{JobID: "j2"})
		return status != nil && status.Job.Status.Terminal() == false && status.Job.AssignedWorker == "w1"
	}, time.Second, 5*time.Millisecond)

	resp, err := s.ReportJobResult(&protocol.ReportJobResultRequest{
		JobID: "j2", WorkerID: "w1", Success: true, OutputHash: "aa..aa",
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	status, err := s.GetJobStatus(&protocol.GetJobStatusRequest{JobID: "j2"})
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, status.Job.Status)
	assert.Equal(t, "aa..aa", status.Job.OutputHash)

	workers, err := s.ListWorkers(&protocol.ListWorkersRequest{})
	require.NoError(t, err)
	require.Len(t, workers.Workers, 1)
	assert.Equal(t, 0, workers.Workers[0].ActiveJobs)
}

// P6: duplicate ReportJobResult calls are idempotent.
func TestReportJobResult_DuplicateIsIdempotent(t *testing.T) {
	disp := &fakeDispatcher{accept: true}
	s := newTestScheduler(disp)

	_, err := s.RegisterWorker(&protocol.RegisterWorkerRequest{WorkerID: "w1", Address: "a", Capacity: 4})
	require.NoError(t, err)
	_, err = s.SubmitJob(&protocol.SubmitJobRequest{JobID: "j1", InputHash: validHash, JobType: "t"})
	require.NoError(t, err)

	s.mu.Lock()
	s.jobs["j1"].Status = types.JobRunning
	s.jobs["j1"].AssignedWorker = "w1"
	s.workers["w1"].ActiveJobs = 1
	s.mu.Unlock()

	_, err = s.ReportJobResult(&protocol.ReportJobResultRequest{JobID: "j1", WorkerID: "w1", Success: true, OutputHash: "x"})
	require.NoError(t, err)

	resp, err := s.ReportJobResult(&protocol.ReportJobResultRequest{JobID: "j1", WorkerID: "w1", Success: false, Error: "ignored"})
	require.NoError(t, err)
	assert.True(t, resp.OK)

	status, err := s.GetJobStatus(&protocol.GetJobStatusRequest{JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, status.Job.Status)
	assert.Equal(t, "x", status.Job.OutputHash)

	workers, err := s.ListWorkers(&protocol.ListWorkersRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, workers.Workers[0].ActiveJobs)
}

// S6 — Liveness eviction.
func TestListWorkers_EvictsDeadWorkers(t *testing.T) {
	s := newTestScheduler(&fakeDispatcher{accept: true})

	_, err := s.RegisterWorker(&protocol.RegisterWorkerRequest{WorkerID: "w2", Address: "a", Capacity: 4})
	require.NoError(t, err)

	s.mu.Lock()
	s.workers["w2"].LastHeartbeat = time.Now().Add(-11 * time.Second).Unix()
	s.mu.Unlock()

	list, err := s.ListWorkers(&protocol.ListWorkersRequest{})
	require.NoError(t, err)
	for _, w := range list.Workers {
		assert.NotEqual(t, "w2", w.ID)
	}
}

// P7: ListJobs limit semantics and descending order.
func TestListJobs_LimitAndOrder(t *testing.T) {
	s := newTestScheduler(&fakeDispatcher{accept: true})

	base := time.Now().Unix()
	s.mu.Lock()
	for i, id := range []string{"a", "b", "c"} {
		s.jobs[id] = &types.Job{ID: id, Status: types.JobPending, SubmittedAt: base + int64(i)}
	}
	s.mu.Unlock()

	all, err := s.ListJobs(&protocol.ListJobsRequest{Limit: 0})
	require.NoError(t, err)
	require.Len(t, all.Jobs, 3)
	assert.Equal(t, "c", all.Jobs[0].ID)
	assert.Equal(t, "a", all.Jobs[2].ID)

	limited, err := s.ListJobs(&protocol.ListJobsRequest{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited.Jobs, 2)
	assert.Equal(t, "c", limited.Jobs[0].ID)
}

func TestGetJobStatus_UnknownJobFails(t *testing.T) {
	s := newTestScheduler(&fakeDispatcher{accept: true})

	_, err := s.GetJobStatus(&protocol.GetJobStatusRequest{JobID: "nope"})
	assert.Error(t, err)
}

// SubmitJob must trigger an assignment pass synchronously rather than
// relying solely on the periodic tick (spec §4.2b); a long tick interval
// with an available worker should still see the job assigned promptly.
func TestSubmitJob_TriggersAssignmentSynchronously(t *testing.T) {
	disp := &fakeDispatcher{accept: true}
	s := New(disp, WithTickInterval(time.Hour), WithDeadAfter(time.Minute))

	_, err := s.RegisterWorker(&protocol.RegisterWorkerRequest{WorkerID: "w1", Address: "a", Capacity: 4})
	require.NoError(t, err)

	_, err = s.SubmitJob(&protocol.SubmitJobRequest{JobID: "j1", InputHash: validHash, JobType: "t"})
	require.NoError(t, err)

	status, err := s.GetJobStatus(&protocol.GetJobStatusRequest{JobID: "j1"})
	require.NoError(t, err)
	assert.NotEqual(t, types.JobPending, status.Job.Status)
	assert.Equal(t, "w1", status.Job.AssignedWorker)
}

// The assignment pass must publish EventJobAssigned on the PENDING->ASSIGNED
// transition so distbuild job watch doesn't silently skip it.
func TestAssignmentPass_PublishesJobAssignedEvent(t *testing.T) {
	disp := &fakeDispatcher{accept: true}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	s := New(disp, WithTickInterval(time.Hour), WithDeadAfter(time.Minute), WithBroker(broker))
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	_, err := s.RegisterWorker(&protocol.RegisterWorkerRequest{WorkerID: "w1", Address: "a", Capacity: 4})
	require.NoError(t, err)
	_, err = s.SubmitJob(&protocol.SubmitJobRequest{JobID: "j1", InputHash: validHash, JobType: "t"})
	require.NoError(t, err)

	var sawAssigned bool
	for i := 0; i < 10 && !sawAssigned; i++ {
		select {
		case ev := <-sub:
			if ev.Type == events.EventJobAssigned && ev.JobID == "j1" && ev.WorkerID == "w1" {
				sawAssigned = true
			}
		case <-time.After(200 * time.Millisecond):
		}
	}
	assert.True(t, sawAssigned, "expected an EventJobAssigned event for j1/w1")
}

// Heartbeat from an unregistered worker_id must surface as NotFound, not
// InvalidState, so the worker knows to re-register (spec §4.2a/§7).
func TestHeartbeat_UnknownWorkerIsNotFound(t *testing.T) {
	s := newTestScheduler(&fakeDispatcher{accept: true})

	_, err := s.Heartbeat(&protocol.HeartbeatRequest{WorkerID: "ghost", ActiveJobs: 0})
	require.Error(t, err)
	assert.True(t, distbuilderr.IsNotFound(err))
}

// Dispatch failure moves a job to FAILED rather than leaving it ASSIGNED.
func TestDispatchFailure_FailsJob(t *testing.T) {
	disp := &fakeDispatcher{accept: false}
	s := newTestScheduler(disp)
	s.Start()
	defer s.Stop()

	_, err := s.RegisterWorker(&protocol.RegisterWorkerRequest{WorkerID: "w1", Address: "a", Capacity: 4})
	require.NoError(t, err)
	_, err = s.SubmitJob(&protocol.SubmitJobRequest{JobID: "j1", InputHash: validHash, JobType: "t"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _ := s.GetJobStatus(&protocol.GetJobStatusRequest{JobID: "j1"})
		return status != nil && status.Job.Status == types.JobFailed
	}, time.Second, 5*time.Millisecond)
}
