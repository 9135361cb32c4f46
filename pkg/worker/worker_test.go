package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rinsane/distbuild/pkg/cas"
	"github.com/rinsane/distbuild/pkg/distbuilderr"
	"github.com/rinsane/distbuild/pkg/protocol"
	"github.com/rinsane/distbuild/pkg/types"
)

// fakeSchedulerClient records calls made by the worker under test.
type fakeSchedulerClient struct {
	mu                    sync.Mutex
	reports               []*protocol.ReportJobResultRequest
	heartbeats            int
	registrations         int
	heartbeatNotFoundOnce bool
}

func (f *fakeSchedulerClient) RegisterWorker(_ context.Context, req *protocol.RegisterWorkerRequest) (*protocol.RegisterWorkerResponse, error) {
	f.mu.Lock()
	f.registrations++
	f.mu.Unlock()
	return &protocol.RegisterWorkerResponse{Success: true}, nil
}

func (f *fakeSchedulerClient) Heartbeat(_ context.Context, req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	f.mu.Lock()
	f.heartbeats++
	shouldFail := f.heartbeatNotFoundOnce && f.heartbeats == 1
	f.mu.Unlock()
	if shouldFail {
		return nil, distbuilderr.NotFoundf("heartbeat from unknown worker %s", req.WorkerID)
	}
	return &protocol.HeartbeatResponse{OK: true}, nil
}

func (f *fakeSchedulerClient) ReportJobResult(_ context.Context, req *protocol.ReportJobResultRequest) (*protocol.ReportJobResultResponse, error) {
	f.mu.Lock()
	f.reports = append(f.reports, req)
	f.mu.Unlock()
	return &protocol.ReportJobResultResponse{OK: true}, nil
}

func newTestWorker(t *testing.T, sched SchedulerClient) (*Worker, *cas.Store) {
	t.Helper()
	store, err := cas.New(t.TempDir())
	require.NoError(t, err)

	w := New(Config{
		WorkerID:          "w1",
		Address:           "127.0.0.1:0",
		Capacity:          4,
		HeartbeatInterval: 20 * time.Millisecond,
	}, sched, store, nil)
	return w, store
}

func TestExecuteJob_IdentityTransform_ReportsSuccess(t *testing.T) {
	sched := &fakeSchedulerClient{}
	w, store := newTestWorker(t, sched)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	digest, err := store.Put([]byte("payload"))
	require.NoError(t, err)

	job := testJob("j1", digest, "identity")
	resp, err := w.ExecuteJob(job)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)

	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.reports) == 1
	}, time.Second, 5*time.Millisecond)

	sched.mu.Lock()
	report := sched.reports[0]
	sched.mu.Unlock()

	assert.True(t, report.Success)
	assert.Equal(t, digest, report.OutputHash)
}

func TestExecuteJob_MissingInput_ReportsFailure(t *testing.T) {
	sched := &fakeSchedulerClient{}
	w, _ := newTestWorker(t, sched)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	job := testJob("j2", "0000000000000000000000000000000000000000000000000000000000000000", "identity")
	_, err := w.ExecuteJob(job)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.reports) == 1
	}, time.Second, 5*time.Millisecond)

	sched.mu.Lock()
	report := sched.reports[0]
	sched.mu.Unlock()
	assert.False(t, report.Success)
}

func TestExecuteJob_CustomHandler(t *testing.T) {
	sched := &fakeSchedulerClient{}
	w, store := newTestWorker(t, sched)
	w.RegisterHandler("uppercase", func(input []byte, _ map[string]string) ([]byte, error) {
		out := make([]byte, len(input))
		for i, b := range input {
			if b >= 'a' && b <= 'z' {
				b -= 'a' - 'A'
			}
			out[i] = b
		}
		return out, nil
	})

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	digest, err := store.Put([]byte("hello"))
	require.NoError(t, err)

	job := testJob("j3", digest, "uppercase")
	_, err = w.ExecuteJob(job)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return len(sched.reports) == 1
	}, time.Second, 5*time.Millisecond)

	sched.mu.Lock()
	report := sched.reports[0]
	sched.mu.Unlock()
	require.True(t, report.Success)

	got, err := store.Get(report.OutputHash)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(got))
}

func TestHeartbeatLoop_SendsHeartbeats(t *testing.T) {
	sched := &fakeSchedulerClient{}
	w, _ := newTestWorker(t, sched)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return sched.heartbeats >= 2
	}, time.Second, 5*time.Millisecond)
}

// A heartbeat against an unknown worker_id (the scheduler evicted this
// worker on a missed liveness window) must trigger re-registration, not
// just a logged-and-ignored failure, or the worker is orphaned forever.
func TestHeartbeatLoop_ReregistersOnNotFound(t *testing.T) {
	sched := &fakeSchedulerClient{heartbeatNotFoundOnce: true}
	w, _ := newTestWorker(t, sched)

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		sched.mu.Lock()
		defer sched.mu.Unlock()
		return sched.registrations >= 2 && sched.heartbeats >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestGetStatus_ReflectsCapacity(t *testing.T) {
	sched := &fakeSchedulerClient{}
	w, _ := newTestWorker(t, sched)

	status := w.GetStatus()
	assert.Equal(t, 4, status.Capacity)
	assert.Equal(t, 0, status.ActiveJobs)
}

func testJob(id, inputHash, jobType string) *types.Job {
	return &types.Job{
		ID:        id,
		InputHash: inputHash,
		JobType:   jobType,
		Status:    types.JobRunning,
	}
}
