package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rinsane/distbuild/pkg/cas"
	"github.com/rinsane/distbuild/pkg/distbuilderr"
	"github.com/rinsane/distbuild/pkg/events"
	"github.com/rinsane/distbuild/pkg/protocol"
	"github.com/rinsane/distbuild/pkg/scheduler"
	"github.com/rinsane/distbuild/pkg/worker"
)

const validHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// startScheduler boots a real SchedulerServer against a free port, backed
// by a real HTTP WorkerClient, so dispatch goes over the wire like
// production.
func startScheduler(t *testing.T) (*SchedulerServer, string) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	sched := scheduler.New(NewWorkerClient(), scheduler.WithTickInterval(20*time.Millisecond), scheduler.WithBroker(broker))
	sched.Start()
	t.Cleanup(sched.Stop)

	addr := freeAddr(t)
	srv := NewSchedulerServer(addr, sched, broker)
	go srv.Start()
	t.Cleanup(func() { srv.Stop() })

	waitForServer(t, addr)
	return srv, addr
}

func startWorker(t *testing.T, schedulerAddr, workerID string) (*worker.Worker, *cas.Store, string) {
	t.Helper()
	store, err := cas.New(t.TempDir())
	require.NoError(t, err)

	workerAddr := freeAddr(t)
	w := worker.New(worker.Config{
		WorkerID:          workerID,
		Address:           workerAddr,
		Capacity:          4,
		HeartbeatInterval: 20 * time.Millisecond,
	}, NewSchedulerClient(schedulerAddr), store, nil)

	wsrv := NewWorkerServer(workerAddr, w)
	go wsrv.Start()
	t.Cleanup(func() { wsrv.Stop() })

	waitForServer(t, workerAddr)

	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	return w, store, workerAddr
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_SubmitAssignExecuteReport(t *testing.T) {
	_, schedAddr := startScheduler(t)
	client := NewSchedulerClient(schedAddr)

	_, store, _ := startWorker(t, schedAddr, "w1")

	digest, err := store.Put([]byte("end-to-end payload"))
	require.NoError(t, err)

	ctx := context.Background()
	submitResp, err := client.SubmitJob(ctx, &protocol.SubmitJobRequest{
		JobID:     "job-e2e",
		InputHash: digest,
		JobType:   "identity",
	})
	require.NoError(t, err)
	require.NotNil(t, submitResp.Job)

	require.Eventually(t, func() bool {
		status, err := client.GetJobStatus(ctx, "job-e2e")
		return err == nil && status.Job.Status == 3 // COMPLETED
	}, 3*time.Second, 20*time.Millisecond)

	status, err := client.GetJobStatus(ctx, "job-e2e")
	require.NoError(t, err)
	assert.Equal(t, digest, status.Job.OutputHash)

	got, err := store.Get(status.Job.OutputHash)
	require.NoError(t, err)
	assert.Equal(t, "end-to-end payload", string(got))
}

func TestListWorkers_OverHTTP(t *testing.T) {
	_, schedAddr := startScheduler(t)
	client := NewSchedulerClient(schedAddr)
	startWorker(t, schedAddr, "w2")

	require.Eventually(t, func() bool {
		resp, err := client.ListWorkers(context.Background())
		return err == nil && len(resp.Workers) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSubmitJob_MissingInputHash_ReturnsError(t *testing.T) {
	_, schedAddr := startScheduler(t)
	client := NewSchedulerClient(schedAddr)

	_, err := client.SubmitJob(context.Background(), &protocol.SubmitJobRequest{JobType: "identity"})
	assert.Error(t, err)
}

func TestGetJobStatus_UnknownJob_404(t *testing.T) {
	_, schedAddr := startScheduler(t)
	client := NewSchedulerClient(schedAddr)

	_, err := client.GetJobStatus(context.Background(), "does-not-exist")
	assert.Error(t, err)
	assert.True(t, distbuilderr.IsNotFound(err))
}
