package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rinsane/distbuild/pkg/distbuilderr"
	"github.com/rinsane/distbuild/pkg/protocol"
	"github.com/rinsane/distbuild/pkg/types"
)

// WorkerClient is an HTTP client for WorkerService, used by the scheduler
// to dispatch jobs. It satisfies pkg/scheduler.Dispatcher.
type WorkerClient struct {
	http *http.Client
}

// NewWorkerClient builds a client. The target address is supplied per-call
// since the scheduler talks to many different workers.
func NewWorkerClient() *WorkerClient {
	return &WorkerClient{http: &http.Client{Timeout: 10 * time.Second}}
}

// ExecuteJob calls POST http://{addr}/v1/execute.
func (c *WorkerClient) ExecuteJob(ctx context.Context, addr string, job *types.Job) (*protocol.ExecuteJobResponse, error) {
	body, err := json.Marshal(&protocol.ExecuteJobRequest{Job: job})
	if err != nil {
		return nil, distbuilderr.InvalidStatef("marshaling execute request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, distbuilderr.Transportf(err, "building execute request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, distbuilderr.Transportf(err, "dispatching job %s to %s", job.ID, addr)
	}
	defer resp.Body.Close()

	var out protocol.ExecuteJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, distbuilderr.Transportf(err, "decoding execute response from %s", addr)
	}
	return &out, nil
}

// GetStatus calls GET http://{addr}/v1/status.
func (c *WorkerClient) GetStatus(ctx context.Context, addr string) (*protocol.GetStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/v1/status", nil)
	if err != nil {
		return nil, distbuilderr.Transportf(err, "building status request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, distbuilderr.Transportf(err, "fetching status from %s", addr)
	}
	defer resp.Body.Close()

	var out protocol.GetStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, distbuilderr.Transportf(err, "decoding status response from %s", addr)
	}
	return &out, nil
}
