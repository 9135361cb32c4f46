package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rinsane/distbuild/pkg/distbuilderr"
	"github.com/rinsane/distbuild/pkg/protocol"
)

// SchedulerClient is an HTTP client for SchedulerService, used by workers
// to register, heartbeat, and report results, and satisfies
// pkg/worker.SchedulerClient.
type SchedulerClient struct {
	baseURL string
	http    *http.Client
}

// NewSchedulerClient builds a client targeting the scheduler at addr
// (host:port).
func NewSchedulerClient(addr string) *SchedulerClient {
	return &SchedulerClient{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// RegisterWorker calls POST /v1/workers.
func (c *SchedulerClient) RegisterWorker(ctx context.Context, req *protocol.RegisterWorkerRequest) (*protocol.RegisterWorkerResponse, error) {
	var resp protocol.RegisterWorkerResponse
	if err := c.post(ctx, "/v1/workers", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat calls POST /v1/workers/{id}/heartbeat.
func (c *SchedulerClient) Heartbeat(ctx context.Context, req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	var resp protocol.HeartbeatResponse
	path := fmt.Sprintf("/v1/workers/%s/heartbeat", url.PathEscape(req.WorkerID))
	if err := c.post(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitJob calls POST /v1/jobs.
func (c *SchedulerClient) SubmitJob(ctx context.Context, req *protocol.SubmitJobRequest) (*protocol.SubmitJobResponse, error) {
	var resp protocol.SubmitJobResponse
	if err := c.post(ctx, "/v1/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJobStatus calls GET /v1/jobs/{id}.
func (c *SchedulerClient) GetJobStatus(ctx context.Context, jobID string) (*protocol.GetJobStatusResponse, error) {
	var resp protocol.GetJobStatusResponse
	path := fmt.Sprintf("/v1/jobs/%s", url.PathEscape(jobID))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs calls GET /v1/jobs.
func (c *SchedulerClient) ListJobs(ctx context.Context, limit int, statusFilter string) (*protocol.ListJobsResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if statusFilter != "" {
		q.Set("status", statusFilter)
	}
	var resp protocol.ListJobsResponse
	path := "/v1/jobs"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListWorkers calls GET /v1/workers.
func (c *SchedulerClient) ListWorkers(ctx context.Context) (*protocol.ListWorkersResponse, error) {
	var resp protocol.ListWorkersResponse
	if err := c.get(ctx, "/v1/workers", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportJobResult calls POST /v1/jobs/{id}/result.
func (c *SchedulerClient) ReportJobResult(ctx context.Context, req *protocol.ReportJobResultRequest) (*protocol.ReportJobResultResponse, error) {
	var resp protocol.ReportJobResultResponse
	path := fmt.Sprintf("/v1/jobs/%s/result", url.PathEscape(req.JobID))
	if err := c.post(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *SchedulerClient) post(ctx context.Context, path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return distbuilderr.InvalidStatef("marshaling request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return distbuilderr.Transportf(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *SchedulerClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return distbuilderr.Transportf(err, "building request")
	}
	return c.do(req, out)
}

// kindFromStatus reconstructs a distbuilderr Kind from the HTTP status the
// scheduler mapped it to (distbuilderr.HTTPStatus), so callers across the
// wire can still branch on distbuilderr.IsNotFound etc. instead of seeing
// every non-2xx response flattened to Transport. detail is folded into the
// message since NotFoundf/InvalidStatef don't wrap an underlying error.
func kindFromStatus(status int, detail error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...) + ": " + detail.Error()
	switch status {
	case http.StatusNotFound:
		return distbuilderr.NotFoundf("%s", msg)
	case http.StatusConflict:
		return distbuilderr.InvalidStatef("%s", msg)
	default:
		return distbuilderr.Transportf(detail, format, args...)
	}
}

func (c *SchedulerClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return distbuilderr.Transportf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return kindFromStatus(resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, errBody.Error),
			"%s %s", req.Method, req.URL.Path)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
