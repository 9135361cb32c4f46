// Package client provides the thin driver a build invocation uses: put an
// input blob into the CAS, submit a job, poll until it reaches a terminal
// state (bounded by a wall-clock timeout that is a property of this shim,
// not the scheduler core), then fetch the output blob.
package client

import (
	"context"
	"time"

	"github.com/rinsane/distbuild/pkg/cas"
	"github.com/rinsane/distbuild/pkg/distbuilderr"
	"github.com/rinsane/distbuild/pkg/protocol"
	"github.com/rinsane/distbuild/pkg/types"
)

// DefaultPollTimeout matches the 60s wall-clock timeout spec.md cites for
// the reference client.
const DefaultPollTimeout = 60 * time.Second

// DefaultPollInterval is how often the poller checks job status.
const DefaultPollInterval = 500 * time.Millisecond

// SchedulerClient is the subset of the scheduler HTTP client this package
// depends on. pkg/api.SchedulerClient satisfies this.
type SchedulerClient interface {
	SubmitJob(ctx context.Context, req *protocol.SubmitJobRequest) (*protocol.SubmitJobResponse, error)
	GetJobStatus(ctx context.Context, jobID string) (*protocol.GetJobStatusResponse, error)
}

// Client drives a single job end to end against a shared CAS and a
// scheduler.
type Client struct {
	scheduler    SchedulerClient
	store        *cas.Store
	pollTimeout  time.Duration
	pollInterval time.Duration
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithPollTimeout overrides DefaultPollTimeout.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Client) { c.pollTimeout = d }
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// New creates a Client.
func New(scheduler SchedulerClient, store *cas.Store, opts ...Option) *Client {
	c := &Client{
		scheduler:    scheduler,
		store:        store,
		pollTimeout:  DefaultPollTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores input bytes in the shared CAS and returns its digest.
func (c *Client) Put(input []byte) (string, error) {
	return c.store.Put(input)
}

// Submit submits a job and returns its initial (PENDING) record.
func (c *Client) Submit(ctx context.Context, jobID, inputHash, jobType string, metadata map[string]string) (*types.Job, error) {
	resp, err := c.scheduler.SubmitJob(ctx, &protocol.SubmitJobRequest{
		JobID:     jobID,
		InputHash: inputHash,
		JobType:   jobType,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// Wait polls GetJobStatus until the job reaches a terminal state or
// pollTimeout elapses, whichever comes first.
func (c *Client) Wait(ctx context.Context, jobID string) (*types.Job, error) {
	deadline := time.Now().Add(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		resp, err := c.scheduler.GetJobStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if resp.Job.Status.Terminal() {
			return resp.Job, nil
		}
		if time.Now().After(deadline) {
			return resp.Job, distbuilderr.Transportf(nil, "job %s did not reach a terminal state within %s", jobID, c.pollTimeout)
		}

		select {
		case <-ctx.Done():
			return resp.Job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Get fetches a blob from the shared CAS by digest.
func (c *Client) Get(digest string) ([]byte, error) {
	return c.store.Get(digest)
}

// Run is the common end-to-end path: put input, submit, wait, fetch
// output. Returns the output bytes and the final job record.
func (c *Client) Run(ctx context.Context, jobID string, input []byte, jobType string, metadata map[string]string) ([]byte, *types.Job, error) {
	digest, err := c.Put(input)
	if err != nil {
		return nil, nil, err
	}

	if _, err := c.Submit(ctx, jobID, digest, jobType, metadata); err != nil {
		return nil, nil, err
	}

	job, err := c.Wait(ctx, jobID)
	if err != nil {
		return nil, job, err
	}
	if job.Status == types.JobFailed {
		return nil, job, distbuilderr.ExecutionFailuref(nil, "job %s failed: %s", jobID, job.Error)
	}

	output, err := c.Get(job.OutputHash)
	if err != nil {
		return nil, job, err
	}
	return output, job, nil
}
