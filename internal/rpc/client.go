package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/ci-dispatch/internal/api"
	"github.com/ChuLiYu/ci-dispatch/internal/controller"
)

// Client calls the dispatcher over an established connection. Errors match
// the store taxonomy (store.ErrBadRequest and friends) with errors.Is.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return fromStatus(err)
	}
	return fromStruct(out, resp)
}

// ReadyJobs polls the queue for config.
func (c *Client) ReadyJobs(ctx context.Context, r controller.PollRequest) ([]controller.QueuedJob, error) {
	var resp api.ReadyJobsResponse
	err := c.invoke(ctx, MethodReadyJobs, readyJobsRequest{
		BuildKey:   r.BuildKey,
		Config:     r.Config,
		ClientName: r.ClientName,
	}, &resp)
	return resp.Jobs, err
}

// ClaimJob claims a job and returns its description.
func (c *Client) ClaimJob(ctx context.Context, r controller.ClaimRequest) (*controller.JobDescription, error) {
	var desc controller.JobDescription
	err := c.invoke(ctx, MethodClaimJob, claimRequest{
		BuildKey:   r.BuildKey,
		Config:     r.Config,
		ClientName: r.ClientName,
		JobID:      r.JobID,
	}, &desc)
	if err != nil {
		return nil, err
	}
	return &desc, nil
}

func toStepRequest(r controller.StepReport) stepRequest {
	return stepRequest{
		BuildKey:   r.BuildKey,
		ClientName: r.ClientName,
		ResultID:   r.ResultID,
		StepBody: api.StepBody{
			StepNum:    r.StepNum,
			Output:     r.Output,
			Time:       r.Time,
			Complete:   r.Complete,
			ExitStatus: r.ExitStatus,
		},
	}
}

// StartStep reports that a step started.
func (c *Client) StartStep(ctx context.Context, r controller.StepReport) error {
	var resp api.StatusResponse
	return c.invoke(ctx, MethodStartStep, toStepRequest(r), &resp)
}

// UpdateStep streams more output for a running step.
func (c *Client) UpdateStep(ctx context.Context, r controller.StepReport) error {
	var resp api.StatusResponse
	return c.invoke(ctx, MethodUpdateStep, toStepRequest(r), &resp)
}

// CompleteStep reports a finished step and returns whether the next step
// should run.
func (c *Client) CompleteStep(ctx context.Context, r controller.StepReport) (bool, error) {
	var resp api.StatusResponse
	if err := c.invoke(ctx, MethodCompleteStep, toStepRequest(r), &resp); err != nil {
		return false, err
	}
	return resp.NextStep != nil && *resp.NextStep, nil
}

// JobFinished reports the end of a job.
func (c *Client) JobFinished(ctx context.Context, r controller.FinishReport) (*controller.FinishResult, error) {
	var res controller.FinishResult
	err := c.invoke(ctx, MethodJobFinished, finishRequest{
		BuildKey:   r.BuildKey,
		ClientName: r.ClientName,
		JobID:      r.JobID,
		FinishBody: api.FinishBody{Seconds: r.Seconds, Complete: r.Complete},
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
