// ============================================================================
// Build client job source
// ============================================================================
//
// JobSource decouples the build client from where jobs come from:
//
//   - Local mode: the controller itself (same process, same store).
//   - Remote mode: an rpc.Client talking to a dispatcher over gRPC.
//
// Both expose the same six calls of the client protocol.
// ============================================================================

package worker

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/ci-dispatch/internal/controller"
	"github.com/ChuLiYu/ci-dispatch/internal/rpc"
)

// JobSource is the client protocol as seen by a build client.
type JobSource interface {
	// ReadyJobs returns the claimable jobs for a config, best first.
	ReadyJobs(ctx context.Context, r controller.PollRequest) ([]controller.QueuedJob, error)
	// ClaimJob assigns a job to the client. Losing a race is a BadRequest.
	ClaimJob(ctx context.Context, r controller.ClaimRequest) (*controller.JobDescription, error)
	StartStep(ctx context.Context, r controller.StepReport) error
	UpdateStep(ctx context.Context, r controller.StepReport) error
	// CompleteStep returns whether the next step should run.
	CompleteStep(ctx context.Context, r controller.StepReport) (bool, error)
	JobFinished(ctx context.Context, r controller.FinishReport) (*controller.FinishResult, error)
}

var (
	_ JobSource = (*controller.Controller)(nil)
	_ JobSource = (*rpc.Client)(nil)
)

// NewGRPCSource returns a JobSource backed by a remote dispatcher.
func NewGRPCSource(conn grpc.ClientConnInterface) JobSource {
	return rpc.NewClient(conn)
}
