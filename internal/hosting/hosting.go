// Package hosting defines the source-control hosting collaborator used to post
// pull request comments and commit statuses, plus a GitHub implementation.
package hosting

import (
	"context"

	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// Session carries the credentials of the user the call is made on behalf of.
type Session struct {
	User  string
	Token string
}

// CommitStatus is a status report attached to a commit.
type CommitStatus struct {
	Commit      types.Commit
	State       State
	Description string
	Context     string
	TargetURL   string
}

// API is the hosting capability the dispatcher consumes.
type API interface {
	PostPRComment(ctx context.Context, sess Session, url, message string) error
	PostPRReviewComment(ctx context.Context, sess Session, url, sha, path string, position int, message string) error
	UpdateCommitStatus(ctx context.Context, sess Session, status CommitStatus) error
}

// State is the commit status vocabulary understood by hosting services.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
	StateError   State = "error"
)

// StateFor maps a dispatcher status onto a commit status state.
func StateFor(s types.Status) State {
	switch s {
	case types.StatusSuccess, types.StatusFailedOK:
		return StateSuccess
	case types.StatusFailed:
		return StateFailure
	case types.StatusCanceled:
		return StateError
	default:
		return StatePending
	}
}

// Noop discards every call.
type Noop struct{}

func (Noop) PostPRComment(context.Context, Session, string, string) error { return nil }

func (Noop) PostPRReviewComment(context.Context, Session, string, string, string, int, string) error {
	return nil
}

func (Noop) UpdateCommitStatus(context.Context, Session, CommitStatus) error { return nil }
