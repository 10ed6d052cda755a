// Package api holds the JSON bodies exchanged between build clients and the
// dispatcher. The HTTP server and the gRPC transport carry the same shapes.
package api

import (
	"errors"

	"github.com/ChuLiYu/ci-dispatch/internal/controller"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// StatusOK is the "status" value of every successful response.
const StatusOK = "OK"

// Error codes returned in ErrorResponse.Code.
const (
	CodeUnauthorized     = "unauthorized"
	CodeBadRequest       = "bad_request"
	CodeNotFound         = "not_found"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeInternal         = "internal"
)

// ReadyJobsResponse is the body of ready_jobs.
type ReadyJobsResponse struct {
	Jobs []controller.QueuedJob `json:"jobs"`
}

// ClaimBody is the body of claim_job.
type ClaimBody struct {
	JobID types.JobID `json:"job_id"`
}

// StepBody is the body of the three step result endpoints.
type StepBody struct {
	StepNum    int     `json:"step_num"`
	Output     string  `json:"output"`
	Time       float64 `json:"time"`
	Complete   bool    `json:"complete"`
	ExitStatus int     `json:"exit_status"`
}

// FinishBody is the body of job_finished.
type FinishBody struct {
	Seconds  float64 `json:"seconds"`
	Complete bool    `json:"complete"`
}

// InvalidateBody is the body of manage/invalidate_job.
type InvalidateBody struct {
	SameClient bool `json:"same_client"`
}

// StatusResponse acknowledges a step report. NextStep is only set by
// complete_step_result.
type StatusResponse struct {
	Status   string `json:"status"`
	NextStep *bool  `json:"next_step,omitempty"`
}

// EventResponse is returned when an event is created.
type EventResponse struct {
	Status string       `json:"status"`
	Event  *types.Event `json:"event"`
	Jobs   []*types.Job `json:"jobs"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode maps an error onto its machine-readable code.
// NotFound is checked before BadRequest since validation errors may wrap both.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, store.ErrMethodNotAllowed):
		return CodeMethodNotAllowed
	default:
		return CodeInternal
	}
}

// CodeError rebuilds an error carrying the taxonomy kind of code, so that
// errors.Is keeps working on the client side of a transport.
func CodeError(code, message string) error {
	var kind error
	switch code {
	case CodeUnauthorized:
		kind = store.ErrUnauthorized
	case CodeNotFound:
		kind = store.ErrNotFound
	case CodeBadRequest:
		kind = store.ErrBadRequest
	case CodeMethodNotAllowed:
		kind = store.ErrMethodNotAllowed
	default:
		kind = store.ErrInternal
	}
	return &RemoteError{Code: code, Message: message, kind: kind}
}

// RemoteError is an error reported by the dispatcher.
type RemoteError struct {
	Code    string
	Message string
	kind    error
}

func (e *RemoteError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.kind
}
