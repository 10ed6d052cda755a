package controller

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/ci-dispatch/internal/store"
)

// client 協定的驗證錯誤，皆屬於 BadRequest
var (
	ErrConfigMismatch  = fmt.Errorf("job config mismatch: %w", store.ErrBadRequest)
	ErrOwnedByOther    = fmt.Errorf("job owned by another client: %w", store.ErrBadRequest)
	ErrNotClaimable    = fmt.Errorf("job not claimable: %w", store.ErrBadRequest)
	ErrClientMismatch  = fmt.Errorf("client is not the job's claimant: %w", store.ErrBadRequest)
	ErrStepNumMismatch = fmt.Errorf("step number does not match step result: %w", store.ErrBadRequest)
	ErrStepOutOfOrder  = fmt.Errorf("step reported out of order: %w", store.ErrBadRequest)
	ErrJobComplete     = fmt.Errorf("job already complete: %w", store.ErrBadRequest)
	ErrNoMatchingJobs  = fmt.Errorf("event matched no recipes: %w", store.ErrBadRequest)
)

// rejectionReason 認領失敗原因，作為 metrics label
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, store.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConfigMismatch):
		return "config_mismatch"
	case errors.Is(err, ErrOwnedByOther):
		return "owned_by_other"
	case errors.Is(err, ErrNotClaimable):
		return "not_claimable"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrBadRequest):
		return "bad_request"
	default:
		return "internal"
	}
}
