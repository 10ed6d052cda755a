package store

import (
	"errors"
	"fmt"
)

// 錯誤分類。傳輸層以 errors.Is 對應到 HTTP / gRPC 狀態碼。
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrBadRequest       = errors.New("bad request")
	ErrNotFound         = errors.New("not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrInternal         = errors.New("internal error")
)

// 具體錯誤，皆包裝上列分類
var (
	ErrUnknownBuildKey     = fmt.Errorf("unknown build key: %w", ErrUnauthorized)
	ErrUserNotFound        = fmt.Errorf("user %w", ErrNotFound)
	ErrClientNotFound      = fmt.Errorf("client %w", ErrNotFound)
	ErrRecipeNotFound      = fmt.Errorf("recipe %w", ErrNotFound)
	ErrEventNotFound       = fmt.Errorf("event %w", ErrNotFound)
	ErrJobNotFound         = fmt.Errorf("job %w", ErrNotFound)
	ErrStepNotFound        = fmt.Errorf("step result %w", ErrNotFound)
	ErrPullRequestNotFound = fmt.Errorf("pull request %w", ErrNotFound)
	ErrBranchNotFound      = fmt.Errorf("branch %w", ErrNotFound)
)

// IsClientError 回報錯誤是否由呼叫端造成（不需記錄為內部錯誤）
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrMethodNotAllowed)
}
