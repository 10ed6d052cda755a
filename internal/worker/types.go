package worker

import (
	"time"

	"github.com/ChuLiYu/ci-dispatch/internal/controller"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// Task 已認領、等待執行的任務
type Task struct {
	Job     *controller.JobDescription // 認領時取得的完整描述
	Timeout time.Duration              // 整個任務的執行上限，0 表示不限
}

// Result 任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Status   types.Status  // dispatcher 分類後的任務狀態
	Steps    int           // 實際執行的步驟數
	Error    error         // 回報失敗或逾時
	Duration time.Duration // 實際執行時間
}

// Success 任務順利回報且狀態為 success / failed_ok
func (r Result) Success() bool {
	return r.Error == nil && (r.Status == types.StatusSuccess || r.Status == types.StatusFailedOK)
}
