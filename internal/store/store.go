// Package store 定義儲存層的抽象介面。
//
// 所有會改變狀態的操作都必須在單一 Update 交易中完成：
// fn 回傳錯誤時，交易內所有 Save 一律不生效。
// 記憶體實作見 internal/jobmanager，關聯式資料庫實作見 internal/storage/postgres。
package store

import (
	"context"

	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

// Store 交易式儲存
type Store interface {
	// Update 以可寫入、互相隔離的交易執行 fn
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View 以唯讀交易執行 fn
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx 交易中可見的資料。Getter 回傳拷貝，修改後須呼叫對應的 Save。
// Save 在 ID 為零時配置新的 ID 並寫回物件。
type Tx interface {
	UserByBuildKey(buildKey string) (*types.User, error)
	User(id types.UserID) (*types.User, error)
	SaveUser(u *types.User) error

	Client(userID types.UserID, name string) (*types.Client, error)
	ClientByID(id types.ClientID) (*types.Client, error)
	SaveClient(c *types.Client) error

	Recipe(id types.RecipeID) (*types.Recipe, error)
	Recipes(userID types.UserID) ([]*types.Recipe, error)
	SaveRecipe(r *types.Recipe) error

	Event(id types.EventID) (*types.Event, error)
	SaveEvent(e *types.Event) error
	// SiblingEvents 回傳與 e 共用同一個 PR（PR 事件）或分支（push 事件）的其他事件
	SiblingEvents(e *types.Event) ([]*types.Event, error)

	// Job 在交易內取得任務；可寫入交易中會鎖定該列直到交易結束
	Job(id types.JobID) (*types.Job, error)
	SaveJob(j *types.Job) error
	EventJobs(eventID types.EventID) ([]*types.Job, error)
	// ReadyJobs 回傳屬於 userID、指定 config 且 Job.Claimable 的任務，順序不保證
	ReadyJobs(userID types.UserID, config string) ([]*types.Job, error)

	// StepResult 可寫入交易中會鎖定該列；需要任務鎖時先呼叫 Job，鎖定順序一律為任務→步驟
	StepResult(id types.StepResultID) (*types.StepResult, error)
	// StepResultJob 不加鎖讀取步驟所屬的任務 ID
	StepResultJob(id types.StepResultID) (types.JobID, error)
	// StepResults 依 position 排序
	StepResults(jobID types.JobID) ([]*types.StepResult, error)
	SaveStepResult(s *types.StepResult) error
	DeleteStepResults(jobID types.JobID) error

	PullRequest(id types.PullRequestID) (*types.PullRequest, error)
	PullRequestByURL(url string) (*types.PullRequest, error)
	SavePullRequest(p *types.PullRequest) error

	Branch(id types.BranchID) (*types.Branch, error)
	BranchByName(owner, repo, name string) (*types.Branch, error)
	SaveBranch(b *types.Branch) error
}

// StatsProvider 可提供統計資訊的儲存實作
type StatsProvider interface {
	Stats(ctx context.Context) (Stats, error)
}

// Stats 儲存層統計，供 status 指令與 metrics 使用
type Stats struct {
	Events      int            `json:"events"`
	Jobs        int            `json:"jobs"`
	StepResults int            `json:"step_results"`
	Clients     int            `json:"clients"`
	JobStatus   map[string]int `json:"job_status"`
}
