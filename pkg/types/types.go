// Package types 定義了 ci-dispatch 系統中使用的核心領域模型
package types

import (
	"time"
)

// 各實體的識別碼
type (
	UserID        int64
	ClientID      int64
	RecipeID      int64
	EventID       int64
	JobID         int64
	StepResultID  int64
	PullRequestID int64
	BranchID      int64
)

// Cause 事件觸發原因
type Cause string

const (
	CausePush        Cause = "push"         // 推送
	CausePullRequest Cause = "pull_request" // Pull Request 更新
)

// OtherOS 無法從輸出判斷作業系統時的預設值
const OtherOS = "Other"

// User 擁有建置金鑰的使用者，client 以金鑰代表此使用者拉取任務
type User struct {
	ID       UserID `json:"id"`
	Name     string `json:"name"`
	BuildKey string `json:"build_key"`
	Token    string `json:"token,omitempty"` // 代管服務 API token
}

// Client 執行建置的機器，名稱在同一使用者下唯一
type Client struct {
	ID       ClientID  `json:"id"`
	UserID   UserID    `json:"user_id"`
	Name     string    `json:"name"`
	IP       string    `json:"ip,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Step recipe 中的單一步驟定義
type Step struct {
	Name           string            `json:"name" yaml:"name"`
	Position       int               `json:"position" yaml:"position"`
	Script         string            `json:"script" yaml:"script"`
	AbortOnFailure bool              `json:"abort_on_failure" yaml:"abort_on_failure"`
	AllowedToFail  bool              `json:"allowed_to_fail" yaml:"allowed_to_fail"`
	Environment    map[string]string `json:"environment,omitempty" yaml:"environment"`
}

// Recipe 任務樣板；Priority 越大越先被拉取
type Recipe struct {
	ID             RecipeID          `json:"id"`
	UserID         UserID            `json:"user_id"`
	Name           string            `json:"name"`
	Priority       int               `json:"priority"`
	Causes         []Cause           `json:"causes"`
	BuildConfigs   []string          `json:"build_configs"`
	Steps          []Step            `json:"steps"`
	Environment    map[string]string `json:"environment,omitempty"`
	PrestepSources []string          `json:"prestep_sources,omitempty"`
	DependsOn      []RecipeID        `json:"depends_on,omitempty"`
	Active         bool              `json:"active"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Triggers 回報此 recipe 是否回應指定的事件原因
func (r *Recipe) Triggers(cause Cause) bool {
	for _, c := range r.Causes {
		if c == cause {
			return true
		}
	}
	return false
}

// Commit 代管服務上的一個 commit
type Commit struct {
	Owner string `json:"owner" yaml:"owner"`
	Repo  string `json:"repo" yaml:"repo"`
	Ref   string `json:"ref" yaml:"ref"`
	SHA   string `json:"sha" yaml:"sha"`
}

// ShortSHA 前 7 碼
func (c Commit) ShortSHA() string {
	if len(c.SHA) > 7 {
		return c.SHA[:7]
	}
	return c.SHA
}

// Event 一次 push 或 PR 更新，擁有多個 Job
type Event struct {
	ID            EventID        `json:"id"`
	UserID        UserID         `json:"user_id"`
	Cause         Cause          `json:"cause"`
	Head          Commit         `json:"head"`
	Base          Commit         `json:"base"`
	PullRequestID *PullRequestID `json:"pull_request_id,omitempty"`
	BranchID      *BranchID      `json:"branch_id,omitempty"`
	Status        Status         `json:"status"`
	Complete      bool           `json:"complete"`
	CommentsURL   string         `json:"comments_url,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// OSInfo 從步驟輸出解析出的作業系統資訊
type OSInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Other   string `json:"other"`
}

// Job 一個 (event × recipe × build config) 的執行實例
type Job struct {
	ID            JobID     `json:"id"`
	EventID       EventID   `json:"event_id"`
	RecipeID      RecipeID  `json:"recipe_id"`
	UserID        UserID    `json:"user_id"`
	Config        string    `json:"config"`
	Status        Status    `json:"status"`
	Ready         bool      `json:"ready"`
	Active        bool      `json:"active"`
	Complete      bool      `json:"complete"`
	Invalidated   bool      `json:"invalidated"`
	SameClient    bool      `json:"same_client"`
	ClientID      *ClientID `json:"client_id,omitempty"`
	RecipeSHA     string    `json:"recipe_sha"`
	Seconds       float64   `json:"seconds"`
	OS            OSInfo    `json:"operating_system"`
	LoadedModules []string  `json:"loaded_modules,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Claimable 任務可被認領：active、ready，且尚未開始或已釋放（running 但沒有認領者）
func (j *Job) Claimable() bool {
	if !j.Active || !j.Ready {
		return false
	}
	switch j.Status {
	case StatusNotStarted:
		return true
	case StatusRunning:
		return j.ClientID == nil
	}
	return false
}

// StepResult 單一步驟在任務中的執行紀錄
type StepResult struct {
	ID             StepResultID `json:"id"`
	JobID          JobID        `json:"job_id"`
	Name           string       `json:"name"`
	Position       int          `json:"position"`
	Status         Status       `json:"status"`
	ExitStatus     int          `json:"exit_status"`
	Output         string       `json:"output"`
	Seconds        float64      `json:"seconds"`
	AbortOnFailure bool         `json:"abort_on_failure"`
	AllowedToFail  bool         `json:"allowed_to_fail"`
	Complete       bool         `json:"complete"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// PullRequest 對外的 PR 聚合，狀態鏡像自最新的事件
type PullRequest struct {
	ID                PullRequestID `json:"id"`
	Number            int           `json:"number"`
	Title             string        `json:"title"`
	Username          string        `json:"username"`
	URL               string        `json:"url"`
	ReviewCommentsURL string        `json:"review_comments_url,omitempty"`
	Status            Status        `json:"status"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Branch 對外的分支聚合，push 事件的狀態鏡像至此
type Branch struct {
	ID        BranchID  `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	Repo      string    `json:"repo"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Users        map[UserID]*User               `json:"users"`
	Clients      map[ClientID]*Client           `json:"clients"`
	Recipes      map[RecipeID]*Recipe           `json:"recipes"`
	Events       map[EventID]*Event             `json:"events"`
	Jobs         map[JobID]*Job                 `json:"jobs"`
	StepResults  map[StepResultID]*StepResult   `json:"step_results"`
	PullRequests map[PullRequestID]*PullRequest `json:"pull_requests"`
	Branches     map[BranchID]*Branch           `json:"branches"`
	SchemaVer    int                            `json:"schema_ver"` // 資料結構版本號
	LastSeq      uint64                         `json:"last_seq"`   // 最後處理的 WAL 序列號
}

// NewSnapshotData 建立所有 map 皆已初始化的空快照
func NewSnapshotData() SnapshotData {
	return SnapshotData{
		Users:        make(map[UserID]*User),
		Clients:      make(map[ClientID]*Client),
		Recipes:      make(map[RecipeID]*Recipe),
		Events:       make(map[EventID]*Event),
		Jobs:         make(map[JobID]*Job),
		StepResults:  make(map[StepResultID]*StepResult),
		PullRequests: make(map[PullRequestID]*PullRequest),
		Branches:     make(map[BranchID]*Branch),
		SchemaVer:    1,
	}
}
