// ============================================================================
// ci-dispatch 控制器 - 任務派發與狀態聚合核心
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 協調儲存層、代管服務與指令處理，實作 client 協定
//
// 架構設計:
//   Controller 本身不持有狀態，所有狀態都存在 store.Store：
//   - 每個會改變狀態的操作都在單一 store.Update 交易內完成
//   - 驗證失敗時交易回滾，不會留下半套狀態
//   - 對代管服務的呼叫（commit status、PR 留言）一律在交易提交後執行，
//     失敗只記錄與計數，不影響 client 的回應
//
// 操作:
//   ReadyJobs / ClaimJob           - 佇列與認領（queue.go, claim.go）
//   StartStep / UpdateStep / CompleteStep - 步驟狀態機（steps.go）
//   JobFinished                    - 任務結束與聚合（finished.go）
//   CreateEvent / CancelJob / InvalidateJob - 事件展開與使用者操作（events.go, manage.go）
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/ci-dispatch/internal/commands"
	"github.com/ChuLiYu/ci-dispatch/internal/hosting"
	"github.com/ChuLiYu/ci-dispatch/internal/metrics"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

var log = slog.Default()

// DefaultStatusContext commit status 的 context 前綴
const DefaultStatusContext = "ci-dispatch"

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	RemoteUpdate  bool   // 是否推送 commit status 與 PR 留言
	StatusContext string // commit status context 前綴
	BaseURL       string // 狀態頁面網址前綴，作為 commit status 的 target_url
}

// Controller 核心控制器
type Controller struct {
	store    store.Store
	api      hosting.API
	commands *commands.Processor
	metrics  *metrics.Collector // 可為 nil
	config   Config
	now      func() time.Time
}

// Option 設定 Controller 的可選參數
type Option func(*Controller)

// WithHosting 指定代管服務 API
func WithHosting(api hosting.API) Option {
	return func(c *Controller) { c.api = api }
}

// WithMetrics 指定 metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithConfig 指定配置
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.config = cfg }
}

// WithClock 指定時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Controller；未指定代管服務時使用 hosting.Noop
func New(st store.Store, opts ...Option) *Controller {
	c := &Controller{
		store: st,
		api:   hosting.Noop{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.StatusContext == "" {
		c.config.StatusContext = DefaultStatusContext
	}
	c.commands = commands.NewProcessor(c.api)
	return c
}

// Store 回傳底層儲存
func (c *Controller) Store() store.Store {
	return c.store
}

// Stats 回傳儲存層統計並同步到 metrics
func (c *Controller) Stats(ctx context.Context) (store.Stats, error) {
	sp, ok := c.store.(store.StatsProvider)
	if !ok {
		return store.Stats{}, fmt.Errorf("store does not report stats: %w", store.ErrInternal)
	}
	stats, err := sp.Stats(ctx)
	if err != nil {
		return store.Stats{}, err
	}
	c.metrics.UpdateStoreStats(stats)
	return stats, nil
}

// ============================================================================
// 交易內共用的驗證
// ============================================================================

// badRequest 將查無資料等錯誤歸類為 BadRequest，同時保留原本的錯誤鏈
func badRequest(err error) error {
	if errors.Is(err, store.ErrBadRequest) {
		return err
	}
	return fmt.Errorf("%w: %w", store.ErrBadRequest, err)
}

// authenticate 以 build key 找出使用者
func authenticate(tx store.Tx, buildKey string) (*types.User, error) {
	user, err := tx.UserByBuildKey(buildKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrUnauthorized) {
			return nil, store.ErrUnknownBuildKey
		}
		return nil, err
	}
	return user, nil
}

// ownedJob 讀取屬於 user 的任務；不屬於該使用者時視同不存在
func ownedJob(tx store.Tx, user *types.User, id types.JobID) (*types.Job, error) {
	job, err := tx.Job(id)
	if err != nil {
		return nil, badRequest(err)
	}
	if job.UserID != user.ID {
		return nil, badRequest(store.ErrJobNotFound)
	}
	return job, nil
}

// claimant 確認 clientName 是任務目前的認領者
func claimant(tx store.Tx, user *types.User, job *types.Job, clientName string) (*types.Client, error) {
	client, err := tx.Client(user.ID, clientName)
	if err != nil {
		return nil, badRequest(err)
	}
	if job.ClientID == nil || *job.ClientID != client.ID {
		return nil, ErrClientMismatch
	}
	return client, nil
}

// session 以使用者身分呼叫代管服務
func session(user *types.User) hosting.Session {
	return hosting.Session{User: user.Name, Token: user.Token}
}

// ============================================================================
// 提交後的通知
// ============================================================================

// notice 交易內收集、提交後才送出的代管服務呼叫
type notice struct {
	session hosting.Session
	status  hosting.CommitStatus
}

// notices 交易內累積的通知；交易可能重試，因此每次執行 fn 都重新建立
type notices struct {
	statuses []notice
	commands []commands.Job
}

func (n *notices) commitStatus(c *Controller, user *types.User, event *types.Event, job *types.Job, recipe *types.Recipe, description string) {
	if !c.config.RemoteUpdate || event.Head.SHA == "" {
		return
	}
	st := hosting.CommitStatus{
		Commit:      event.Head,
		State:       hosting.StateFor(job.Status),
		Description: description,
		Context:     fmt.Sprintf("%s/%s", c.config.StatusContext, jobLabel(recipe, job)),
	}
	if c.config.BaseURL != "" {
		st.TargetURL = fmt.Sprintf("%s/job/%d", c.config.BaseURL, job.ID)
	}
	n.statuses = append(n.statuses, notice{session: session(user), status: st})
}

// flush 送出所有通知，失敗只記錄不回傳
func (c *Controller) flush(ctx context.Context, n *notices) {
	for _, s := range n.statuses {
		if err := c.api.UpdateCommitStatus(ctx, s.session, s.status); err != nil {
			log.Warn("commit status update failed",
				"sha", s.status.Commit.SHA, "context", s.status.Context, "error", err)
			c.metrics.RecordHostingFailure("UpdateCommitStatus")
		}
	}
	for _, job := range n.commands {
		sent, err := c.commands.Process(ctx, job)
		if err != nil {
			log.Warn("output directives failed", "job", job.Label, "sent", sent, "error", err)
			c.metrics.RecordHostingFailure("PostComment")
		}
	}
}

// jobLabel 任務在留言與 commit status 中的名稱
func jobLabel(recipe *types.Recipe, job *types.Job) string {
	if recipe == nil {
		return fmt.Sprintf("job-%d", job.ID)
	}
	return recipe.Name + ":" + job.Config
}
