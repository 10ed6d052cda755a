// ============================================================================
// Build client worker pool
// ============================================================================
//
// Pool 管理多個 Worker goroutine：
//   1. 固定數量的 Worker 持續運行
//   2. 透過共享的 taskCh 分發已認領的任務
//   3. 透過 resultCh 收集執行結果
//
// Client 在 Pool 之上負責輪詢與認領：有空閒 Worker 才認領下一個任務，
// 避免認領了卻沒有人執行。
//
// 生命週期：
//   NewPool → Start(n) → Submit / ReceiveResult → Stop
//
// Stop 先關閉 stopCh 再關閉 taskCh，Submit 於 select 中觀察 stopCh，
// 不會對已關閉的 channel 送值。
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/ci-dispatch/internal/controller"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
)

var (
	// ErrPoolClosed Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// PoolConfig Worker 共用的設定
type PoolConfig struct {
	Source         JobSource
	Executor       Executor
	Identity       Identity
	UpdateInterval time.Duration
}

// Pool Worker 池
type Pool struct {
	cfg      PoolConfig
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// NewPool 建立 Pool；bufferSize 為任務與結果通道的緩衝大小
func NewPool(cfg PoolConfig, bufferSize int) *Pool {
	if cfg.Executor == nil {
		cfg.Executor = ShellExecutor{}
	}
	return &Pool{
		cfg:      cfg,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動 workerCount 個 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.cfg, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}
	p.started = true
	return nil
}

// Submit 提交任務
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	taskCh, stopCh := p.taskCh, p.stopCh
	p.mu.Unlock()

	select {
	case taskCh <- task:
		return nil
	case <-stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 取得一筆執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop 停止接收任務並等待執行中的任務結束
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	close(p.taskCh)
	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 目前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// ============================================================================
// Client：輪詢、認領、交給 Pool 執行
// ============================================================================

// ClientConfig build client 設定
type ClientConfig struct {
	BuildKey     string
	ClientName   string        // 空白時以 uuid 產生
	Configs      []string      // 此 client 能建置的 config
	Workers      int           // 同時執行的任務數
	PollInterval time.Duration // 佇列為空時的等待時間
	JobTimeout   time.Duration
	Executor     Executor
}

// Client build client
type Client struct {
	cfg    ClientConfig
	source JobSource
	pool   *Pool
	slots  chan struct{}
}

// NewClient 建立 build client
func NewClient(source JobSource, cfg ClientConfig) *Client {
	if cfg.ClientName == "" {
		cfg.ClientName = "client-" + uuid.NewString()[:8]
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	pool := NewPool(PoolConfig{
		Source:   source,
		Executor: cfg.Executor,
		Identity: Identity{BuildKey: cfg.BuildKey, ClientName: cfg.ClientName},
	}, cfg.Workers)
	return &Client{
		cfg:    cfg,
		source: source,
		pool:   pool,
		slots:  make(chan struct{}, cfg.Workers),
	}
}

// Name client 名稱
func (c *Client) Name() string {
	return c.cfg.ClientName
}

// Run 持續輪詢直到 ctx 取消；回傳前等待執行中的任務結束。
// results 非 nil 時每筆結果都會送入。
func (c *Client) Run(ctx context.Context, results chan<- Result) error {
	if err := c.pool.Start(c.cfg.Workers); err != nil {
		return err
	}

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			r, err := c.pool.ReceiveResult()
			if err != nil {
				return
			}
			<-c.slots
			if results != nil {
				results <- r
			}
		}
	}()

	slog.Info("build client started", "name", c.cfg.ClientName, "configs", c.cfg.Configs, "workers", c.cfg.Workers)
	for {
		claimed := false
		select {
		case <-ctx.Done():
		case c.slots <- struct{}{}:
			var err error
			claimed, err = c.claimNext(ctx)
			if err != nil && ctx.Err() == nil {
				slog.Warn("poll failed", "error", err)
			}
			if !claimed {
				<-c.slots
			}
		}
		if ctx.Err() != nil {
			break
		}
		if !claimed {
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.PollInterval):
			}
		}
	}

	c.drain()
	<-collected
	return nil
}

// drain 等待所有執行中的任務回報後停止 Pool
func (c *Client) drain() {
	for i := 0; i < cap(c.slots); i++ {
		c.slots <- struct{}{}
	}
	c.pool.Stop()
}

// claimNext 依序輪詢每個 config，認領第一個成功的任務並提交給 Pool。
// 認領競爭失敗（BadRequest）時嘗試佇列中的下一個。
func (c *Client) claimNext(ctx context.Context) (bool, error) {
	for _, config := range c.cfg.Configs {
		queue, err := c.source.ReadyJobs(ctx, controller.PollRequest{
			BuildKey:   c.cfg.BuildKey,
			Config:     config,
			ClientName: c.cfg.ClientName,
		})
		if err != nil {
			return false, err
		}
		for _, q := range queue {
			desc, err := c.source.ClaimJob(ctx, controller.ClaimRequest{
				BuildKey:   c.cfg.BuildKey,
				Config:     config,
				ClientName: c.cfg.ClientName,
				JobID:      q.ID,
			})
			if errors.Is(err, store.ErrBadRequest) || errors.Is(err, store.ErrNotFound) {
				slog.Debug("claim lost", "jobID", q.ID, "error", err)
				continue
			}
			if err != nil {
				return false, err
			}
			slog.Info("claimed job", "jobID", desc.JobID, "recipe", desc.RecipeName, "config", config)
			if err := c.pool.Submit(Task{Job: desc, Timeout: c.cfg.JobTimeout}); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}
