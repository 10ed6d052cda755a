// ============================================================================
// ci-dispatch 記憶體儲存層
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 以記憶體實作 store.Store，可選擇以 WAL + 快照持久化
//
// 設計:
//   已提交狀態存放在一份 types.SnapshotData（各實體一個 map）。
//   每個 Update 交易把 Save 的拷貝暫存在 staged，fn 成功後：
//     1. 將 staged 轉成 WAL 紀錄並寫入（有設定 WAL 時）
//     2. 套用到已提交狀態
//   fn 失敗或 WAL 寫入失敗時 staged 直接丟棄，已提交狀態不變。
//
// 並發:
//   Update 取得寫鎖，交易之間完全序列化；View 取得讀鎖。
//   因此「在交易中讀取任務」天然具有列鎖語意。
//
// 恢復:
//   載入快照 → 重放 seq 大於快照 LastSeq 的 WAL 紀錄。
//   Checkpoint 在寫鎖內寫出快照並旋轉 WAL。
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/ci-dispatch/internal/snapshot"
	"github.com/ChuLiYu/ci-dispatch/internal/storage/wal"
	"github.com/ChuLiYu/ci-dispatch/internal/store"
	"github.com/ChuLiYu/ci-dispatch/pkg/types"
)

var log = slog.Default()

// ErrReadOnly 在 View 交易中呼叫 Save
var ErrReadOnly = errors.New("read-only transaction")

// Options 持久化設定；路徑留空表示不啟用
type Options struct {
	WALPath      string
	SnapshotPath string
	SyncOnAppend bool
	// SnapshotBackups Checkpoint 覆寫快照前保留的舊快照份數，0 表示不保留
	SnapshotBackups int
}

// JobManager 記憶體儲存，實作 store.Store
type JobManager struct {
	mu      sync.RWMutex
	data    types.SnapshotData // 已提交狀態
	nextID  map[wal.Kind]int64 // 各實體最後配置的 ID
	lastSeq uint64             // 已套用的最後 WAL 序號
	wal     *wal.WAL           // 可為 nil
	snap    *snapshot.Manager  // 可為 nil
	backups int
}

var _ store.Store = (*JobManager)(nil)

// NewJobManager 建立不持久化的記憶體儲存
func NewJobManager() *JobManager {
	return &JobManager{
		data:   types.NewSnapshotData(),
		nextID: make(map[wal.Kind]int64),
	}
}

// Open 建立記憶體儲存並從快照與 WAL 恢復狀態
func Open(opts Options) (*JobManager, error) {
	jm := NewJobManager()
	jm.backups = opts.SnapshotBackups

	if opts.SnapshotPath != "" {
		jm.snap = snapshot.NewManager(opts.SnapshotPath)
		data, err := jm.snap.Load()
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		jm.Restore(data)
	}

	if opts.WALPath != "" {
		w, err := wal.NewWAL(opts.WALPath, opts.SyncOnAppend)
		if err != nil {
			return nil, fmt.Errorf("open wal: %w", err)
		}
		w.AdvanceTo(jm.lastSeq)

		replayed := 0
		err = w.Replay(func(rec wal.Record) error {
			if rec.Seq <= jm.lastSeq {
				return nil
			}
			if err := jm.applyRecord(rec); err != nil {
				return err
			}
			jm.lastSeq = rec.Seq
			replayed++
			return nil
		})
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("replay wal: %w", err)
		}
		jm.wal = w

		log.Info("store recovered",
			"snapshot_seq", jm.data.LastSeq,
			"replayed", replayed,
			"jobs", len(jm.data.Jobs),
			"events", len(jm.data.Events))
	}

	return jm, nil
}

// Inspection Inspect 的結果
type Inspection struct {
	SnapshotSeq uint64 // 快照涵蓋的最後 WAL 序號
	Replayed    int    // 快照之後重放的紀錄數
}

// Inspect 唯讀載入快照並重放其後的 WAL 紀錄。
// 不開啟 WAL 寫入，服務執行中也可使用；不存在的檔案視為空。
func Inspect(opts Options) (*JobManager, Inspection, error) {
	var in Inspection
	jm := NewJobManager()
	if opts.SnapshotPath != "" {
		data, err := snapshot.NewManager(opts.SnapshotPath).Load()
		if err != nil {
			return nil, in, fmt.Errorf("load snapshot: %w", err)
		}
		jm.Restore(data)
	}
	in.SnapshotSeq = jm.lastSeq
	if opts.WALPath == "" {
		return jm, in, nil
	}

	if err := wal.ValidateWAL(opts.WALPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return jm, in, nil
		}
		return nil, in, fmt.Errorf("validate wal: %w", err)
	}
	replayed, err := wal.ReplayAfter(opts.WALPath, jm.lastSeq, func(rec wal.Record) error {
		if err := jm.applyRecord(rec); err != nil {
			return err
		}
		jm.lastSeq = rec.Seq
		return nil
	})
	if err != nil {
		return nil, in, fmt.Errorf("replay wal: %w", err)
	}
	in.Replayed = replayed
	return jm, in, nil
}

// ============================================================================
// 交易
// ============================================================================

// Update 以獨占交易執行 fn；fn 回傳錯誤時所有變更丟棄
func (jm *JobManager) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	tx := newTx(jm, true)
	if err := fn(tx); err != nil {
		return err
	}
	return jm.commitLocked(tx)
}

// View 以唯讀交易執行 fn
func (jm *JobManager) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return fn(newTx(jm, false))
}

// commitLocked 先寫 WAL 再套用，呼叫端須持有寫鎖
func (jm *JobManager) commitLocked(tx *memTx) error {
	if tx.empty() {
		return nil
	}

	if jm.wal != nil {
		records, err := tx.records()
		if err != nil {
			return fmt.Errorf("encode wal records: %w", err)
		}
		seq, err := jm.wal.Append(records, false)
		if err != nil {
			return fmt.Errorf("append wal: %w", err)
		}
		jm.lastSeq = seq
	}

	tx.apply(&jm.data)
	return nil
}

// allocID 配置下一個 ID；交易回滾時已配置的 ID 不回收
func (jm *JobManager) allocID(kind wal.Kind) int64 {
	jm.nextID[kind]++
	return jm.nextID[kind]
}

// ============================================================================
// 快照
// ============================================================================

// Snapshot 回傳目前已提交狀態的深拷貝
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.snapshotLocked()
}

func (jm *JobManager) snapshotLocked() types.SnapshotData {
	out := copyData(jm.data)
	out.LastSeq = jm.lastSeq
	return out
}

// Restore 以快照取代目前狀態，並依最大 ID 重設配置器
func (jm *JobManager) Restore(data types.SnapshotData) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.data = copyData(data)
	jm.data.LastSeq = data.LastSeq
	jm.lastSeq = data.LastSeq

	jm.nextID = map[wal.Kind]int64{
		wal.KindUser:        maxKey(data.Users),
		wal.KindClient:      maxKey(data.Clients),
		wal.KindRecipe:      maxKey(data.Recipes),
		wal.KindEvent:       maxKey(data.Events),
		wal.KindJob:         maxKey(data.Jobs),
		wal.KindStepResult:  maxKey(data.StepResults),
		wal.KindPullRequest: maxKey(data.PullRequests),
		wal.KindBranch:      maxKey(data.Branches),
	}
}

// Checkpoint 寫出快照並旋轉 WAL
//
// 整個過程持有寫鎖，快照與新 WAL 之間不會漏掉任何交易。
func (jm *JobManager) Checkpoint() error {
	if jm.snap == nil {
		return nil
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.wal != nil {
		if err := jm.wal.Flush(); err != nil {
			return err
		}
	}
	data := jm.snapshotLocked()
	write := jm.snap.Write
	if jm.backups > 0 {
		write = func(d types.SnapshotData) error { return jm.snap.WriteWithBackup(d, jm.backups) }
	}
	if err := write(data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	jm.data.LastSeq = data.LastSeq

	if jm.wal != nil {
		if err := jm.wal.Rotate(); err != nil {
			return fmt.Errorf("rotate wal: %w", err)
		}
	}
	return nil
}

// RunSnapshotLoop 定期 Checkpoint，直到 ctx 結束
func (jm *JobManager) RunSnapshotLoop(ctx context.Context, interval time.Duration) {
	if jm.snap == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := jm.Checkpoint(); err != nil {
				log.Error("snapshot failed", "error", err)
				continue
			}
			log.Debug("snapshot written", "seq", jm.LastSeq(), "took", time.Since(start))
		}
	}
}

// LastSeq 已套用的最後 WAL 序號
func (jm *JobManager) LastSeq() uint64 {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.lastSeq
}

// Stats 回傳各實體數量與任務狀態分布
func (jm *JobManager) Stats(ctx context.Context) (store.Stats, error) {
	if err := ctx.Err(); err != nil {
		return store.Stats{}, err
	}

	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := store.Stats{
		Events:      len(jm.data.Events),
		Jobs:        len(jm.data.Jobs),
		StepResults: len(jm.data.StepResults),
		Clients:     len(jm.data.Clients),
		JobStatus:   make(map[string]int),
	}
	for _, j := range jm.data.Jobs {
		stats.JobStatus[string(j.Status)]++
	}
	return stats, nil
}

// Close 寫出最後一份快照並關閉 WAL
func (jm *JobManager) Close() error {
	var errs []error
	if err := jm.Checkpoint(); err != nil {
		errs = append(errs, err)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.wal != nil {
		if err := jm.wal.Close(); err != nil {
			errs = append(errs, err)
		}
		jm.wal = nil
	}
	return errors.Join(errs...)
}
