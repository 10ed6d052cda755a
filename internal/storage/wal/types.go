package wal

import "encoding/json"

// ============================================================================
// WAL 型別定義
// 職責：定義 WAL 紀錄的資料結構
// ============================================================================

// Kind 紀錄所屬的實體種類
type Kind string

const (
	KindUser        Kind = "user"
	KindClient      Kind = "client"
	KindRecipe      Kind = "recipe"
	KindEvent       Kind = "event"
	KindJob         Kind = "job"
	KindStepResult  Kind = "step_result"
	KindPullRequest Kind = "pull_request"
	KindBranch      Kind = "branch"
)

// Op 紀錄的操作
type Op string

const (
	OpPut    Op = "PUT"    // 新增或覆寫整筆實體
	OpDelete Op = "DELETE" // 刪除實體
)

// Record 一筆已提交的實體變更。
// 同一個交易的紀錄共用 TxSeq，最後一筆標記 TxEnd；重放時整批套用。
type Record struct {
	Seq       uint64          `json:"seq"`    // 紀錄序號（單調遞增）
	TxSeq     uint64          `json:"tx_seq"` // 交易序號
	TxEnd     bool            `json:"tx_end,omitempty"`
	Op        Op              `json:"op"`
	Kind      Kind            `json:"kind"`
	ID        int64           `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"` // 實體的 JSON，DELETE 時為空
	Timestamp int64           `json:"timestamp"`      // Unix 毫秒
	Checksum  uint32          `json:"checksum"`       // CRC32
}

// RecordHandler 重放時套用單筆紀錄
type RecordHandler func(rec Record) error
