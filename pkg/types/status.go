package types

// Status 狀態值，步驟、任務、事件、PR/分支共用同一組狀態
type Status string

// 定義狀態常數
const (
	StatusNotStarted Status = "not_started" // 尚未開始
	StatusRunning    Status = "running"     // 執行中
	StatusSuccess    Status = "success"     // 成功
	StatusFailedOK   Status = "failed_ok"   // 失敗但允許失敗
	StatusFailed     Status = "failed"      // 失敗
	StatusCanceled   Status = "canceled"    // 已取消
)

// AllStatuses 依嚴重度由低至高排列
var AllStatuses = []Status{
	StatusNotStarted,
	StatusRunning,
	StatusSuccess,
	StatusFailedOK,
	StatusFailed,
	StatusCanceled,
}

// precedence 合併時的優先順序：
// canceled > failed > failed_ok > running > not_started > success
//
// success 排在最低：只有全部子狀態都是 success 時結果才是 success，
// 任何一個 not_started 都會把結果拉回 not_started。
func (s Status) precedence() int {
	switch s {
	case StatusCanceled:
		return 5
	case StatusFailed:
		return 4
	case StatusFailedOK:
		return 3
	case StatusRunning:
		return 2
	case StatusSuccess:
		return 0
	default:
		return 1
	}
}

// Valid 檢查是否為已知狀態
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal 除 not_started / running 以外皆為終止狀態
func (s Status) IsTerminal() bool {
	return s != StatusNotStarted && s != StatusRunning
}

// IsFailure 回報是否屬於失敗類（failed 或 failed_ok）
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusFailedOK
}

// Combine 合併兩個子狀態
func Combine(a, b Status) Status {
	if a.precedence() >= b.precedence() {
		return normalize(a)
	}
	return normalize(b)
}

// Fold 將一組子狀態合併為父狀態。空集合回傳 not_started。
func Fold(statuses ...Status) Status {
	if len(statuses) == 0 {
		return StatusNotStarted
	}
	result := statuses[0]
	for _, s := range statuses[1:] {
		result = Combine(result, s)
	}
	return normalize(result)
}

func normalize(s Status) Status {
	if !s.Valid() {
		return StatusNotStarted
	}
	return s
}
