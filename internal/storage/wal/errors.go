package wal

import (
	"errors"
	"fmt"
)

// ============================================================================
// WAL 錯誤定義
// ============================================================================

var (
	// ErrCorruptedWAL 檔案內容無法解析
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch 校驗和不符
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL 檔案為空
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed WAL 已關閉
	ErrWALClosed = errors.New("wal: already closed")
)

// ChecksumError 校驗和錯誤的詳細資訊
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)",
		e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError 檔案損毀，Offset 為出錯紀錄的起始位元組
type CorruptionError struct {
	Seq    uint64 // 最後一筆成功讀取的序號
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedWAL
}
