package wal

// ============================================================================
// WAL 工具函式
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// tailInfo 最後一個完整交易的位置
type tailInfo struct {
	seq   uint64
	txSeq uint64
	size  int64 // 完整交易結束處的位元組數
}

// scanTail 掃描檔案，找出最後一個帶 TxEnd 的紀錄
func scanTail(path string) (tailInfo, error) {
	var info tailInfo

	file, err := os.Open(path)
	if err != nil {
		return info, err
	}
	defer file.Close()

	var offset int64
	reader := bufio.NewReader(file)
	for {
		line, readErr := reader.ReadBytes('\n')
		if readErr == nil && len(bytes.TrimSpace(line)) > 0 {
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				return info, &CorruptionError{Seq: info.seq, Offset: offset, Cause: err}
			}
			if rec.TxEnd {
				info.seq = rec.Seq
				info.txSeq = rec.TxSeq
				info.size = offset + int64(len(line))
			}
		}
		offset += int64(len(line))

		if readErr == io.EOF {
			return info, nil
		}
		if readErr != nil {
			return info, readErr
		}
	}
}

// GetLastEvent 讀取最後一筆已提交的紀錄
func GetLastEvent(path string) (*Record, error) {
	var last *Record
	err := replayFile(path, func(rec Record) error {
		r := rec
		last = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算已提交的紀錄數
func CountEvents(path string) (int, error) {
	count := 0
	err := replayFile(path, func(Record) error {
		count++
		return nil
	})
	return count, err
}

// ValidateWAL 檢查所有紀錄可解析、校驗和正確且 seq 連續
func ValidateWAL(path string) error {
	var lastSeq uint64
	return replayFile(path, func(rec Record) error {
		if lastSeq != 0 && rec.Seq != lastSeq+1 {
			return fmt.Errorf("wal: sequence gap: %d follows %d", rec.Seq, lastSeq)
		}
		lastSeq = rec.Seq
		return nil
	})
}

// DumpWAL 以人類可讀格式輸出紀錄
func DumpWAL(path string, w io.Writer) error {
	return replayFile(path, func(rec Record) error {
		ts := time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339)
		_, err := fmt.Fprintf(w, "[Seq:%d Tx:%d] %s %s %d at %s (checksum:0x%08x)\n",
			rec.Seq, rec.TxSeq, rec.Op, rec.Kind, rec.ID, ts, rec.Checksum)
		return err
	})
}

// ReplayAfter 唯讀重放 seq 大於 after 的已提交紀錄，回傳重放筆數
func ReplayAfter(path string, after uint64, handler RecordHandler) (int, error) {
	n := 0
	err := replayFile(path, func(rec Record) error {
		if rec.Seq <= after {
			return nil
		}
		n++
		return handler(rec)
	})
	return n, err
}
