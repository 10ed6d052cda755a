package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 以交易為單位追加紀錄（append-only，JSON lines）
// 2. 重放紀錄以恢復儲存層狀態
// 3. 快照後旋轉日誌
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法，測試時可替換
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64 // 最後配置的紀錄序號
	txSeq        uint64 // 最後配置的交易序號
	syncOnAppend bool   // 每次 Append 都 fsync
	closed       bool

	buffer        []Record
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// NewWAL 建立或開啟一個 WAL
//
// 檔案已存在時，從最後一個完整交易接續 seq 與 tx_seq。
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		file:          file,
		encoder:       newEncoder(file),
		path:          path,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Record, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if stat.Size() > 0 {
		tail, err := scanTail(path)
		if err != nil {
			file.Close()
			return nil, err
		}
		// 丟棄寫入中斷的尾端，避免新紀錄接在半行之後
		if tail.size < stat.Size() {
			if err := file.Truncate(tail.size); err != nil {
				file.Close()
				return nil, err
			}
		}
		w.seq = tail.seq
		w.txSeq = tail.txSeq
	}

	return w, nil
}

// Append 以單一交易追加多筆紀錄，回傳該交易最後一筆的 seq
//
// 紀錄的 Seq、TxSeq、Timestamp 與 Checksum 由 WAL 填入。
// syncOnAppend 或 forceFlush 為真時，回傳前資料已 fsync。
func (w *WAL) Append(records []Record, forceFlush bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}
	if len(records) == 0 {
		return w.seq, nil
	}

	w.txSeq++
	now := time.Now().UnixMilli()
	for i, rec := range records {
		data, err := canonical(rec.Data)
		if err != nil {
			return 0, fmt.Errorf("wal: encode %s %d: %w", rec.Kind, rec.ID, err)
		}
		w.seq++
		rec.Seq = w.seq
		rec.TxSeq = w.txSeq
		rec.TxEnd = i == len(records)-1
		rec.Data = data
		rec.Timestamp = now
		rec.Checksum = CalculateChecksum(rec)
		w.buffer = append(w.buffer, rec)
	}

	needFlush := forceFlush || w.syncOnAppend ||
		len(w.buffer) >= w.bufferSize ||
		time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return w.seq, nil
}

// Replay 依序重放所有紀錄
//
// 尾端沒有 TxEnd 的交易（寫入中斷）視為未提交並略過；
// 中段的損毀與校驗和錯誤則回傳錯誤。
func (w *WAL) Replay(handler RecordHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	return replayFile(w.path, handler)
}

// Flush 將緩衝中的紀錄寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Rotate 將目前的日誌改名備份並開啟新檔
//
// seq 不會歸零，快照記錄的 LastSeq 在旋轉後依然有效。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = newEncoder(newFile)
	w.lastFlushTime = time.Now()
	return nil
}

// Close 寫出緩衝並關閉檔案。Close 後的 WAL 不可再使用。
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq 取得最後配置的紀錄序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// AdvanceTo 確保之後的序號大於 seq，從快照恢復後呼叫
func (w *WAL) AdvanceTo(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Path 日誌檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 呼叫端須持有 w.mu
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, rec := range w.buffer {
		if err := w.encoder.Encode(rec); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

func newEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// canonical 壓縮 JSON，讓寫入前後的位元組一致以便校驗
func canonical(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// replayFile 逐行讀取並以交易為單位呼叫 handler
func replayFile(path string, handler RecordHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var (
		pending []Record
		lastSeq uint64
		offset  int64
	)
	commit := func() error {
		for _, rec := range pending {
			if err := handler(rec); err != nil {
				return err
			}
		}
		pending = pending[:0]
		return nil
	}

	reader := bufio.NewReader(file)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			complete := readErr == nil
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				if !complete {
					// 最後一行寫到一半，丟棄尚未完整的交易
					return nil
				}
				return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
			}
			if err := VerifyChecksum(rec); err != nil {
				if !complete {
					return nil
				}
				return err
			}
			pending = append(pending, rec)
			lastSeq = rec.Seq
			if rec.TxEnd {
				if err := commit(); err != nil {
					return err
				}
			}
		}
		offset += int64(len(line))

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	return nil
}
