package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 紀錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算紀錄的 CRC32 校驗和
//
// 涵蓋 Seq、TxSeq、TxEnd、Op、Kind、ID 與 Data；不含 Timestamp 與 Checksum 本身。
func CalculateChecksum(rec Record) uint32 {
	var num [8]byte
	h := crc32.NewIEEE()

	binary.BigEndian.PutUint64(num[:], rec.Seq)
	h.Write(num[:])
	binary.BigEndian.PutUint64(num[:], rec.TxSeq)
	h.Write(num[:])
	if rec.TxEnd {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write([]byte(rec.Op))
	h.Write([]byte{0})
	h.Write([]byte(rec.Kind))
	h.Write([]byte{0})
	binary.BigEndian.PutUint64(num[:], uint64(rec.ID))
	h.Write(num[:])
	h.Write(rec.Data)

	return h.Sum32()
}

// VerifyChecksum 驗證紀錄的校驗和
func VerifyChecksum(rec Record) error {
	expected := CalculateChecksum(rec)
	if rec.Checksum != expected {
		return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return nil
}
