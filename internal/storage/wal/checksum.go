package wal

// ============================================================================
// Checksums
// Responsibility: compute and verify the CRC32 of WAL events
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum computes CRC32-IEEE over the event type, sequence
// number and job payload. Timestamp is not covered.
func CalculateChecksum(eventType EventType, seq uint64, job []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(eventType))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	h.Write(job)
	return h.Sum32()
}

// VerifyChecksum returns a *ChecksumError when the stored checksum is wrong.
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event.Type, event.Seq, event.Job)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
