package storage

import (
	"bytes"
	"encoding/binary"
	"time"
)

// keySep separates the parts of a composite key. IDs are UUIDs and names
// are validated printable strings, so the zero byte never appears inside a
// part.
const keySep = byte(0x00)

// compositeKey joins parts with keySep.
func compositeKey(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p) + 1
	}
	key := make([]byte, 0, size)
	for i, p := range parts {
		if i > 0 {
			key = append(key, keySep)
		}
		key = append(key, p...)
	}
	return key
}

// splitKey undoes compositeKey.
func splitKey(key []byte) [][]byte {
	return bytes.Split(key, []byte{keySep})
}

// tsKey encodes t as 8 big-endian bytes of Unix milliseconds so that byte
// order matches time order. The zero time encodes as all zeros.
func tsKey(t time.Time) []byte {
	var buf [8]byte
	if !t.IsZero() {
		binary.BigEndian.PutUint64(buf[:], uint64(t.UnixMilli()))
	}
	return buf[:]
}

// tsFromKey decodes an 8-byte tsKey segment.
func tsFromKey(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	ms := binary.BigEndian.Uint64(b)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

// prefixSuccessor returns the smallest key greater than every key that has
// prefix p, or nil when p is all 0xff.
func prefixSuccessor(p []byte) []byte {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] != 0xff {
			succ := make([]byte, i+1)
			copy(succ, p[:i+1])
			succ[i]++
			return succ
		}
	}
	return nil
}
