package util

import (
	"fmt"
	"strings"

	c "aiofile/internal"
)

// HexRows renders up to limit bytes of data as offset-prefixed rows of u32 chunks.
// Used for debug logs and for read-back mismatch reports.
func HexRows(data []byte, limit int) string {
	if limit > len(data) {
		limit = len(data)
	}

	const bytesPerRow = 32
	var b strings.Builder
	for i := 0; i < limit; i += bytesPerRow {
		fmt.Fprintf(&b, "+%04x | ", i)
		for j := 0; j < bytesPerRow && i+j < limit; j += c.LEN_U32 {
			end := min(i+j+c.LEN_U32, limit)
			fmt.Fprintf(&b, "%x ", data[i+j:end])
			// Space every 16 bytes to keep your eyes from crossing
			if (j+c.LEN_U32)%16 == 0 {
				b.WriteByte(' ')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// splitmix64
func Hash(val uint64) uint64 {
	x := val + 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x = x ^ (x >> 31)
	return x
}

// FillPattern writes a deterministic pseudo-random pattern derived from seed into buf.
// The same (seed, len) always produces the same bytes, so a reader can check data it did not write.
func FillPattern(buf []byte, seed uint64) {
	var word [c.LEN_U64]byte
	for i := 0; i < len(buf); i += c.LEN_U64 {
		c.Bin.PutUint64(word[:], Hash(seed+uint64(i)))
		copy(buf[i:], word[:])
	}
}
