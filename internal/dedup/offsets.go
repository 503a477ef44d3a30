package dedup

import (
	"crypto/md5" //nolint:gosec // bit placement only, not a security boundary
	"encoding/binary"
)

// Offsets returns the hashCount bit positions of value in a bitmap of
// bitmapSize bits. Both hash functions come from one MD5 digest: its two
// little-endian 64-bit halves h1 and h2 combine as h1 + i*h2.
func Offsets(value string, bitmapSize int64, hashCount int) []int64 {
	sum := md5.Sum([]byte(value)) //nolint:gosec // see import
	h1 := int64(binary.LittleEndian.Uint64(sum[0:8]))
	h2 := int64(binary.LittleEndian.Uint64(sum[8:16]))

	offsets := make([]int64, hashCount)
	for i := 0; i < hashCount; i++ {
		combined := h1 + int64(i)*h2
		if combined < 0 {
			combined = ^combined
		}
		offsets[i] = combined % bitmapSize
	}
	return offsets
}
