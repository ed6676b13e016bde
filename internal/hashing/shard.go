// Package hashing picks a stable partition for a key.
package hashing

import "hash/crc32"

// Shard maps key onto one of n partitions. The mapping is fixed for a given
// n; n below one is treated as one.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(crc32.ChecksumIEEE([]byte(key)) % uint32(n))
}
