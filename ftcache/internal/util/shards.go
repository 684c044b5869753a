package util

import "runtime"

// IsPowerOfTwo reports whether x is a power of two (> 0).
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && (x&(x-1)) == 0
}

// NextPow2 returns the smallest power of two >= x.
//   - x == 0  -> 1
//   - if the exact next power would overflow 64 bits, the result is
//     clamped to 1<<63
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}

// ReasonableShardCount picks a practical default shard count based on CPU
// parallelism: nextPow2(2*GOMAXPROCS), clamped to [1..256]. Used to size
// the default worker pool behind Executor; the cache's segment count does
// not use it (ConcurrencyLevel defaults to a fixed 4).
func ReasonableShardCount() int {
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	n := int(NextPow2(uint64(p * 2)))
	if n < 1 {
		n = 1
	}
	if n > 256 {
		n = 256
	}
	return n
}

// ShardIndex maps a 64-bit hash to a shard index in [0, shards). Unlike the
// power-of-two masking some sharded caches use, this is a plain modulo:
// FaultTolerantCache's ConcurrencyLevel is a small user-chosen count (default
// 4), not an auto-sized power of two, so there is no mask to exploit.
func ShardIndex(hash uint64, shards int) int {
	if shards <= 1 {
		return 0
	}
	return int(hash % uint64(shards))
}
