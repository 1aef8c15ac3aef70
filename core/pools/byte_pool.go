// Package pools provides reusable byte buffers for the hot paths of a
// call: per-partition parameter encoding (core/bind) and wire-protocol
// read buffering (core/csm). Both run once per armed connection per
// call, many times a second in a busy proxy, so reusing backing arrays
// matters even though a call's lifetime is short.
package pools

import "sync"

// BytePool is a multi-tiered byte slice pool for different size classes.
type BytePool struct {
	pools []*sync.Pool
	sizes []int
}

// domainSizes covers this engine's actual allocation shapes: a scalar
// parameter or column value (int8/text codecs), a handful of split-array
// elements, a full wire-protocol read chunk, and a fallback tier for
// large split arrays or wide rows.
var domainSizes = []int{
	64,    // scalar parameter/column values
	1024,  // small split-array payloads, short rows
	16384, // wire-protocol read chunk (core/csm.readChunk)
	65536, // large split-array payloads
}

// NewBytePool creates a new byte pool with the domain's standard tiers.
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(domainSizes)
}

// NewBytePoolWithSizes creates a byte pool with custom size tiers.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}

	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}

	return bp
}

// Get returns a byte slice of at least the requested size.
func (bp *BytePool) Get(size int) []byte {
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			bufPtr := bp.pools[i].Get().(*[]byte)
			buf := *bufPtr
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a byte slice to the pool it came from, identified by
// capacity. A slice not matching any tier's capacity (grown past it, or
// never obtained from Get) is left for the GC.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

// Global byte pool instance shared by core/bind and core/csm.
var globalBytePool = NewBytePool()

// GetBytes is a convenience function using the global pool.
func GetBytes(size int) []byte {
	return globalBytePool.Get(size)
}

// PutBytes returns bytes to the global pool.
func PutBytes(buf []byte) {
	globalBytePool.Put(buf)
}
