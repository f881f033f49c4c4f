// Package optimize holds allocation helpers for the transfer hot path.
package optimize

import (
	"sync"
	"sync/atomic"
)

// ChunkBuffers recycles chunk-sized read buffers between transfers.
type ChunkBuffers struct {
	size      int
	pool      sync.Pool
	allocated atomic.Int64
}

func NewChunkBuffers(size int) *ChunkBuffers {
	cb := &ChunkBuffers{size: size}
	cb.pool.New = func() any {
		cb.allocated.Add(1)
		b := make([]byte, size)
		return &b
	}
	return cb
}

// Size is the length of every buffer Acquire returns.
func (cb *ChunkBuffers) Size() int { return cb.size }

// Allocated counts buffers created because none were free.
func (cb *ChunkBuffers) Allocated() int64 { return cb.allocated.Load() }

func (cb *ChunkBuffers) Acquire() []byte {
	return *cb.pool.Get().(*[]byte)
}

// Release returns b for reuse. Slices re-sliced below the chunk size keep
// their backing array; foreign buffers with less capacity are dropped.
func (cb *ChunkBuffers) Release(b []byte) {
	if cap(b) < cb.size {
		return
	}
	b = b[:cb.size]
	cb.pool.Put(&b)
}
