package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkBuffers(t *testing.T) {
	cb := NewChunkBuffers(1024)
	assert.Equal(t, 1024, cb.Size())

	buf := cb.Acquire()
	assert.Len(t, buf, 1024)
	assert.EqualValues(t, 1, cb.Allocated())

	cb.Release(buf[:10])
	assert.Len(t, cb.Acquire(), 1024)
}

func TestChunkBuffers_DropsSmallBuffers(t *testing.T) {
	cb := NewChunkBuffers(64)
	cb.Release(make([]byte, 8))
	assert.Len(t, cb.Acquire(), 64)
}

func BenchmarkChunkBuffers(b *testing.B) {
	cb := NewChunkBuffers(512 * 1024)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := cb.Acquire()
		buf[0] = byte(i)
		cb.Release(buf)
	}
}
