package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// BufferPool is a thread-safe pool of relay chunks backed by valyala/bytebufferpool.
// Every buffer handed out has at least the configured capacity.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a new BufferPool that manages buffers of the specified size.
func NewBufferPool(bufferSize int) *BufferPool {
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Size returns the capacity guaranteed for buffers from Get.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}

// Get retrieves an empty buffer with capacity for at least Size bytes.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}
