package main

import (
	"io"
	"sync"
)

// BufferPool hands out fixed size byte buffers for file copies.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a new buffer pool with specified buffer size
func NewBufferPool(size int) *BufferPool {
	bp := &BufferPool{size: size}
	bp.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return bp
}

// Get retrieves a full length buffer from the pool.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool
func (bp *BufferPool) Put(buf *[]byte) {
	if buf != nil && len(*buf) == bp.size {
		bp.pool.Put(buf)
	}
}

// copyBufferPool serves helper, script and package copies (128KB).
var copyBufferPool = NewBufferPool(128 * 1024)

// pooledCopy is io.Copy with a buffer from copyBufferPool.
func pooledCopy(dst io.Writer, src io.Reader) (int64, error) {
	buf := copyBufferPool.Get()
	defer copyBufferPool.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}
