package logging

import (
	"bytes"
	"os"
	"sync"
)

// RingBuffer keeps the most recent bytes written to it. It is attached to the
// log output so a crash dump can be produced without reading the log file.
type RingBuffer struct {
	mu    sync.Mutex
	data  []byte
	start int
	size  int
	limit int
}

// NewRingBuffer creates a buffer holding at most limit bytes.
func NewRingBuffer(limit int) *RingBuffer {
	if limit <= 0 {
		limit = 4 * 1024 * 1024
	}
	return &RingBuffer{data: make([]byte, limit), limit: limit}
}

// Write implements io.Writer. Oldest bytes are overwritten once full.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	if n >= rb.limit {
		copy(rb.data, p[n-rb.limit:])
		rb.start = 0
		rb.size = rb.limit
		return n, nil
	}

	end := (rb.start + rb.size) % rb.limit
	first := copy(rb.data[end:], p)
	if first < n {
		copy(rb.data, p[first:])
	}

	rb.size += n
	if rb.size > rb.limit {
		rb.start = (rb.start + rb.size - rb.limit) % rb.limit
		rb.size = rb.limit
	}
	return n, nil
}

// Bytes returns the buffered bytes in write order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, rb.size)
	head := copy(out, rb.data[rb.start:min(rb.start+rb.size, rb.limit)])
	if head < rb.size {
		copy(out[head:], rb.data[:rb.size-head])
	}
	return out
}

// Lines returns the buffered content starting at the first complete line,
// dropping a record that was partially overwritten.
func (rb *RingBuffer) Lines() []byte {
	b := rb.Bytes()
	rb.mu.Lock()
	wrapped := rb.size == rb.limit
	rb.mu.Unlock()
	if !wrapped {
		return b
	}
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[i+1:]
	}
	return b
}

// DumpToFile writes the complete buffered lines to path.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Lines(), 0o600)
}
