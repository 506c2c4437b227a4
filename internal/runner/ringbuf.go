package runner

import "sync"

// stderrTailBytes 每次调用保留的 stderr 尾部字节数。
const stderrTailBytes = 16 << 10

// RingBuffer 环形缓冲区，保留最近 limit 字节输出。
type RingBuffer struct {
	mu    sync.Mutex
	data  []byte
	limit int
}

// NewRingBuffer 创建容量为 limit 字节的环形缓冲区。
func NewRingBuffer(limit int) *RingBuffer {
	return &RingBuffer{
		data:  make([]byte, 0, limit),
		limit: limit,
	}
}

// Write 追加数据，超出容量则丢弃旧数据 (复用底层数组)。实现 io.Writer。
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(p) >= rb.limit {
		rb.data = append(rb.data[:0], p[len(p)-rb.limit:]...)
		return len(p), nil
	}
	rb.data = append(rb.data, p...)
	if len(rb.data) > rb.limit {
		excess := len(rb.data) - rb.limit
		n := copy(rb.data, rb.data[excess:])
		rb.data = rb.data[:n]
	}
	return len(p), nil
}

// Bytes 返回缓冲区内容的副本。
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, len(rb.data))
	copy(out, rb.data)
	return out
}

// String 返回缓冲区内容。
func (rb *RingBuffer) String() string {
	return string(rb.Bytes())
}

// Reset 清空缓冲区。
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.data = rb.data[:0]
}
