package util

import (
	"bytes"
	"io"
	"sync"
)

// LimitedWriter 限制写入字节数, 超出后静默丢弃 (防止内存耗尽)。
//
// 语义: 超限时返回 len(p) 而非 (0, ErrShortWrite), 避免 exec.Cmd 等
// 调用方误认为管道断裂。未超限时返回实际写入字节数以满足 io.Writer 契约。
// 并发安全: 读取 goroutine 写入的同时可由其他 goroutine 查询 Written/Overflow。
type LimitedWriter struct {
	mu      sync.Mutex
	w       io.Writer
	limit   int
	written int
	dropped int
}

// NewLimitedWriter 创建 LimitedWriter。
func NewLimitedWriter(w io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{w: w, limit: limit}
}

// Write 写入 p, 超限后静默丢弃。
func (lw *LimitedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	remain := lw.limit - lw.written
	if remain <= 0 {
		lw.dropped += len(p)
		return len(p), nil
	}
	if len(p) > remain {
		lw.dropped += len(p) - remain
		p = p[:remain]
	}
	n, err := lw.w.Write(p)
	lw.written += n
	return n, err
}

// Overflow 返回是否已有数据因超限被丢弃。恰好写满不算溢出。
func (lw *LimitedWriter) Overflow() bool {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.dropped > 0
}

// Written 返回实际已写入的字节数。
func (lw *LimitedWriter) Written() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.written
}

// Dropped 返回被丢弃的字节数。
func (lw *LimitedWriter) Dropped() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.dropped
}

// CappedBuffer 带上限的内存缓冲, 用于收集子进程完整输出。
type CappedBuffer struct {
	buf bytes.Buffer
	*LimitedWriter
}

// NewCappedBuffer 创建上限为 limit 字节的缓冲。
func NewCappedBuffer(limit int) *CappedBuffer {
	c := &CappedBuffer{}
	c.LimitedWriter = NewLimitedWriter(&c.buf, limit)
	return c
}

// String 返回已收集内容的快照。
func (c *CappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
