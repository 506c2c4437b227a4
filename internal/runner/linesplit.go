package runner

import "bytes"

// maxPendingLine 未换行的残留数据上限, 超出则整行丢弃。
const maxPendingLine = 8 << 20

// lineSplitter 把任意切分的字节块还原为完整行, 按到达顺序回调。
// 非并发安全: 每个流由单个读取 goroutine 独占。
type lineSplitter struct {
	buf       []byte
	onLine    func(line []byte)
	overflown bool
}

func newLineSplitter(onLine func(line []byte)) *lineSplitter {
	return &lineSplitter{onLine: onLine}
}

func (l *lineSplitter) Write(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			l.appendPending(p)
			return
		}
		l.appendPending(p[:i])
		if !l.overflown {
			l.onLine(bytes.TrimRight(l.buf, "\r"))
		}
		l.buf = l.buf[:0]
		l.overflown = false
		p = p[i+1:]
	}
}

func (l *lineSplitter) appendPending(p []byte) {
	if l.overflown {
		return
	}
	if len(l.buf)+len(p) > maxPendingLine {
		l.overflown = true
		l.buf = l.buf[:0]
		return
	}
	l.buf = append(l.buf, p...)
}

// Flush 处理流结束时没有换行的最后一行。
func (l *lineSplitter) Flush() {
	if len(l.buf) > 0 && !l.overflown {
		l.onLine(bytes.TrimRight(l.buf, "\r"))
	}
	l.buf = l.buf[:0]
	l.overflown = false
}
