// Package progress 把一次 Invocation 的流事件汇总成紧凑的进度面板,
// 并以去抖方式推送到实时消息 (Sink)。
//
// 刷新状态机: idle → pending (已排定定时器) → flushing (正在调用 Sink) → idle。
// pending 期间的新事件被合并; flushing 期间的新事件在本次刷新结束后再排定一次。
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/multi-agent/agent-relay/internal/streamjson"
	"github.com/multi-agent/agent-relay/pkg/logger"
	"github.com/multi-agent/agent-relay/pkg/util"
)

const (
	// DefaultDelay 合并突发事件的刷新延迟。
	DefaultDelay = 300 * time.Millisecond
	// MaxSteps 面板可见步骤数, 超出按 FIFO 淘汰。
	MaxSteps = 8
	// MaxChars 单条消息字符上限。
	MaxChars = 4096

	maxSnippetRunes = 160
)

// Sink 实时进度消息的承载方 (聊天桥)。
type Sink interface {
	// UpdateProgress 创建或编辑实时消息; force 跳过节流。返回当前消息 id。
	UpdateProgress(ctx context.Context, lines []string, force bool) (int, error)
	// FinishProgress 删除实时消息并清除引用。
	FinishProgress(ctx context.Context) error
}

// StepStatus 步骤状态。
type StepStatus int

const (
	StepRunning StepStatus = iota
	StepDone
	StepError
)

func (s StepStatus) icon() string {
	switch s {
	case StepDone:
		return "✅"
	case StepError:
		return "❌"
	default:
		return "🔄"
	}
}

// Step 面板中的一行。
type Step struct {
	ToolID string
	Label  string
	Status StepStatus
}

func (s Step) String() string { return s.Status.icon() + " " + s.Label }

type flushState int

const (
	stateIdle flushState = iota
	statePending
	stateFlushing
)

// AfterFunc 定时调度, 返回取消函数。测试可替换为手动触发实现。
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option 配置 Renderer。
type Option func(*Renderer)

// WithDelay 设置刷新延迟。
func WithDelay(d time.Duration) Option { return func(r *Renderer) { r.delay = d } }

// WithAfterFunc 替换定时器实现。
func WithAfterFunc(f AfterFunc) Option { return func(r *Renderer) { r.after = f } }

// Renderer 一次 Invocation 的进度状态 (ProgressState)。并发安全。
type Renderer struct {
	sink  Sink
	delay time.Duration
	after AfterFunc
	ctx   context.Context
	log   *slog.Logger

	mu       sync.Mutex
	state    flushState
	dirty    bool
	stop     func() bool
	finished bool

	model    string
	turns    int
	snippet  string
	steps    []Step
	outstand map[string]int // toolID → 在 steps 中的下标

	// sendMu 串行化对 Sink 的调用, 保证 Finish 之后不会再有编辑落地。
	sendMu sync.Mutex
}

// NewRenderer 创建渲染器。ctx 用于所有 Sink 调用, sink 为 nil 时只维护状态。
func NewRenderer(ctx context.Context, sink Sink, opts ...Option) *Renderer {
	r := &Renderer{
		sink:     sink,
		delay:    DefaultDelay,
		after:    realAfterFunc,
		ctx:      ctx,
		log:      logger.FromContext(ctx),
		outstand: make(map[string]int),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnEvent 更新状态并排定一次刷新。Finish 之后调用无效。
func (r *Renderer) OnEvent(ev streamjson.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}

	switch ev.Kind {
	case streamjson.KindSystem:
		if ev.Model != "" {
			r.model = ev.Model
		}
	case streamjson.KindThinking:
		r.snippet = "💭 " + oneLine(ev.Text)
	case streamjson.KindText:
		r.snippet = "💬 " + oneLine(ev.Text)
	case streamjson.KindToolUse:
		r.turns++
		r.appendStep(ev)
	case streamjson.KindToolResult:
		if !r.promoteStep(ev) {
			return
		}
	default:
		return
	}
	r.scheduleLocked()
}

func (r *Renderer) appendStep(ev streamjson.Event) {
	label := ev.Tool
	if label == "" {
		label = "tool"
	}
	if arg := streamjson.ToolArgSummary(ev.Input); arg != "" {
		label += " " + arg
	}
	if len(r.steps) >= MaxSteps {
		evicted := r.steps[0]
		r.steps = r.steps[1:]
		delete(r.outstand, evicted.ToolID)
		for id, idx := range r.outstand {
			r.outstand[id] = idx - 1
		}
	}
	r.steps = append(r.steps, Step{ToolID: ev.ToolID, Label: label, Status: StepRunning})
	if ev.ToolID != "" {
		r.outstand[ev.ToolID] = len(r.steps) - 1
	}
}

// promoteStep 把匹配的 running 步骤原地改为 done/error。无匹配 (已淘汰或未知 id) 时丢弃。
func (r *Renderer) promoteStep(ev streamjson.Event) bool {
	idx, ok := r.outstand[ev.ToolID]
	if !ok || ev.ToolID == "" {
		r.log.Debug("progress: tool result without running step", logger.FieldToolID, ev.ToolID)
		return false
	}
	delete(r.outstand, ev.ToolID)
	if ev.IsError {
		r.steps[idx].Status = StepError
	} else {
		r.steps[idx].Status = StepDone
	}
	return true
}

// scheduleLocked 去抖: pending 时忽略, flushing 时标记 dirty, idle 时排定。
func (r *Renderer) scheduleLocked() {
	switch r.state {
	case statePending:
		return
	case stateFlushing:
		r.dirty = true
		return
	}
	r.state = statePending
	r.stop = r.after(r.delay, r.flush)
}

func (r *Renderer) flush() {
	r.mu.Lock()
	if r.finished || r.state != statePending {
		r.mu.Unlock()
		return
	}
	r.state = stateFlushing
	r.dirty = false
	lines := r.linesLocked()
	r.mu.Unlock()

	r.send(lines, false)

	r.mu.Lock()
	r.state = stateIdle
	if r.dirty && !r.finished {
		r.dirty = false
		r.scheduleLocked()
	}
	r.mu.Unlock()
}

func (r *Renderer) send(lines []string, force bool) {
	if r.sink == nil {
		return
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	finished := r.finished
	r.mu.Unlock()
	if finished {
		return
	}
	if _, err := r.sink.UpdateProgress(r.ctx, lines, force); err != nil {
		r.log.Debug("progress: update failed", logger.FieldError, err)
	}
}

// Flush 立即 (force) 推送当前面板, 用于需要立刻可见的时刻 (如启动时)。
func (r *Renderer) Flush() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	lines := r.linesLocked()
	r.mu.Unlock()
	r.send(lines, true)
}

// Finish 取消待定刷新并删除实时消息。可重复调用。
func (r *Renderer) Finish() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	if r.stop != nil {
		r.stop()
	}
	r.state = stateIdle
	r.mu.Unlock()

	if r.sink == nil {
		return
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if err := r.sink.FinishProgress(r.ctx); err != nil {
		r.log.Debug("progress: finish failed", logger.FieldError, err)
	}
}

// Lines 当前面板文本行 (总长度不超过 MaxChars)。
func (r *Renderer) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linesLocked()
}

// Steps 当前可见步骤快照。
func (r *Renderer) Steps() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Step(nil), r.steps...)
}

// Turns 已观察到的工具调用轮数。
func (r *Renderer) Turns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turns
}

func (r *Renderer) linesLocked() []string {
	header := fmt.Sprintf("⏳ Working… turn %d", r.turns)
	if r.model != "" {
		header += " · " + r.model
	}
	lines := []string{header}
	if r.snippet != "" {
		lines = append(lines, r.snippet)
	}
	for _, s := range r.steps {
		lines = append(lines, s.String())
	}
	return fitLines(lines, MaxChars)
}

// fitLines 保证 strings.Join(lines, "\n") 不超过 max 个字符: 先逐行截断, 再从第二行起丢弃最旧的步骤。
func fitLines(lines []string, max int) []string {
	total := 0
	for i, l := range lines {
		lines[i] = util.TruncateRunes(l, max, "…")
		total += util.RuneLen(lines[i])
	}
	total += len(lines) - 1
	for total > max && len(lines) > 1 {
		drop := 1
		if len(lines) > 2 && (strings.HasPrefix(lines[1], "💭") || strings.HasPrefix(lines[1], "💬")) {
			drop = 2
		}
		total -= util.RuneLen(lines[drop]) + 1
		lines = append(lines[:drop], lines[drop+1:]...)
	}
	return lines
}

func oneLine(s string) string {
	return util.TruncateRunes(strings.Join(strings.Fields(s), " "), maxSnippetRunes, "…")
}
