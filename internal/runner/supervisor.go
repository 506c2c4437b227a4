// Package runner 管理 coding agent (claude CLI) 子进程的生命周期。
//
// 全局同一时刻至多一个 Invocation: 新请求在已有运行时直接以 ErrBusy 拒绝, 不排队。
// 每次运行:
//   - stdout 逐行送入 streamjson 解码器和进度面板, 同时完整保留原始输出用于摘要
//   - stderr 保留尾部并逐行写入日志
//   - 使用 --resume 续接时若检测到会话失效, 清除 token 并不带续接重试一次
//
// 生命周期: Start/Execute → (Abort) → Result。
package runner

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multi-agent/agent-relay/internal/progress"
	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
	"github.com/multi-agent/agent-relay/pkg/logger"
	"github.com/multi-agent/agent-relay/pkg/util"
)

// RunStatus Invocation 终止状态。
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusExited  RunStatus = "exited"
	StatusErrored RunStatus = "errored"
	StatusAborted RunStatus = "aborted"
)

const (
	defaultMaxTurns       = 30
	defaultMaxOutputBytes = 32 << 20
	waitDelay             = 2 * time.Second
)

// Options 单次执行参数。
type Options struct {
	Cwd              string // 为空时使用默认工作目录
	MaxTurns         int    // <=0 使用配置默认值
	SkipContinuation bool   // 不带 --resume
	SourceIsBridge   bool   // 请求来自聊天桥: 进度面板推送到聊天
	CollectOutput    bool   // 调用方自行处理摘要, 不自动发送到聊天

	noRetry bool
}

// Result 一次 Invocation 的最终结果。
type Result struct {
	InvocationID string    `json:"invocation_id"`
	Status       RunStatus `json:"status"`
	Summary      string    `json:"summary"`
	ExitCode     int       `json:"exit_code"`
	Signal       string    `json:"signal,omitempty"`
	Retried      bool      `json:"retried"`
	Prompt       string    `json:"prompt"`
	Cwd          string    `json:"cwd"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Error        string    `json:"error,omitempty"`
	Err          error     `json:"-"`
}

// Config Supervisor 配置。
type Config struct {
	Binary         string   // 显式指定的 agent 路径, 优先于默认安装位置
	ExtraPaths     []string // 额外候选路径
	MaxTurns       int
	CommandPrefix  string // 如 "/claude", 执行前从 prompt 中去掉
	MaxOutputBytes int
	DefaultCwd     string
	Home           string // 为空时取 os.UserHomeDir
}

// TokenStore 持久化续接 token。
type TokenStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Observer UI 侧观察者。回调在读取 goroutine 中同步执行, 实现方不得阻塞。
type Observer interface {
	OnStdout(invocationID string, chunk []byte)
	OnStderr(invocationID string, chunk []byte)
	OnExit(res Result)
	OnError(invocationID string, err error)
	OnTokenChanged(token string)
}

// Reporter 聊天侧: 承载实时进度消息并发送最终摘要。
type Reporter interface {
	progress.Sink
	SendResponse(ctx context.Context, text string) error
	Enabled() bool
}

// RunRecord 运行历史记录。
type RunRecord struct {
	ID         string
	Prompt     string
	Cwd        string
	Status     string
	ExitCode   int
	Signal     string
	Summary    string
	Error      string
	Retried    bool
	FromChat   bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder 保存运行历史。
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// RecorderFunc 函数适配器。
type RecorderFunc func(ctx context.Context, rec RunRecord) error

// RecordRun 实现 Recorder。
func (f RecorderFunc) RecordRun(ctx context.Context, rec RunRecord) error { return f(ctx, rec) }

// Deps 可选协作者, 均可为 nil。
type Deps struct {
	Tokens   TokenStore
	Observer Observer
	Reporter Reporter
	Recorder Recorder
}

// StatusInfo 状态快照。
type StatusInfo struct {
	Running      bool      `json:"running"`
	InvocationID string    `json:"invocation_id,omitempty"`
	PID          int       `json:"pid,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
	Cwd          string    `json:"cwd,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	Retried      bool      `json:"retried,omitempty"`
	HasToken     bool      `json:"has_token"`
	DefaultCwd   string    `json:"default_cwd"`
	Last         *Result   `json:"last,omitempty"`
}

// Supervisor 持有唯一的活动 Invocation 和共享的续接 token。并发安全。
type Supervisor struct {
	cfg  Config
	ctx  context.Context
	home string

	tokens TokenStore

	mu         sync.Mutex
	active     *invocation
	token      string
	defaultCwd string
	last       *Result
	observer   Observer
	reporter   Reporter
	recorder   Recorder

	rendererOpts []progress.Option
}

// NewSupervisor 创建 Supervisor 并从 TokenStore 载入上次的续接 token。
// ctx 贯穿所有运行期间的出站调用 (进度推送、摘要发送、历史记录)。
func NewSupervisor(ctx context.Context, cfg Config, deps Deps) *Supervisor {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	home := cfg.Home
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	s := &Supervisor{
		cfg:        cfg,
		ctx:        ctx,
		home:       home,
		tokens:     deps.Tokens,
		defaultCwd: cfg.DefaultCwd,
		observer:   deps.Observer,
		reporter:   deps.Reporter,
		recorder:   deps.Recorder,
	}
	if s.tokens != nil {
		tok, err := s.tokens.Load(ctx)
		if err != nil {
			logger.Warn("runner: load continuation token failed", logger.FieldError, err)
		}
		s.token = tok
	}
	return s
}

// SetObserver 替换 UI 观察者。
func (s *Supervisor) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// SetReporter 替换聊天侧 Reporter。
func (s *Supervisor) SetReporter(r Reporter) {
	s.mu.Lock()
	s.reporter = r
	s.mu.Unlock()
}

// SetRecorder 替换运行历史记录器。
func (s *Supervisor) SetRecorder(r Recorder) {
	s.mu.Lock()
	s.recorder = r
	s.mu.Unlock()
}

// Start 启动一次 Invocation, 立即返回。结果通过返回的 channel 送达 (恰好一个值, 随后关闭)。
//
// 错误: ErrInvalidWorkDir (cwd 不存在), ErrBusy (已有运行), ErrSpawnFailed (启动失败);
// ctx 已取消时返回 ctx.Err() 且不启动进程。任何错误路径都不会占用运行槽位。
func (s *Supervisor) Start(ctx context.Context, prompt string, opts Options) (<-chan Result, error) {
	const op = "runner.Start"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defCwd := s.defaultCwd
	s.mu.Unlock()

	cwd := util.FirstNonEmpty(opts.Cwd, defCwd)
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	absCwd, err := validateWorkDir(cwd)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidWorkDir, op, "working directory %q", cwd)
	}

	prompt = stripCommandPrefix(prompt, s.cfg.CommandPrefix)
	if prompt == "" {
		return nil, apperrors.WithCode(apperrors.ErrInvalidInput, op, "empty_prompt", "empty prompt")
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = s.cfg.MaxTurns
	}

	inv := &invocation{
		id:        uuid.NewString(),
		prompt:    prompt,
		cwd:       absCwd,
		opts:      opts,
		startedAt: time.Now(),
		done:      make(chan Result, 1),
	}

	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.active != nil {
		running := s.active.id
		s.mu.Unlock()
		return nil, apperrors.Wrapf(apperrors.ErrBusy, op, "invocation %s still running", running)
	}
	s.active = inv
	token := s.token
	s.mu.Unlock()

	if opts.SkipContinuation {
		token = ""
	}
	att, err := s.spawn(inv, token)
	if err != nil {
		s.release(inv)
		logger.FromContext(ctx).Error("runner: spawn failed",
			logger.FieldInvocationID, inv.id, logger.FieldCwd, absCwd, logger.FieldError, err)
		return nil, apperrors.Wrap(apperrors.ErrSpawnFailed, op, err.Error())
	}

	util.SafeGo("runner", func() { s.run(inv, att) }, func(any) { s.release(inv) })
	return inv.done, nil
}

// Execute 同步执行: Start 后等待结果。ctx 取消时返回 ctx.Err(), 进程继续运行 (需显式 Abort)。
func (s *Supervisor) Execute(ctx context.Context, prompt string, opts Options) (Result, error) {
	ch, err := s.Start(ctx, prompt, opts)
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Abort 终止活动进程并立即释放运行槽位 (不等待退出)。返回被终止进程的 pid。
func (s *Supervisor) Abort() (int, error) {
	s.mu.Lock()
	inv := s.active
	if inv == nil {
		s.mu.Unlock()
		return 0, apperrors.Wrap(apperrors.ErrNoActiveProcess, "runner.Abort", "no active process")
	}
	inv.aborted = true
	s.active = nil
	att := inv.current
	s.mu.Unlock()

	if att == nil {
		return 0, nil
	}
	att.renderer.Finish()
	pid := att.cmd.Process.Pid
	if err := terminate(att.cmd.Process, att.exited); err != nil {
		logger.Warn("runner: terminate failed",
			logger.FieldInvocationID, inv.id, logger.FieldPID, pid, logger.FieldError, err)
	}
	logger.Info("runner: aborted", logger.FieldInvocationID, inv.id, logger.FieldPID, pid)
	return pid, nil
}

// Status 返回当前状态快照。
func (s *Supervisor) Status() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := StatusInfo{
		HasToken:   s.token != "",
		DefaultCwd: s.defaultCwd,
	}
	if s.last != nil {
		last := *s.last
		info.Last = &last
	}
	if inv := s.active; inv != nil {
		info.Running = true
		info.InvocationID = inv.id
		info.Prompt = inv.prompt
		info.Cwd = inv.cwd
		info.StartedAt = inv.startedAt
		info.Retried = inv.retried
		if inv.current != nil {
			info.PID = inv.current.cmd.Process.Pid
		}
	}
	return info
}

// Busy 是否有活动 Invocation。
func (s *Supervisor) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Token 当前续接 token。
func (s *Supervisor) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// ClearToken 清除续接 token, 下一次运行开启新会话。
func (s *Supervisor) ClearToken(ctx context.Context) error {
	s.mu.Lock()
	s.token = ""
	obs := s.observer
	s.mu.Unlock()

	if obs != nil {
		obs.OnTokenChanged("")
	}
	if s.tokens != nil {
		if err := s.tokens.Clear(ctx); err != nil {
			return apperrors.Wrap(err, "runner.ClearToken", "clear token store")
		}
	}
	return nil
}

// SetDefaultCwd 设置默认工作目录 (目录选择结果)。
func (s *Supervisor) SetDefaultCwd(dir string) error {
	abs, err := validateWorkDir(dir)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrInvalidWorkDir, "runner.SetDefaultCwd", "working directory %q", dir)
	}
	s.mu.Lock()
	s.defaultCwd = abs
	s.mu.Unlock()
	logger.Info("runner: default cwd changed", logger.FieldCwd, abs)
	return nil
}

// release 释放运行槽位 (仅当 inv 仍是活动 Invocation)。
func (s *Supervisor) release(inv *invocation) {
	s.mu.Lock()
	if s.active == inv {
		s.active = nil
	}
	s.mu.Unlock()
}

// isCurrentLocked 过期回调保护: Abort 之后到达的输出不得修改共享状态。
func (s *Supervisor) isCurrentLocked(inv *invocation) bool {
	return s.active == inv && !inv.aborted
}

func (s *Supervisor) isCurrent(inv *invocation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCurrentLocked(inv)
}

func (s *Supervisor) collaborators() (Observer, Reporter, Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer, s.reporter, s.recorder
}
