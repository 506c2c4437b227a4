package runner

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/multi-agent/agent-relay/internal/progress"
	"github.com/multi-agent/agent-relay/internal/streamjson"
	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
	"github.com/multi-agent/agent-relay/pkg/logger"
	"github.com/multi-agent/agent-relay/pkg/util"
)

// shellNotFound sh/cmd 找不到命令时的退出码。
const shellNotFound = 127

// invocation 一次逻辑执行; 会话失效重试时包含两个 attempt。
// aborted/current/retried 受 Supervisor.mu 保护。
type invocation struct {
	id        string
	prompt    string
	cwd       string
	opts      Options
	startedAt time.Time
	done      chan Result

	aborted      bool
	retried      bool
	current      *attempt
	expiredToken string
}

// attempt 一个子进程。
type attempt struct {
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	viaShell bool
	token    string
	exited   chan struct{}
	renderer *progress.Renderer

	raw      *util.CappedBuffer
	errTail  *RingBuffer
	expired  atomic.Bool
	exitCode int
	signal   string
	waitErr  error
}

// spawn 启动子进程并设为 inv 的当前 attempt。
func (s *Supervisor) spawn(inv *invocation, token string) (*attempt, error) {
	path, viaShell := resolveExecutable(s.cfg.Binary, s.cfg.ExtraPaths, s.home)
	args := buildArgs(inv.prompt, inv.opts.MaxTurns, token)

	var cmd *exec.Cmd
	if viaShell {
		cmd = shellCommand(path, args)
	} else {
		cmd = exec.Command(path, args...)
	}
	cmd.Dir = inv.cwd
	cmd.Env = augmentEnv(os.Environ(), s.home)
	cmd.WaitDelay = waitDelay
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	_, rep, _ := s.collaborators()
	var sink progress.Sink
	if inv.opts.SourceIsBridge && rep != nil && rep.Enabled() {
		sink = rep
	}
	att := &attempt{
		cmd:      cmd,
		stdout:   stdout,
		stderr:   stderr,
		viaShell: viaShell,
		token:    token,
		exited:   make(chan struct{}),
		renderer: progress.NewRenderer(s.ctx, sink, s.rendererOpts...),
		raw:      util.NewCappedBuffer(s.cfg.MaxOutputBytes),
		errTail:  NewRingBuffer(stderrTailBytes),
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	inv.current = att
	aborted := inv.aborted
	s.mu.Unlock()
	if aborted {
		// Abort 发生在启动过程中
		att.renderer.Finish()
		_ = terminate(cmd.Process, att.exited)
	}

	logger.Info("runner: spawned",
		logger.FieldInvocationID, inv.id,
		logger.FieldPID, cmd.Process.Pid,
		logger.FieldCommand, path,
		logger.FieldCwd, inv.cwd,
		logger.FieldSessionToken, shortToken(token),
	)
	return att, nil
}

// run 消费输出直到退出; 会话失效时不带续接重试一次, 最后发布结果。
func (s *Supervisor) run(inv *invocation, att *attempt) {
	for {
		att.renderer.Flush()
		s.consume(inv, att)
		att.renderer.Finish()

		s.mu.Lock()
		aborted := inv.aborted
		s.mu.Unlock()

		if !att.expired.Load() || inv.opts.noRetry || aborted {
			break
		}

		logger.Warn("runner: session expired, retrying without continuation",
			logger.FieldInvocationID, inv.id, logger.FieldSessionToken, shortToken(att.token))
		if err := s.ClearToken(s.ctx); err != nil {
			logger.Warn("runner: clear expired token failed", logger.FieldError, err)
		}

		s.mu.Lock()
		inv.expiredToken = att.token
		inv.opts.SkipContinuation = true
		inv.opts.noRetry = true
		inv.retried = true
		s.mu.Unlock()

		next, err := s.spawn(inv, "")
		if err != nil {
			s.finish(inv, att, apperrors.Wrap(apperrors.ErrSpawnFailed, "runner.retry", err.Error()))
			return
		}
		att = next
	}
	s.finish(inv, att, nil)
}

// consume 并行读取 stdout/stderr, 读完后 Wait。
func (s *Supervisor) consume(inv *invocation, att *attempt) {
	stderrLog := logger.NewStderrCollector(inv.id)

	stdoutLines := newLineSplitter(func(line []byte) { s.handleStdoutLine(inv, att, line) })
	stderrLines := newLineSplitter(func(line []byte) {
		if att.token != "" && streamjson.IsSessionExpired(string(line)) {
			att.expired.Store(true)
		}
	})

	var g errgroup.Group
	g.Go(func() error {
		defer stdoutLines.Flush()
		return pump(att.stdout, func(chunk []byte) {
			_, _ = att.raw.Write(chunk)
			if obs, _, _ := s.collaborators(); obs != nil && s.isCurrent(inv) {
				obs.OnStdout(inv.id, append([]byte(nil), chunk...))
			}
			stdoutLines.Write(chunk)
		})
	})
	g.Go(func() error {
		defer stderrLines.Flush()
		return pump(att.stderr, func(chunk []byte) {
			_, _ = att.errTail.Write(chunk)
			_, _ = stderrLog.Write(chunk)
			if obs, _, _ := s.collaborators(); obs != nil && s.isCurrent(inv) {
				obs.OnStderr(inv.id, append([]byte(nil), chunk...))
			}
			stderrLines.Write(chunk)
		})
	})
	if err := g.Wait(); err != nil {
		logger.Warn("runner: read output failed", logger.FieldInvocationID, inv.id, logger.FieldError, err)
	}
	_ = stderrLog.Close()

	err := att.cmd.Wait()
	close(att.exited)

	att.exitCode = -1
	if ps := att.cmd.ProcessState; ps != nil {
		att.exitCode = ps.ExitCode()
		att.signal = exitSignal(ps)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		att.waitErr = err
	}
	if att.raw.Overflow() {
		logger.Warn("runner: stdout truncated",
			logger.FieldInvocationID, inv.id, logger.FieldMax, s.cfg.MaxOutputBytes, logger.FieldBytes, att.raw.Dropped())
	}
	logger.Info("runner: exited",
		logger.FieldInvocationID, inv.id,
		logger.FieldPID, att.cmd.Process.Pid,
		logger.FieldExitCode, att.exitCode,
		logger.FieldSignal, att.signal,
	)
}

func (s *Supervisor) handleStdoutLine(inv *invocation, att *attempt, line []byte) {
	ev, ok := streamjson.Decode(line)
	if !ok {
		return
	}
	if att.token != "" && streamjson.EventSignalsExpiry(ev) {
		att.expired.Store(true)
	}
	if ev.SkippedBlocks > 0 {
		logger.Debug("runner: extra tool_use blocks in one message ignored",
			logger.FieldInvocationID, inv.id, logger.FieldCount, ev.SkippedBlocks)
	}
	if !s.isCurrent(inv) {
		return
	}
	if ev.Kind == streamjson.KindSystem || ev.Kind == streamjson.KindResult {
		s.captureToken(inv, att, ev.SessionID)
	}
	att.renderer.OnEvent(ev)
}

// captureToken 记录 agent 报告的会话 id 作为下一次运行的续接 token。
func (s *Supervisor) captureToken(inv *invocation, att *attempt, id string) {
	if id == "" || att.expired.Load() {
		return
	}
	s.mu.Lock()
	if id == inv.expiredToken || !s.isCurrentLocked(inv) || s.token == id {
		s.mu.Unlock()
		return
	}
	s.token = id
	obs := s.observer
	s.mu.Unlock()

	if s.tokens != nil {
		if err := s.tokens.Save(s.ctx, id); err != nil {
			logger.Warn("runner: save continuation token failed", logger.FieldError, err)
		}
	}
	if obs != nil {
		obs.OnTokenChanged(id)
	}
}

// finish 构造结果, 释放槽位后依次通知观察者、记录历史、发送摘要。
func (s *Supervisor) finish(inv *invocation, att *attempt, runErr error) {
	res := Result{
		InvocationID: inv.id,
		Prompt:       inv.prompt,
		Cwd:          inv.cwd,
		StartedAt:    inv.startedAt,
		FinishedAt:   time.Now(),
		ExitCode:     att.exitCode,
		Signal:       att.signal,
	}

	s.mu.Lock()
	aborted := inv.aborted
	res.Retried = inv.retried
	s.mu.Unlock()

	raw := att.raw.String()
	switch {
	case aborted:
		res.Status = StatusAborted
		res.Summary = "Aborted."
	case runErr != nil:
		res.Status = StatusErrored
		res.Err = runErr
	case att.waitErr != nil:
		res.Status = StatusErrored
		res.Err = apperrors.Wrap(att.waitErr, "runner.wait", "agent process failed")
	case att.viaShell && att.exitCode == shellNotFound && strings.TrimSpace(raw) == "":
		res.Status = StatusErrored
		res.Err = apperrors.WithCode(apperrors.ErrSpawnFailed, "runner.resolve", "agent_not_found", "agent executable not found: "+agentName)
	default:
		res.Status = StatusExited
		res.Summary = streamjson.ExtractSummary(raw, att.exitCode)
		if strings.TrimSpace(raw) == "" && att.exitCode != 0 {
			if tail := strings.TrimSpace(att.errTail.String()); tail != "" {
				res.Summary += "\n" + util.TailRunes(tail, 500)
			}
		}
	}
	if res.Err != nil {
		res.Error = res.Err.Error()
		res.Summary = "Error: " + res.Error
	}

	s.mu.Lock()
	if s.active == inv {
		s.active = nil
	}
	last := res
	s.last = &last
	s.mu.Unlock()

	obs, rep, rec := s.collaborators()
	if obs != nil {
		if res.Err != nil {
			obs.OnError(inv.id, res.Err)
		}
		obs.OnExit(res)
	}
	if rec != nil {
		if err := rec.RecordRun(s.ctx, RunRecord{
			ID:         res.InvocationID,
			Prompt:     res.Prompt,
			Cwd:        res.Cwd,
			Status:     string(res.Status),
			ExitCode:   res.ExitCode,
			Signal:     res.Signal,
			Summary:    res.Summary,
			Error:      res.Error,
			Retried:    res.Retried,
			FromChat:   inv.opts.SourceIsBridge,
			StartedAt:  res.StartedAt,
			FinishedAt: res.FinishedAt,
		}); err != nil {
			logger.Warn("runner: record run failed", logger.FieldInvocationID, inv.id, logger.FieldError, err)
		}
	}
	if inv.opts.SourceIsBridge && !inv.opts.CollectOutput && !aborted && rep != nil && rep.Enabled() {
		if err := rep.SendResponse(s.ctx, res.Summary); err != nil {
			logger.Warn("runner: send summary failed", logger.FieldInvocationID, inv.id, logger.FieldError, err)
		}
	}

	inv.done <- res
	close(inv.done)
}

// pump 原样读取数据块; fn 不得持有 chunk。
func pump(r io.Reader, fn func(chunk []byte)) error {
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			fn(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func shortToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
