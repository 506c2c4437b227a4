// Package orchestrator 实现聊天 → 推理后端 → agent 的多轮编排循环。
//
// 每条聊天消息启动一次运行: 推理后端的回复原样 (去掉 [EXECUTE] 块) 发回聊天,
// 回复中的命令交给 supervisor 执行, 执行摘要作为下一轮输入, 最多 MaxRounds 轮。
// 新消息到达时抢占正在进行的运行。
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/multi-agent/agent-relay/internal/config"
	"github.com/multi-agent/agent-relay/internal/reasoning"
	"github.com/multi-agent/agent-relay/internal/runner"
	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
	"github.com/multi-agent/agent-relay/pkg/logger"
	"github.com/multi-agent/agent-relay/pkg/util"
)

const (
	defaultMaxRounds    = 5
	defaultHistoryLimit = 20
)

// Reasoner 推理后端。
type Reasoner interface {
	Complete(ctx context.Context, msgs []reasoning.Message) (string, error)
}

// Agent 编排用到的 supervisor 子集。
type Agent interface {
	Busy() bool
	Abort() (int, error)
	Execute(ctx context.Context, prompt string, opts runner.Options) (runner.Result, error)
}

// Chat 编排用到的聊天出站子集。
type Chat interface {
	SendResponse(ctx context.Context, text string) error
	SendCommand(ctx context.Context, command string) error
	SendStatus(ctx context.Context, text string)
}

// Outcome 一次运行的结果。
type Outcome struct {
	Rounds    int  `json:"rounds"`
	Commands  int  `json:"commands"`
	CapHit    bool `json:"cap_hit"`
	Preempted bool `json:"preempted"` // 本次运行被后来的消息取消
}

// Loop 编排循环。历史在多次运行间共享。
type Loop struct {
	agent    Agent
	reasoner Reasoner
	chat     Chat
	cfg      config.OrchestratorConfig

	mu      sync.Mutex
	history []reasoning.Message
	cancel  context.CancelFunc
	runSeq  uint64
}

// NewLoop 创建编排循环。cfg 的零值字段取默认值。
func NewLoop(agent Agent, reasoner Reasoner, chat Chat, cfg config.OrchestratorConfig) *Loop {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Loop{agent: agent, reasoner: reasoner, chat: chat, cfg: cfg}
}

// Handle 处理一条聊天消息, 阻塞直到运行结束或被后来的消息抢占。
//
// 被抢占时返回 Outcome.Preempted=true 且 err 为 nil。
func (l *Loop) Handle(ctx context.Context, text string) (Outcome, error) {
	var out Outcome
	if text == "" {
		return out, apperrors.New("orchestrator.Handle", "empty message")
	}

	runCtx, seq := l.begin(ctx)
	defer l.end(seq)
	l.preemptAgent(runCtx)

	pending := text
	for round := 1; round <= l.cfg.MaxRounds; round++ {
		out.Rounds = round
		start := time.Now()
		reply, err := l.reason(runCtx, pending)
		if err != nil {
			if runCtx.Err() != nil {
				out.Preempted = true
				return out, nil
			}
			logger.Warn("orchestrator: reasoning failed",
				logger.FieldRound, round, logger.FieldError, err)
			l.chat.SendStatus(runCtx, "⚠️ Reasoning backend error: "+util.TruncateRunes(err.Error(), 300, "…"))
			return out, err
		}

		command, visible := ExtractCommand(reply)
		logger.Info("orchestrator: round",
			logger.FieldRound, round,
			logger.FieldLatencyMS, time.Since(start).Milliseconds(),
			logger.FieldLen, len(reply),
			logger.FieldCommand, util.TruncateRunes(command, 120, "…"))
		if visible != "" {
			if err := l.chat.SendResponse(runCtx, visible); err != nil {
				logger.Warn("orchestrator: send reply failed", logger.FieldError, err)
			}
		}
		if command == "" {
			return out, nil
		}

		out.Commands++
		if err := l.chat.SendCommand(runCtx, command); err != nil {
			logger.Warn("orchestrator: send command failed", logger.FieldError, err)
		}
		l.chat.SendStatus(runCtx, fmt.Sprintf("⏳ Running (round %d/%d)…", round, l.cfg.MaxRounds))

		res, err := l.agent.Execute(runCtx, command, runner.Options{SourceIsBridge: true, CollectOutput: true})
		if runCtx.Err() != nil {
			out.Preempted = true
			return out, nil
		}
		summary := res.Summary
		if err != nil && summary == "" {
			summary = "Error: " + err.Error()
		}
		if err := l.chat.SendResponse(runCtx, summary); err != nil {
			logger.Warn("orchestrator: send summary failed", logger.FieldError, err)
		}
		pending = resultMessage(command, summary)
	}

	out.CapHit = true
	logger.Info("orchestrator: round cap reached", logger.FieldMax, l.cfg.MaxRounds)
	l.chat.SendStatus(runCtx, fmt.Sprintf("⚠️ Stopped after %d rounds. Send a new message to continue.", l.cfg.MaxRounds))
	return out, nil
}

// begin 取消上一次运行并登记本次运行。
func (l *Loop) begin(ctx context.Context) (context.Context, uint64) {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.runSeq++
	seq := l.runSeq
	l.cancel = cancel
	l.mu.Unlock()
	return runCtx, seq
}

func (l *Loop) end(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runSeq == seq && l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// preemptAgent 中止仍在运行的调用 (无论由谁发起) 并在聊天里说明。
func (l *Loop) preemptAgent(ctx context.Context) {
	if !l.agent.Busy() {
		return
	}
	pid, err := l.agent.Abort()
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNoActiveProcess) {
			logger.Warn("orchestrator: abort failed", logger.FieldError, err)
		}
		return
	}
	logger.Info("orchestrator: preempted running agent", logger.FieldPID, pid)
	l.chat.SendStatus(ctx, fmt.Sprintf("⏹ Stopped the running task (pid %d) to handle the new message.", pid))
}

// reason 追加用户消息, 调用后端, 追加回复。失败时撤回用户消息。
func (l *Loop) reason(ctx context.Context, pending string) (string, error) {
	l.mu.Lock()
	l.history = trimHistory(append(l.history, reasoning.Message{Role: reasoning.RoleUser, Content: pending}), l.cfg.HistoryLimit)
	msgs := make([]reasoning.Message, 0, len(l.history)+1)
	msgs = append(msgs, reasoning.Message{Role: reasoning.RoleSystem, Content: l.cfg.SystemPrompt})
	msgs = append(msgs, l.history...)
	l.mu.Unlock()

	reply, err := l.reasoner.Complete(ctx, msgs)
	if err != nil {
		l.mu.Lock()
		if n := len(l.history); n > 0 && l.history[n-1].Role == reasoning.RoleUser && l.history[n-1].Content == pending {
			l.history = l.history[:n-1]
		}
		l.mu.Unlock()
		return "", err
	}

	l.mu.Lock()
	l.history = trimHistory(append(l.history, reasoning.Message{Role: reasoning.RoleAssistant, Content: reply}), l.cfg.HistoryLimit)
	l.mu.Unlock()
	return reply, nil
}

// History 当前对话历史副本 (不含系统提示)。
func (l *Loop) History() []reasoning.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]reasoning.Message, len(l.history))
	copy(out, l.history)
	return out
}

// Reset 清空对话历史。
func (l *Loop) Reset() {
	l.mu.Lock()
	l.history = nil
	l.mu.Unlock()
}
