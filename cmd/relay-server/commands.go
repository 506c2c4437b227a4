package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/multi-agent/agent-relay/internal/orchestrator"
	"github.com/multi-agent/agent-relay/internal/runner"
	"github.com/multi-agent/agent-relay/internal/telegram"
	apperrors "github.com/multi-agent/agent-relay/pkg/errors"
	"github.com/multi-agent/agent-relay/pkg/logger"
	"github.com/multi-agent/agent-relay/pkg/util"
)

// agentControl 命令处理用到的 supervisor 操作。
type agentControl interface {
	Start(ctx context.Context, prompt string, opts runner.Options) (<-chan runner.Result, error)
	Abort() (int, error)
	Status() runner.StatusInfo
}

type statusSender interface {
	SendStatus(ctx context.Context, text string)
}

type chatLoop interface {
	Handle(ctx context.Context, text string) (orchestrator.Outcome, error)
}

// relay 把聊天入站消息路由到 supervisor / 编排循环。
type relay struct {
	ctx   context.Context // 进程级, 运行不随单次轮询取消
	agent agentControl
	chat  statusSender
	loop  chatLoop // 为 nil 时不处理普通对话
	now   func() time.Time
}

func (r *relay) handlers() telegram.Handlers {
	h := telegram.Handlers{OnCommand: r.onCommand}
	if r.loop != nil {
		h.OnChat = r.onChat
	}
	return h
}

// onCommand 处理 "<prefix> ..." 消息。status / stop 为内置子命令, 其余交给 agent。
func (r *relay) onCommand(ctx context.Context, m telegram.Inbound) {
	switch strings.ToLower(strings.TrimSpace(m.Text)) {
	case "status":
		r.chat.SendStatus(ctx, formatStatus(r.agent.Status(), r.now()))
		return
	case "stop":
		pid, err := r.agent.Abort()
		if err != nil {
			r.chat.SendStatus(ctx, "Nothing is running.")
			return
		}
		r.chat.SendStatus(ctx, fmt.Sprintf("⏹ Stopped (pid %d).", pid))
		return
	}

	_, err := r.agent.Start(r.ctx, m.Text, runner.Options{SourceIsBridge: true})
	switch {
	case err == nil:
		logger.Info("relay: command started", logger.FieldMessageID, m.MessageID)
	case apperrors.Is(err, apperrors.ErrBusy):
		r.chat.SendStatus(ctx, "⚠️ Agent is busy. Send \"stop\" with the command prefix to abort it.")
	case apperrors.Is(err, apperrors.ErrInvalidWorkDir):
		r.chat.SendStatus(ctx, "❌ Working directory is not available. Pick another one in the app.")
	default:
		logger.Warn("relay: start failed", logger.FieldError, err)
		r.chat.SendStatus(ctx, "❌ Could not start the agent: "+util.TruncateRunes(err.Error(), 300, "…"))
	}
}

// onChat 普通对话交给编排循环。错误已在循环内报告。
func (r *relay) onChat(_ context.Context, m telegram.Inbound) {
	out, err := r.loop.Handle(r.ctx, m.Text)
	if err != nil {
		logger.Warn("relay: orchestration failed", logger.FieldMessageID, m.MessageID, logger.FieldError, err)
		return
	}
	logger.Info("relay: orchestration finished",
		logger.FieldMessageID, m.MessageID,
		logger.FieldRound, out.Rounds,
		logger.FieldCount, out.Commands)
}

// formatStatus 生成 "<prefix> status" 的回复。
func formatStatus(st runner.StatusInfo, now time.Time) string {
	var b strings.Builder
	if st.Running {
		fmt.Fprintf(&b, "🟢 Running (pid %d, %s)\n", st.PID, now.Sub(st.StartedAt).Round(time.Second))
		fmt.Fprintf(&b, "Prompt: %s\n", util.TruncateRunes(st.Prompt, 200, "…"))
		fmt.Fprintf(&b, "Cwd: %s", st.Cwd)
		return b.String()
	}
	b.WriteString("⚪ Idle\n")
	fmt.Fprintf(&b, "Cwd: %s\n", util.FirstNonEmpty(st.DefaultCwd, "(process directory)"))
	if st.HasToken {
		b.WriteString("Session: resumable")
	} else {
		b.WriteString("Session: new")
	}
	if st.Last != nil {
		fmt.Fprintf(&b, "\nLast run: %s", st.Last.Status)
		if st.Last.Status == runner.StatusExited && st.Last.ExitCode != 0 {
			fmt.Fprintf(&b, " (exit %d)", st.Last.ExitCode)
		}
	}
	return b.String()
}
