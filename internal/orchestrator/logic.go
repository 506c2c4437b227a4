// logic.go — 编排循环纯逻辑函数。
//
// 无状态纯函数，可独立测试，无 LLM / 进程 / 网络依赖。
package orchestrator

import (
	"regexp"
	"strings"

	"github.com/multi-agent/agent-relay/internal/reasoning"
)

// executeBlockRe 匹配 [EXECUTE]...[/EXECUTE] (大小写不敏感, 可跨行, 非贪婪)。
var executeBlockRe = regexp.MustCompile(`(?is)\[EXECUTE\](.*?)\[/EXECUTE\]`)

// DefaultSystemPrompt 未配置时使用的系统提示。
const DefaultSystemPrompt = `You are the planner for a coding agent that works in the user's project.
Reply conversationally. When the agent must do something (read or change files, run commands),
put exactly one instruction for it between [EXECUTE] and [/EXECUTE]. You will receive the agent's
result as the next message and may issue another instruction. Stop issuing instructions when the
task is done.`

// ExtractCommand 提取第一个 [EXECUTE] 块的内容作为命令, 并返回去掉所有块后的可见回复。
//
// 只有开标记没有闭标记时不视为命令, 原文保留。空块等同于没有命令。
func ExtractCommand(reply string) (command, visible string) {
	m := executeBlockRe.FindStringSubmatch(reply)
	if m == nil {
		return "", strings.TrimSpace(reply)
	}
	command = strings.TrimSpace(m[1])
	visible = strings.TrimSpace(executeBlockRe.ReplaceAllString(reply, ""))
	return command, visible
}

// trimHistory 保留最近 limit 条, 最旧的先丢弃。
func trimHistory(h []reasoning.Message, limit int) []reasoning.Message {
	if limit <= 0 || len(h) <= limit {
		return h
	}
	out := make([]reasoning.Message, limit)
	copy(out, h[len(h)-limit:])
	return out
}

// resultMessage 把 agent 摘要包装成下一轮的待发送消息。
func resultMessage(command, summary string) string {
	return "Agent result for: " + command + "\n\n" + summary
}
