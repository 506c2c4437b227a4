package streamjson

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/multi-agent/agent-relay/pkg/util"
)

// rawTailRunes 无结构化结果时回退的原始输出尾部长度。
const rawTailRunes = 500

// ExtractSummary 从完整原始 stdout 提取最终摘要。
//
// 优先级: 所有 result 事件文本 > 所有 assistant text 块 > 原始输出末尾 500 字符 >
// "Done." (exitCode == 0) / "exited with code N"。
func ExtractSummary(raw string, exitCode int) string {
	var results, texts []string

	// 单行长度不设上限: 大的 tool_result 行不能截断其后的 result 事件
	for rest := raw; rest != ""; {
		var line string
		line, rest, _ = strings.Cut(rest, "\n")
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var env envelope
		if json.Unmarshal([]byte(line), &env) != nil {
			continue
		}
		switch env.Type {
		case "result":
			if s := rawText(env.Result); strings.TrimSpace(s) != "" {
				results = append(results, s)
			}
		case "assistant":
			for _, b := range decodeBlocks(env.Message) {
				if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
					texts = append(texts, b.Text)
				}
			}
		}
	}

	if len(results) > 0 {
		return strings.Join(results, "\n")
	}
	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}
	if tail := strings.TrimSpace(util.TailRunes(strings.TrimSpace(raw), rawTailRunes)); tail != "" {
		return tail
	}
	if exitCode == 0 {
		return "Done."
	}
	return fmt.Sprintf("exited with code %d", exitCode)
}
