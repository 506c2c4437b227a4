package streamjson

import (
	"encoding/json"
	"strings"

	"github.com/multi-agent/agent-relay/pkg/util"
)

const maxArgRunes = 60

// argKeys 参数摘要优先级: 文件路径 > shell 命令 > 搜索模式 > 搜索目录。
var argKeys = []string{"file_path", "notebook_path", "command", "pattern", "path"}

// ToolArgSummary 从 tool_use 输入中挑选一个最能说明意图的参数, 截断为单行短文本。
// 无可用参数时返回 ""。
func ToolArgSummary(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var args map[string]any
	if json.Unmarshal(input, &args) != nil {
		return ""
	}
	for _, k := range argKeys {
		s, ok := args[k].(string)
		if !ok {
			continue
		}
		s = strings.Join(strings.Fields(s), " ")
		if s == "" {
			continue
		}
		return util.TruncateRunes(s, maxArgRunes, "…")
	}
	return ""
}
