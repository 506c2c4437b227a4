// Package streamjson 解码 agent CLI 的 stream-json 输出 (每行一个 JSON 对象)。
//
// 本包纯函数、无副作用: Decode 把一行转成零或一个 Event,
// ExtractSummary 从完整原始输出提取最终摘要, IsSessionExpired 判定续接 token 失效。
package streamjson

import "encoding/json"

// Kind 事件类型。
type Kind string

const (
	KindSystem     Kind = "system"
	KindThinking   Kind = "thinking"
	KindText       Kind = "text"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindResult     Kind = "result"
)

// Event 解码后的流事件。按 Kind 使用对应字段, 生成后不可变。
type Event struct {
	Kind Kind

	// system
	Model     string
	Cwd       string
	SessionID string // system / result 均可能携带

	// thinking / text / result / tool_result 输出
	Text string

	// tool_use / tool_result
	ToolID  string
	Tool    string
	Input   json.RawMessage
	IsError bool

	// SkippedBlocks 同一条 assistant/user 消息中未被解码的其余 tool_use/tool_result 块数。
	SkippedBlocks int
}

// envelope 所有行共享的外层结构。
type envelope struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	Cwd       string          `json:"cwd"`
	Message   *messageBody    `json:"message"`
	Result    json.RawMessage `json:"result"`
	IsError   bool            `json:"is_error"`
}

type messageBody struct {
	Content json.RawMessage `json:"content"`
}

// contentBlock assistant/user 消息中的内容块。
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}
