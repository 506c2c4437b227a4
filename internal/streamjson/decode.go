package streamjson

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Decode 解码一行 stream-json。
//
// 行格式:
//   - {"type":"system","subtype":"init","session_id":...,"model":...,"cwd":...} → system
//   - {"type":"assistant","message":{"content":[text|thinking|tool_use...]}}     → text / thinking / tool_use
//   - {"type":"user","message":{"content":[tool_result...]}}                     → tool_result
//   - {"type":"result","result":"...","session_id":...}                          → result
//
// 非法 JSON、空行、未知类型返回 ok=false (流中途的半行属于常态, 调用方直接忽略)。
// 一条 assistant 消息只产出一个事件: 有 tool_use 时取第一个 tool_use,
// 否则取第一个非空 thinking/text 块。
func Decode(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Event{}, false
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Event{}, false
	}

	switch env.Type {
	case "system":
		return Event{
			Kind:      KindSystem,
			Model:     env.Model,
			Cwd:       env.Cwd,
			SessionID: env.SessionID,
		}, true

	case "assistant":
		blocks := decodeBlocks(env.Message)
		return assistantEvent(blocks)

	case "user":
		blocks := decodeBlocks(env.Message)
		return toolResultEvent(blocks)

	case "result":
		return Event{
			Kind:      KindResult,
			Text:      rawText(env.Result),
			SessionID: env.SessionID,
			IsError:   env.IsError,
		}, true
	}
	return Event{}, false
}

func decodeBlocks(msg *messageBody) []contentBlock {
	if msg == nil || len(msg.Content) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		// content 也可能是纯字符串
		if s := rawText(msg.Content); s != "" {
			return []contentBlock{{Type: "text", Text: s}}
		}
		return nil
	}
	return blocks
}

func assistantEvent(blocks []contentBlock) (Event, bool) {
	toolUses := 0
	first := -1
	for i, b := range blocks {
		if b.Type == "tool_use" {
			if first < 0 {
				first = i
			}
			toolUses++
		}
	}
	if first >= 0 {
		b := blocks[first]
		return Event{
			Kind:          KindToolUse,
			ToolID:        b.ID,
			Tool:          b.Name,
			Input:         b.Input,
			SkippedBlocks: toolUses - 1,
		}, true
	}

	for _, b := range blocks {
		switch b.Type {
		case "thinking":
			if strings.TrimSpace(b.Thinking) != "" {
				return Event{Kind: KindThinking, Text: b.Thinking}, true
			}
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				return Event{Kind: KindText, Text: b.Text}, true
			}
		}
	}
	return Event{}, false
}

func toolResultEvent(blocks []contentBlock) (Event, bool) {
	results := 0
	var ev Event
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		if results == 0 {
			ev = Event{
				Kind:    KindToolResult,
				ToolID:  b.ToolUseID,
				Text:    rawText(b.Content),
				IsError: b.IsError,
			}
		}
		results++
	}
	if results == 0 {
		return Event{}, false
	}
	ev.SkippedBlocks = results - 1
	return ev, true
}

// rawText 将 string 或 [{type:text,text}] 形式的 JSON 值展开为文本。
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []contentBlock
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type != "text" || p.Text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(p.Text)
		}
		return sb.String()
	}
	return ""
}
