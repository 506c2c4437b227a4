// bridge_logic.go — Telegram 桥接纯逻辑函数。
//
// 无外部依赖，均为可独立测试的纯函数。
package telegram

import (
	"fmt"
	"html"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ========================================
// 常量
// ========================================

const (
	// maxMessageRunes Telegram 单条消息字符上限。
	maxMessageRunes = 4096
	// labelReserve 为续页标签 "\n… (i/total)" 预留的字符数。
	labelReserve = 16

	defaultMaxTruncate = 4000
	maxHistoryLen      = 200
)

// ========================================
// classifyMessage
// ========================================

// MessageKind 入站消息分类。
type MessageKind int

const (
	KindIgnore  MessageKind = iota // 空消息 / 自己发出的 / 无 chat 处理器
	KindControl                    // 其他斜杠命令, 忽略
	KindCommand                    // 命令前缀 + 空白: 直接交给 agent
	KindChat                       // 普通对话: 交给编排循环
)

func (k MessageKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindCommand:
		return "command"
	case KindChat:
		return "chat"
	default:
		return "ignore"
	}
}

// classifyMessage 判定入站消息路由, 返回去掉前缀后的正文。
//
// 顺序: 空文本 → 回声 (发送者是 bot 自己) → 命令前缀 → 其他斜杠命令 → 对话。
func classifyMessage(text string, fromID, selfID int64, prefix string, hasChat bool) (MessageKind, string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return KindIgnore, ""
	}
	if selfID != 0 && fromID == selfID {
		return KindIgnore, ""
	}
	if prefix != "" && strings.HasPrefix(trimmed, prefix) {
		rest := trimmed[len(prefix):]
		if rest != "" && (rest[0] == ' ' || rest[0] == '\n') {
			if payload := strings.TrimSpace(rest); payload != "" {
				return KindCommand, payload
			}
		}
	}
	if strings.HasPrefix(trimmed, "/") {
		return KindControl, trimmed
	}
	if !hasChat {
		return KindIgnore, ""
	}
	return KindChat, trimmed
}

// ========================================
// splitForTelegram
// ========================================

// splitForTelegram 把已转义的 body 拆成若干条不超过 4096 字符的消息。
//
// 整体放得下时原样返回一条 (header + open + body + close)。否则按换行贪心装箱,
// 单行超出预算时按字符强拆 (不切断 HTML 实体); 第一条带 header,
// 每条都以 "\n… (i/total)" 结尾。各块正文按序拼接等于 body。
// 相同输入总得到相同输出。
func splitForTelegram(body, header, open, closeTag string) []string {
	single := header + open + body + closeTag
	if utf8.RuneCountInString(single) <= maxMessageRunes {
		return []string{single}
	}

	wrap := utf8.RuneCountInString(open) + utf8.RuneCountInString(closeTag)
	base := maxMessageRunes - wrap - labelReserve
	first := base - utf8.RuneCountInString(header)
	if first < 1 {
		// header 过长时截断
		header = truncateRunes(header, maxMessageRunes/2)
		first = base - utf8.RuneCountInString(header)
	}
	if base < 1 {
		base, first = 1, 1
	}

	pieces := packLines(body, first, base)
	total := len(pieces)
	out := make([]string, 0, total)
	for i, p := range pieces {
		var sb strings.Builder
		if i == 0 {
			sb.WriteString(header)
		}
		sb.WriteString(open)
		sb.WriteString(p)
		sb.WriteString(closeTag)
		fmt.Fprintf(&sb, "\n… (%d/%d)", i+1, total)
		out = append(out, sb.String())
	}
	return out
}

// packLines 贪心装箱: 第一块预算 first, 其余 rest。
//
// 每行连同其结尾的 "\n" 一起装箱, 块边界的换行留在前一块末尾,
// 因此各块直接拼接即还原 body。
func packLines(body string, first, rest int) []string {
	var (
		pieces []string
		cur    strings.Builder
		curLen int
	)
	budget := func() int {
		if len(pieces) == 0 {
			return first
		}
		return rest
	}
	flush := func() {
		if curLen > 0 {
			pieces = append(pieces, cur.String())
		}
		cur.Reset()
		curLen = 0
	}

	for _, seg := range strings.SplitAfter(body, "\n") {
		if seg == "" {
			continue
		}
		n := utf8.RuneCountInString(seg)
		if curLen+n > budget() {
			flush()
		}
		for n > budget() {
			head, tail := cutEntitySafe(seg, budget())
			pieces = append(pieces, head)
			seg, n = tail, utf8.RuneCountInString(tail)
		}
		cur.WriteString(seg)
		curLen += n
	}
	flush()
	return pieces
}

// cutEntitySafe 在第 max 个字符处切分, 若落在 "&...;" 实体中间则前移到 '&' 之前。
func cutEntitySafe(s string, max int) (string, string) {
	runes := []rune(s)
	if len(runes) <= max {
		return s, ""
	}
	cut := max
	for i := cut - 1; i >= 0 && i >= cut-10; i-- {
		if runes[i] == ';' {
			break
		}
		if runes[i] == '&' {
			if i > 0 && hasEntityEnd(runes[i:]) {
				cut = i
			}
			break
		}
	}
	return string(runes[:cut]), string(runes[cut:])
}

func hasEntityEnd(runes []rune) bool {
	for i := 1; i < len(runes) && i <= 10; i++ {
		switch r := runes[i]; {
		case r == ';':
			return true
		case r == '#' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return false
}

// escapeHTML 转义 ParseMode=HTML 下的保留字符。
func escapeHTML(s string) string {
	return html.EscapeString(s)
}

// ========================================
// truncateText
// ========================================

// truncateText 中间截断: 保留头尾各 half，中间替换为 "... (已截断) ..."。
func truncateText(text string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = defaultMaxTruncate
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	half := maxLen/2 - 20
	if half < 0 {
		half = 0
	}
	return string(runes[:half]) + "\n\n... (已截断) ...\n\n" + string(runes[len(runes)-half:])
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// ========================================
// isAuthorized
// ========================================

// isAuthorized 检查 chatID 是否为配置的目标会话。allowed 为 0 = 允许所有。
func isAuthorized(chatID, allowed int64) bool {
	if allowed == 0 {
		return true
	}
	return chatID == allowed
}

// ========================================
// History 消息历史
// ========================================

// HistoryEntry 历史记录条目。
type HistoryEntry struct {
	Ts     string `json:"ts"`
	Role   string `json:"role"`
	Text   string `json:"text"`
	ChatID int64  `json:"chat_id"`
	User   string `json:"user"`
	Status string `json:"status"`
}

// History 线程安全的环形消息历史。
type History struct {
	mu      sync.Mutex // 保护 entries slice
	entries []HistoryEntry
	maxLen  int
}

// NewHistory 创建消息历史 (默认 200 条)。
func NewHistory() *History {
	return &History{maxLen: maxHistoryLen}
}

// Add 添加记录。
func (h *History) Add(role, text string, chatID int64, user, status string) HistoryEntry {
	entry := HistoryEntry{
		Ts:     time.Now().UTC().Format(time.RFC3339),
		Role:   role,
		Text:   truncateRunes(text, defaultMaxTruncate),
		ChatID: chatID,
		User:   user,
		Status: status,
	}

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.maxLen {
		h.entries = h.entries[len(h.entries)-h.maxLen:]
	}
	h.mu.Unlock()

	return entry
}

// Get 获取最近 limit 条记录。
func (h *History) Get(limit int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 || limit > len(h.entries) {
		limit = len(h.entries)
	}
	start := len(h.entries) - limit
	result := make([]HistoryEntry, limit)
	copy(result, h.entries[start:])
	return result
}

// Clear 清空历史。
func (h *History) Clear() {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}

// Len 返回当前记录数。
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
