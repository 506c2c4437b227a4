package util

import "strings"

// FirstNonEmpty 返回第一个非空 (trim 后) 的字符串。
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// TruncateRunes 按 rune 截断到 max 个字符, 超出时以 suffix 结尾 (suffix 计入长度)。
func TruncateRunes(s string, max int, suffix string) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	sr := []rune(suffix)
	if len(sr) >= max {
		return string(r[:max])
	}
	return string(r[:max-len(sr)]) + suffix
}

// TailRunes 返回末尾 max 个字符。
func TailRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[len(r)-max:])
}

// RuneLen 返回字符数 (非字节数)。
func RuneLen(s string) int { return len([]rune(s)) }
