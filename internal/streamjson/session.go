package streamjson

import "strings"

// sessionExpiredMarkers agent 在续接 token 无效时输出的文本 (小写比较)。
var sessionExpiredMarkers = []string{
	"no conversation found with session id",
}

// IsSessionExpired 判定一段输出 (stderr 行、result 文本) 是否表示续接 token 已失效。
//
// 匹配策略集中在此处, supervisor 只调用本函数。
func IsSessionExpired(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, m := range sessionExpiredMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// EventSignalsExpiry 解码事件是否携带失效信号 (错误 result 或文本块)。
func EventSignalsExpiry(ev Event) bool {
	switch ev.Kind {
	case KindResult, KindText:
		return IsSessionExpired(ev.Text)
	}
	return false
}
