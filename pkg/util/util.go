// Package util 提供通用工具函数。
//
//   - EscapeLike  SQL LIKE 转义
//   - ClampInt    区间裁剪
//   - EnvInt / EnvFloat / EnvBool / EnvStr / EnvDuration  环境变量读取
//   - LoadFromEnv / OverlayEnv  基于 struct tag 的配置加载
package util

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/multi-agent/agent-relay/pkg/logger"
)

// EscapeLike 转义 SQL LIKE 模式中的特殊字符 (%, _, \)。
func EscapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// ClampInt 将值限制在 [lo, hi] 范围内。
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EnvInt 读取整型环境变量，无效时返回 def，并确保不小于 min。
func EnvInt(name string, def, min int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	return v
}

// EnvInt64 同 EnvInt, 用于 chat id 等 64 位整数。
func EnvInt64(name string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

// EnvFloat 读取浮点型环境变量，无效时返回 def，并确保不小于 min。
func EnvFloat(name string, def, min float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	return v
}

// EnvBool 读取布尔环境变量，无效时返回 def。
// 接受: 1/true/yes/on → true, 0/false/no/off → false。
func EnvBool(name string, def bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// EnvStr 读取字符串环境变量，为空时返回 def。
func EnvStr(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

// EnvDuration 读取时长环境变量 ("3s"/"500ms"), 纯数字按毫秒解析, 无效时返回 def。
func EnvDuration(name string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return parseDuration(raw, def)
}

func parseDuration(raw string, def time.Duration) time.Duration {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}

var durationType = reflect.TypeOf(time.Duration(0))

// LoadFromEnv 通过反射从 struct tag 加载环境变量。
//
// 支持的 tag:
//   - env:"VAR_NAME"   — 环境变量名
//   - default:"value"  — 默认值
//   - min:"N"          — 最小值 (int/float64)
//
// 支持的字段类型: string, int, int64, float64, bool, time.Duration, 以及嵌套 struct。
func LoadFromEnv(ptr any) {
	v, ok := structElem(ptr, "util.LoadFromEnv")
	if !ok {
		return
	}
	walkEnvFields(v, func(fv reflect.Value, field reflect.StructField, envName string) {
		setField(fv, field, envName, field.Tag.Get("default"))
	})
}

// OverlayEnv 仅覆盖环境变量已显式设置的字段, 未设置的保持原值。
//
// 用于 YAML 之后的覆盖层: 默认值 < YAML < 显式环境变量。
func OverlayEnv(ptr any) {
	v, ok := structElem(ptr, "util.OverlayEnv")
	if !ok {
		return
	}
	walkEnvFields(v, func(fv reflect.Value, field reflect.StructField, envName string) {
		if _, set := os.LookupEnv(envName); !set {
			return
		}
		setField(fv, field, envName, currentString(fv))
	})
}

func structElem(ptr any, op string) (reflect.Value, bool) {
	if ptr == nil {
		logger.Error(op + ": ptr must not be nil")
		return reflect.Value{}, false
	}
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		logger.Error(op + ": ptr must be a non-nil pointer to struct")
		return reflect.Value{}, false
	}
	return rv.Elem(), true
}

// walkEnvFields 深度优先遍历带 env tag 的字段 (含嵌套 struct)。
func walkEnvFields(v reflect.Value, fn func(fv reflect.Value, field reflect.StructField, envName string)) {
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := v.Field(i)
		if field.Type.Kind() == reflect.Struct && field.Type != durationType {
			walkEnvFields(fv, fn)
			continue
		}
		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}
		fn(fv, field, envName)
	}
}

// currentString 将字段当前值格式化为 setField 可接受的默认值字符串。
func currentString(fv reflect.Value) string {
	if fv.Type() == durationType {
		return time.Duration(fv.Int()).String()
	}
	switch fv.Kind() {
	case reflect.String:
		return fv.String()
	case reflect.Int, reflect.Int64:
		return strconv.FormatInt(fv.Int(), 10)
	case reflect.Float64:
		return strconv.FormatFloat(fv.Float(), 'f', -1, 64)
	case reflect.Bool:
		return strconv.FormatBool(fv.Bool())
	}
	return ""
}

func setField(fv reflect.Value, field reflect.StructField, envName, def string) {
	minStr := field.Tag.Get("min")

	if field.Type == durationType {
		fv.SetInt(int64(EnvDuration(envName, parseDuration(def, 0))))
		return
	}

	switch field.Type.Kind() {
	case reflect.String:
		fv.SetString(EnvStr(envName, def))

	case reflect.Int:
		defInt, _ := strconv.Atoi(def)
		minInt, _ := strconv.Atoi(minStr)
		if minStr == "" {
			minInt = minIntValue
		}
		fv.SetInt(int64(EnvInt(envName, defInt, minInt)))

	case reflect.Int64:
		defInt, _ := strconv.ParseInt(def, 10, 64)
		fv.SetInt(EnvInt64(envName, defInt))

	case reflect.Float64:
		defFloat, _ := strconv.ParseFloat(def, 64)
		minFloat, _ := strconv.ParseFloat(minStr, 64)
		fv.SetFloat(EnvFloat(envName, defFloat, minFloat))

	case reflect.Bool:
		defBool := def == "true" || def == "1" || def == "yes"
		fv.SetBool(EnvBool(envName, defBool))
	}
}

const minIntValue = -int(^uint(0)>>1) - 1
