// Package errors 提供统一错误类型与哨兵错误。
//
// 两层错误体系:
//   - L1 哨兵错误: ErrBusy / ErrInvalidWorkDir / ErrSessionExpired 等, 对应调用方可判定的失败类别
//   - L2 AppError: 带 Op + Code + Message 的应用级错误, 保留原因链
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("not found")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")

	// ErrBusy 已有 Invocation 在运行, 新请求被拒绝 (不排队)
	ErrBusy = errors.New("busy: an invocation is already running")

	// ErrNoActiveProcess abort 时没有活动进程
	ErrNoActiveProcess = errors.New("no active process")

	// ErrInvalidWorkDir 工作目录不存在或不是目录, spawn 前拒绝
	ErrInvalidWorkDir = errors.New("invalid working directory")

	// ErrSpawnFailed agent 可执行文件不存在或无法启动 (不重试)
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrSessionExpired continuation token 已失效 (自动无 resume 重试一次)
	ErrSessionExpired = errors.New("session expired")

	// ErrTransportAuth 聊天通道凭据或目标会话校验失败
	ErrTransportAuth = errors.New("transport auth failed")

	// ErrTransportRateLimited 聊天通道限流 (进度编辑跳过, 非致命)
	ErrTransportRateLimited = errors.New("transport rate limited")

	// ErrTransportEditConflict 编辑的消息已不存在 (改为新建消息, 非致命)
	ErrTransportEditConflict = errors.New("transport edit conflict")

	// ErrBridgeDisabled 桥接未启用
	ErrBridgeDisabled = errors.New("bridge disabled")

	// ErrReasoningBackend 推理后端调用失败
	ErrReasoningBackend = errors.New("reasoning backend failure")
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Supervisor.Start"
	Code    string // 错误码，如 "BUSY"、"SPAWN"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithCode 包装错误并附加错误码 (供 HTTP 层映射状态码)。
func WithCode(err error, op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message, Err: err}
}

// CodeOf 返回错误链上第一个非空 Code, 无则返回 ""。
func CodeOf(err error) string {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return ""
		}
		if appErr.Code != "" {
			return appErr.Code
		}
		err = appErr.Err
	}
	return ""
}

// Is 透传标准库 errors.Is, 避免调用方同时 import 两个 errors 包。
func Is(err, target error) bool { return errors.Is(err, target) }

// As 透传标准库 errors.As。
func As(err error, target any) bool { return errors.As(err, target) }
