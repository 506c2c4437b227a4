// safego.go — 带 panic 捕获的 goroutine 启动器。
package util

import (
	"runtime/debug"

	"github.com/multi-agent/agent-relay/pkg/logger"
)

// SafeGo 在新 goroutine 中执行 fn。panic 被捕获, 连同 component 与堆栈记录日志,
// 然后依次调用 onPanic (用于释放 fn 持有的资源, 如运行槽位或连接)。
func SafeGo(component string, fn func(), onPanic ...func(r any)) {
	go func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error("util: goroutine panicked",
				logger.FieldComponent, component,
				logger.FieldError, r,
				logger.FieldStack, string(debug.Stack()))
			for _, h := range onPanic {
				h(r)
			}
		}()
		fn()
	}()
}
