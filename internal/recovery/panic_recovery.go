package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

var Logger = slog.Default()

// OnPanic 可选回调，用于把 panic 转成指标或告警
var OnPanic func(name string, err interface{})

// WithRecovery 在新 goroutine 中运行 fn，panic 只记录不扩散
func WithRecovery(fn func(), name string) {
	go WithRecoveryNamed(name, fn)
}

// WithRecoveryNamed 同步运行 fn，panic 被吞掉并记录；返回是否发生了 panic
func WithRecoveryNamed(name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			Logger.Error("handler_panic_recovered",
				slog.String("handler", name),
				slog.String("error", fmt.Sprintf("%v", r)),
				slog.String("stack", string(debug.Stack())),
			)
			if OnPanic != nil {
				OnPanic(name, r)
			}
		}
	}()
	fn()
	return false
}
