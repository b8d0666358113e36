// Package goroutine provides panic recovery and leak-detection helpers
// for background goroutines.
package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

// stackBufferSize bounds the stack trace captured on panic.
const stackBufferSize = 4096

// Recover logs a recovered panic from a named goroutine. It is meant to
// be deferred at the top of every background goroutine so a panic in
// housekeeping can never take the process down. Falls back to stderr
// when no logger is available.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, stackBufferSize)
		n := runtime.Stack(buf, false)

		if logger != nil {
			logger.Errorw("goroutine panic recovered",
				"goroutine", name,
				"panic", r,
				"stack", string(buf[:n]))
		} else {
			fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n",
				name, r, string(buf[:n]))
		}
	}
}
