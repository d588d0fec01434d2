package setup

import (
	"log/slog"
	"sync/atomic"

	"github.com/cochaviz/runbox/internal/logging"
)

var packageLogger atomic.Pointer[slog.Logger]

// SetLogger configures the package logger used for setup operations. A nil
// logger restores the process default.
func SetLogger(logger *slog.Logger) {
	packageLogger.Store(logger)
}

// getLogger resolves the default lazily so a later slog.SetDefault is
// honoured.
func getLogger() *slog.Logger {
	return logging.Ensure(packageLogger.Load())
}
