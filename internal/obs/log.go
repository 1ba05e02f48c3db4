package obs

import (
	"go.uber.org/zap"
)

// NewLogger builds the process logger. Production config emits structured
// JSON; debug switches to the development config with human-readable output
// and debug-level logging enabled.
func NewLogger(debug bool) *zap.Logger {
	if debug {
		return zap.Must(zap.NewDevelopment())
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return zap.Must(cfg.Build())
}
