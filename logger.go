package pluginhost

import (
	"io"
	"log/slog"
)

// Logger is the structured logging interface used by every host component.
// Arguments are key-value pairs:
//
//	logger.Info("Module started", "module", "billing", "version", "1.2.0")
//
// *slog.Logger satisfies this interface directly, which is what the pluginhost
// command wires in:
//
//	host, err := pluginhost.NewHost(cfg,
//		pluginhost.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
type Logger interface {
	// Info logs normal lifecycle events such as module starts and completed batches.
	Info(msg string, args ...any)

	// Error logs failed transitions, failed deployments and worker failures.
	Error(msg string, args ...any)

	// Warn logs recoverable conditions such as skipped busy modules.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostics such as computed activation order.
	Debug(msg string, args ...any)
}

// NewDiscardLogger returns a Logger that drops every record.
func NewDiscardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loggerOrDiscard(l Logger) Logger {
	if l == nil {
		return NewDiscardLogger()
	}
	return l
}
