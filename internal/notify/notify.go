package notify

import (
	"context"
	"fmt"
	"log/slog"
)

// Severity grades an operator notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notifier delivers best-effort operator notifications. Implementations
// must never block ingestion: delivery failures are logged and dropped,
// never propagated to the caller's error path.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, message string)
}

// LogNotifier writes notifications to the structured log. Used when no
// Telegram credentials are configured and in tests.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(ctx context.Context, severity Severity, message string) {
	switch severity {
	case SeverityError:
		slog.ErrorContext(ctx, "Operator notification", "severity", severity, "message", message)
	case SeverityWarning:
		slog.WarnContext(ctx, "Operator notification", "severity", severity, "message", message)
	default:
		slog.InfoContext(ctx, "Operator notification", "severity", severity, "message", message)
	}
}

// Notifyf is a convenience for formatted messages.
func Notifyf(ctx context.Context, n Notifier, severity Severity, format string, args ...any) {
	n.Notify(ctx, severity, fmt.Sprintf(format, args...))
}
