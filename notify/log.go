package notify

import (
	"context"
	"log/slog"
)

// LogTransport logs messages instead of sending them. Used for dry runs.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a log-only transport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{
		logger: logger,
	}
}

// Name identifies the transport in logs.
func (l *LogTransport) Name() string {
	return "log"
}

// Send logs the message instead of sending it.
func (l *LogTransport) Send(_ context.Context, msg Message) Result {
	l.logger.Info("DRY RUN NOTIFICATION",
		"title", msg.Title,
		"body", msg.Body,
		"event_count", len(msg.Events))
	return Result{Class: Delivered}
}
