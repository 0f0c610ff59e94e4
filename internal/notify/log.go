package notify

import (
	"context"
	"log/slog"
)

// Log writes notices to a structured logger. It is the notifier used when no
// webhook is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, msg Message) error {
	attrs := []any{
		"kind", msg.Kind,
		"user_id", msg.UserID,
		"book_id", msg.BookID,
	}
	if msg.LoanID != nil {
		attrs = append(attrs, "loan_id", *msg.LoanID)
	}
	if msg.DueAt != nil {
		attrs = append(attrs, "due_at", *msg.DueAt)
	}
	l.logger.InfoContext(ctx, "notification", attrs...)
	return nil
}
