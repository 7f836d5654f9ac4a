package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
)

// Kind names what happened to a session.
type Kind string

const (
	KindStarted   Kind = "session_started"
	KindViolation Kind = "violation"
	KindWarning   Kind = "warning"
	KindEnded     Kind = "session_ended"
)

// Notification is one session lifecycle or violation message fanned out to every sink.
type Notification struct {
	Kind      Kind                  `json:"kind"`
	Session   types.SessionRecord   `json:"session"`
	Event     *types.ViolationEvent `json:"event,omitempty"`
	Message   string                `json:"message,omitempty"`
	Status    types.Status          `json:"status"`
	Timestamp time.Time             `json:"timestamp"`
}

// Notifier delivers notifications to one sink.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Multi delivers to every notifier in order. A failing sink does not stop the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes every notification as a structured log line.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{"session", n.Session.ID, "status", n.Status}
	switch n.Kind {
	case KindViolation:
		if n.Event != nil {
			attrs = append(attrs,
				"seq", n.Event.Seq,
				"type", n.Event.Type,
				"severity", n.Event.Severity,
				"confidence", n.Event.Confidence,
			)
		}
		logger.Warn(n.Message, attrs...)
	case KindWarning:
		logger.Warn(n.Message, attrs...)
	case KindEnded:
		attrs = append(attrs, "outcome", n.Session.Outcome, "violations", n.Session.Violations)
		logger.Info("session ended", attrs...)
	default:
		attrs = append(attrs, "exam", n.Session.ExamID, "student", n.Session.StudentID)
		logger.Info("session started", attrs...)
	}
	return nil
}
