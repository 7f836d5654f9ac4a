package notify

import (
	"context"
	"fmt"

	"github.com/andresmejia3/proctor/internal/types"
)

// Recorder persists sessions and their violation events.
type Recorder interface {
	CreateSession(ctx context.Context, s types.SessionRecord) error
	InsertViolation(ctx context.Context, sessionID string, ev types.ViolationEvent) error
	EndSession(ctx context.Context, s types.SessionRecord) error
}

// RecorderNotifier writes the session timeline to a Recorder.
type RecorderNotifier struct {
	Recorder Recorder
}

func (r RecorderNotifier) Notify(ctx context.Context, n Notification) error {
	switch n.Kind {
	case KindStarted:
		if err := r.Recorder.CreateSession(ctx, n.Session); err != nil {
			return fmt.Errorf("failed to record session start: %w", err)
		}
	case KindViolation:
		if n.Event == nil {
			return nil
		}
		if err := r.Recorder.InsertViolation(ctx, n.Session.ID, *n.Event); err != nil {
			return fmt.Errorf("failed to record violation %d: %w", n.Event.Seq, err)
		}
	case KindEnded:
		if err := r.Recorder.EndSession(ctx, n.Session); err != nil {
			return fmt.Errorf("failed to record session end: %w", err)
		}
	}
	return nil
}
