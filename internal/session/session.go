package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/proctor/internal/capture"
	"github.com/andresmejia3/proctor/internal/notify"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"
)

// TimeUpWarning is shown when the exam countdown runs out.
const TimeUpWarning = "Time is up! Submitting your exam."

const (
	eventSubmit    = "submit"
	eventTimeOut   = "time_out"
	eventTerminate = "terminate"

	notifyTimeout = 5 * time.Second
)

type Config struct {
	ID        string // generated when empty
	ExamID    string
	StudentID string
	Duration  time.Duration // 0 disables the countdown
	Ceiling   int           // violation ceiling used for the live status

	Source   capture.Source
	Notifier notify.Notifier
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Session is one exam attempt. It supplies frames to the violation monitor,
// receives its events and ends exactly once: submitted, timed out or terminated.
type Session struct {
	cfg       Config
	lifecycle *fsm.FSM

	ctx  context.Context
	done chan struct{}

	mu         sync.Mutex
	startedAt  time.Time
	endedAt    time.Time
	violations int
	warnings   []string
	countdown  clockwork.Timer
}

func New(cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Source == nil {
		cfg.Source = capture.Static{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Multi{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Session{
		cfg:  cfg,
		ctx:  context.Background(),
		done: make(chan struct{}),
	}
	inProgress := string(types.OutcomeInProgress)
	s.lifecycle = fsm.NewFSM(
		inProgress,
		fsm.Events{
			{Name: eventSubmit, Src: []string{inProgress}, Dst: string(types.OutcomeSubmitted)},
			{Name: eventTimeOut, Src: []string{inProgress}, Dst: string(types.OutcomeTimedOut)},
			{Name: eventTerminate, Src: []string{inProgress}, Dst: string(types.OutcomeTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.cfg.Logger.Debug("session state transition", "session", s.cfg.ID, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

// ID is the session's unique identifier.
func (s *Session) ID() string { return s.cfg.ID }

// Start records the start time, announces the session and arms the exam countdown.
// ctx carries values for notifiers; cancelling it does not end the session.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = context.WithoutCancel(ctx)
	s.startedAt = s.cfg.Clock.Now()
	if s.cfg.Duration > 0 {
		s.countdown = s.cfg.Clock.AfterFunc(s.cfg.Duration, s.timeUp)
	}
	s.mu.Unlock()

	s.cfg.Logger.Info("exam session started",
		"session", s.cfg.ID,
		"exam", s.cfg.ExamID,
		"student", s.cfg.StudentID,
		"duration", s.cfg.Duration,
	)
	s.notify(notify.Notification{Kind: notify.KindStarted})
}

// CurrentFrame hands the monitor the latest camera frame.
func (s *Session) CurrentFrame() *types.Frame {
	if s.Ended() {
		return nil
	}
	return s.cfg.Source.CurrentFrame()
}

// NotifyViolation records a violation event. Events after the session ended are dropped.
func (s *Session) NotifyViolation(ev types.ViolationEvent) {
	s.mu.Lock()
	if s.Ended() {
		s.mu.Unlock()
		return
	}
	s.violations++
	s.mu.Unlock()

	s.notify(notify.Notification{Kind: notify.KindViolation, Event: &ev, Message: ev.Message})
}

// Warn displays a warning to the student.
func (s *Session) Warn(message string) {
	s.mu.Lock()
	s.warnings = append(s.warnings, message)
	s.mu.Unlock()

	s.notify(notify.Notification{Kind: notify.KindWarning, Message: message})
}

// ForceTerminate ends the session because of accumulated violations.
func (s *Session) ForceTerminate(reason string) {
	if s.end(eventTerminate) {
		s.cfg.Logger.Warn("exam session terminated", "session", s.cfg.ID, "reason", reason)
	}
}

// Submit ends the session at the student's request. It reports false if it had already ended.
func (s *Session) Submit() bool {
	return s.end(eventSubmit)
}

func (s *Session) timeUp() {
	if s.Ended() {
		return
	}
	s.Warn(TimeUpWarning)
	s.end(eventTimeOut)
}

// end performs the single transition out of in_progress.
func (s *Session) end(event string) bool {
	s.mu.Lock()
	if err := s.lifecycle.Event(context.Background(), event); err != nil {
		s.mu.Unlock()
		return false
	}
	s.endedAt = s.cfg.Clock.Now()
	if s.countdown != nil {
		s.countdown.Stop()
	}
	s.mu.Unlock()

	rec := s.Record()
	s.cfg.Logger.Info("exam session ended",
		"session", rec.ID,
		"outcome", rec.Outcome,
		"violations", rec.Violations,
		"duration", rec.Duration(),
	)
	s.notify(notify.Notification{Kind: notify.KindEnded})
	close(s.done)
	return true
}

func (s *Session) notify(n notify.Notification) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	n.Session = s.Record()
	n.Status = s.Status()
	n.Timestamp = s.cfg.Clock.Now()

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := s.cfg.Notifier.Notify(ctx, n); err != nil {
		s.cfg.Logger.Warn("failed to deliver session notification", "session", s.cfg.ID, "kind", n.Kind, "error", err)
	}
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome is in_progress until the session ends.
func (s *Session) Outcome() types.Outcome {
	return types.Outcome(s.lifecycle.Current())
}

func (s *Session) Ended() bool {
	return s.Outcome() != types.OutcomeInProgress
}

// Violations is how many violation events the session received.
func (s *Session) Violations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violations
}

// Warnings returns every warning shown so far, oldest first.
func (s *Session) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.warnings...)
}

// Status is the live monitoring state: normal, warning or alert.
func (s *Session) Status() types.Status {
	return types.StatusFor(s.Violations(), s.cfg.Ceiling)
}

// Remaining is the time left on the exam countdown, or zero when there is none.
func (s *Session) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Duration <= 0 || s.startedAt.IsZero() {
		return 0
	}
	end := s.endedAt
	if end.IsZero() {
		end = s.cfg.Clock.Now()
	}
	left := s.cfg.Duration - end.Sub(s.startedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Record is the persisted summary of the session so far.
func (s *Session) Record() types.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SessionRecord{
		ID:         s.cfg.ID,
		ExamID:     s.cfg.ExamID,
		StudentID:  s.cfg.StudentID,
		StartedAt:  s.startedAt,
		EndedAt:    s.endedAt,
		Outcome:    s.Outcome(),
		Violations: s.violations,
	}
}
