package monitor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/proctor/internal/escalation"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultPollInterval        = 15 * time.Second
	DefaultConfidenceThreshold = 0.5

	// ReasonViolations is passed to ForceTerminate when the violation ceiling is reached.
	ReasonViolations = "violation ceiling reached"
)

// Detector is the classification capability the monitor polls.
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame) *types.Detection
}

// Host is the exam session the monitor reports to.
// NotifyViolation is called synchronously from the tick and must not call Stop.
type Host interface {
	CurrentFrame() *types.Frame
	NotifyViolation(ev types.ViolationEvent)
	ForceTerminate(reason string)
}

// Warner is implemented by hosts that can display the final warning before submission.
type Warner interface {
	Warn(message string)
}

type Config struct {
	PollInterval        time.Duration
	ConfidenceThreshold float64
	Clock               clockwork.Clock
	Logger              *slog.Logger
}

// Monitor polls a Detector against the host's camera on a fixed interval and turns
// qualifying detections into violation events.
type Monitor struct {
	cfg    Config
	det    Detector
	host   Host
	policy *escalation.Policy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	// tickMu serializes tick bodies against Stop and the grace callback.
	tickMu  sync.Mutex
	stopped bool
	grace   clockwork.Timer

	mu     sync.RWMutex
	count  int
	events []types.ViolationEvent // most recent first
	last   *types.Detection

	terminated atomic.Bool
}

// New builds a Monitor. A nil policy disables escalation.
func New(cfg Config, det Detector, host Host, policy *escalation.Policy) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:    cfg,
		det:    det,
		host:   host,
		policy: policy,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins polling. The monitor also stops when parent is cancelled.
// Calling Start more than once has no effect.
func (m *Monitor) Start(parent context.Context) {
	m.startOnce.Do(func() {
		stop := context.AfterFunc(parent, m.cancel)

		ticker := m.cfg.Clock.NewTicker(m.cfg.PollInterval)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer stop()
			defer ticker.Stop()

			for {
				select {
				case <-m.ctx.Done():
					return
				case <-ticker.Chan():
					m.Tick()
				}
			}
		}()
		m.cfg.Logger.Info("violation monitor started", "interval", m.cfg.PollInterval, "threshold", m.cfg.ConfidenceThreshold)
	})
}

// Stop cancels the ticker, any detection in flight and any pending forced submission,
// then waits for the loop to exit. No state changes after Stop returns.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()

		m.tickMu.Lock()
		m.stopped = true
		if m.grace != nil {
			m.grace.Stop()
		}
		m.tickMu.Unlock()

		m.wg.Wait()
		m.cfg.Logger.Debug("violation monitor stopped", "violations", m.ViolationCount())
	})
}

// Tick runs one detection cycle. It is what the ticker calls; exposed for hosts that drive
// the cycle themselves.
func (m *Monitor) Tick() {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	if m.stopped || m.ctx.Err() != nil {
		return
	}

	// 1. No camera frame is not an error
	frame := m.host.CurrentFrame()
	if frame == nil {
		return
	}

	// 2. Detect (nil means throttled)
	det := m.det.Detect(m.ctx, frame)
	if det == nil {
		return
	}

	// 3. A result that lands after cancellation is discarded
	if m.stopped || m.ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	m.last = det
	if !det.Qualifies(m.cfg.ConfidenceThreshold) {
		m.mu.Unlock()
		return
	}
	m.count++
	count := m.count
	ev := types.NewViolationEvent(count, *det)
	ev.Snapshot = frame.Data
	m.events = append([]types.ViolationEvent{ev}, m.events...)
	m.mu.Unlock()

	m.cfg.Logger.Info("violation detected",
		"seq", ev.Seq,
		"type", ev.Type,
		"severity", ev.Severity,
		"confidence", ev.Confidence,
	)

	// 4. Emit in the same tick
	m.host.NotifyViolation(ev)

	// 5. Escalate
	if m.policy != nil && m.policy.Observe(count) {
		m.escalate(count)
	}
}

// escalate shows the final warning and schedules forced submission. Called with tickMu held.
func (m *Monitor) escalate(count int) {
	m.cfg.Logger.Warn("violation ceiling reached, scheduling submission",
		"violations", count,
		"ceiling", m.policy.Ceiling(),
		"grace", m.policy.Grace(),
	)
	if w, ok := m.host.(Warner); ok {
		w.Warn(escalation.Warning)
	}
	m.grace = m.cfg.Clock.AfterFunc(m.policy.Grace(), m.forceTerminate)
}

func (m *Monitor) forceTerminate() {
	m.tickMu.Lock()
	if m.stopped {
		m.tickMu.Unlock()
		return
	}
	m.stopped = true
	m.terminated.Store(true)
	m.cancel()
	m.tickMu.Unlock()

	m.cfg.Logger.Warn("forcing exam submission", "reason", ReasonViolations)
	m.host.ForceTerminate(ReasonViolations)
}

// ViolationCount is the number of violation events emitted so far.
func (m *Monitor) ViolationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Log returns the violation messages, most recent first.
func (m *Monitor) Log() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Message
	}
	return out
}

// Events returns a copy of the emitted events, most recent first.
func (m *Monitor) Events() []types.ViolationEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.ViolationEvent(nil), m.events...)
}

// LastDetection is the most recent detector answer, qualifying or not.
func (m *Monitor) LastDetection() *types.Detection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Terminated reports whether the monitor forced submission.
func (m *Monitor) Terminated() bool { return m.terminated.Load() }
