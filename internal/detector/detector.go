// Package detector wraps a vision model behind a lifecycle and a throttle.
//
// A Detector is constructed per exam session. Initialize starts one asynchronous load;
// until the model is Ready every accepted Detect call answers ViolationNone, so an
// unready or failed model never produces violations on its own.
package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"
)

// DefaultThrottle is the minimum time between two accepted detections.
const DefaultThrottle = time.Second

// State is the lifecycle position of a Detector.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

const (
	eventLoad   = "load"
	eventLoaded = "loaded"
	eventFail   = "fail"
)

// ErrNoLoader is reported when a Detector is initialized without a Loader.
var ErrNoLoader = errors.New("detector has no model loader")

// Model is the classification capability behind a Detector.
type Model interface {
	Classify(ctx context.Context, frame *types.Frame) (types.Detection, error)
	Close() error
}

// Loader acquires a Model. It may block for as long as the model takes to become usable.
type Loader func(ctx context.Context) (Model, error)

// Options tunes a Detector. A zero Throttle disables throttling; nil Clock and Logger mean the real clock and no logging.
type Options struct {
	Throttle time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Detector answers point-in-time classification queries against live frames.
type Detector struct {
	load      Loader
	throttle  time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
	lifecycle *fsm.FSM
	done      chan struct{}

	mu           sync.Mutex
	model        Model
	lastAccepted time.Time
	closed       bool
}

// New builds an uninitialized Detector. Call Initialize to start loading the model.
func New(load Loader, opts Options) *Detector {
	if opts.Throttle < 0 {
		opts.Throttle = 0
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	d := &Detector{
		load:     load,
		throttle: opts.Throttle,
		clock:    opts.Clock,
		logger:   opts.Logger,
		done:     make(chan struct{}),
	}
	d.lifecycle = fsm.NewFSM(
		string(StateUninitialized),
		fsm.Events{
			{Name: eventLoad, Src: []string{string(StateUninitialized)}, Dst: string(StateLoading)},
			{Name: eventLoaded, Src: []string{string(StateLoading)}, Dst: string(StateReady)},
			{Name: eventFail, Src: []string{string(StateLoading)}, Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				d.logger.Debug("detector state transition", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return d
}

// Initialize starts loading the model in the background and returns immediately.
// Only the first call has an effect; later calls while loading, ready or failed are no-ops.
// Load errors are logged and leave the Detector in StateFailed.
func (d *Detector) Initialize(ctx context.Context) {
	if err := d.lifecycle.Event(context.Background(), eventLoad); err != nil {
		return
	}
	go d.run(ctx)
}

func (d *Detector) run(ctx context.Context) {
	defer close(d.done)

	model, err := d.safeLoad(ctx)
	if err != nil {
		d.logger.Warn("detector model load failed, detections will fail open", "error", err)
		_ = d.lifecycle.Event(context.Background(), eventFail)
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = model.Close()
		_ = d.lifecycle.Event(context.Background(), eventFail)
		return
	}
	d.model = model
	d.mu.Unlock()

	_ = d.lifecycle.Event(context.Background(), eventLoaded)
	d.logger.Info("detector model ready")
}

// safeLoad runs the loader and turns a panic into a load failure.
func (d *Detector) safeLoad(ctx context.Context) (m Model, err error) {
	if d.load == nil {
		return nil, ErrNoLoader
	}
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("model loader panicked: %v", r)
		}
	}()
	m, err = d.load(ctx)
	if err == nil && m == nil {
		err = errors.New("model loader returned no model")
	}
	return m, err
}

// Done is closed once the load attempt has settled into StateReady or StateFailed.
func (d *Detector) Done() <-chan struct{} { return d.done }

// State reports the current lifecycle state.
func (d *Detector) State() State { return State(d.lifecycle.Current()) }

// IsReady is true only in StateReady.
func (d *Detector) IsReady() bool { return d.State() == StateReady }

// Detect classifies frame. It returns nil without side effects when frame is empty or when
// less than the throttle interval has passed since the last accepted call. Otherwise it
// returns exactly one Detection; an unready model or a classification error yields ViolationNone.
func (d *Detector) Detect(ctx context.Context, frame *types.Frame) *types.Detection {
	if frame == nil || len(frame.Data) == 0 {
		return nil
	}

	now := d.clock.Now()
	d.mu.Lock()
	if !d.lastAccepted.IsZero() && now.Sub(d.lastAccepted) < d.throttle {
		d.mu.Unlock()
		return nil
	}
	d.lastAccepted = now
	model := d.model
	d.mu.Unlock()

	if model == nil || !d.IsReady() {
		return &types.Detection{Type: types.ViolationNone, Timestamp: now}
	}

	det, err := model.Classify(ctx, frame)
	if err != nil {
		d.logger.Warn("classification failed, treating frame as clean", "seq", frame.Seq, "error", err)
		return &types.Detection{Type: types.ViolationNone, Timestamp: now}
	}
	return sanitize(det, now)
}

// sanitize keeps a model answer inside the Detection contract.
func sanitize(det types.Detection, now time.Time) *types.Detection {
	if _, err := types.ParseViolationType(string(det.Type)); err != nil {
		det.Type = types.ViolationNone
	}
	if math.IsNaN(det.Confidence) {
		det.Type = types.ViolationNone
		det.Confidence = 0
	}
	if det.Confidence < 0 {
		det.Confidence = 0
	}
	if det.Confidence > 1 {
		det.Confidence = 1
	}
	if det.Timestamp.IsZero() {
		det.Timestamp = now
	}
	if det.BoundingBox != nil && !det.BoundingBox.Valid() {
		det.BoundingBox = nil
	}
	return &det
}

// Close releases the model. A load still in flight is discarded when it completes.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.model != nil {
		err := d.model.Close()
		d.model = nil
		return err
	}
	return nil
}
