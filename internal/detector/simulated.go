package detector

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/jonboulle/clockwork"
)

// band is one slice of the reference distribution: draws below upper map to typ.
type band struct {
	upper  float64
	typ    types.ViolationType
	lo, hi float64
}

// referenceBands reproduces the reference detector: 70% clean frames, the rest spread
// across the violation types with per-type confidence ranges.
var referenceBands = []band{
	{upper: 0.70, typ: types.ViolationNone, lo: 0.95, hi: 0.95},
	{upper: 0.75, typ: types.ViolationPhone, lo: 0.70, hi: 0.95},
	{upper: 0.80, typ: types.ViolationMultipleFace, lo: 0.65, hi: 0.95},
	{upper: 0.85, typ: types.ViolationNoFace, lo: 0.80, hi: 1.00},
	{upper: 0.90, typ: types.ViolationLookingAway, lo: 0.60, hi: 0.90},
	{upper: 1.00, typ: types.ViolationUnknown, lo: 0.55, hi: 0.95},
}

// ConfidenceRange returns the advertised confidence range of the simulated model for t.
func ConfidenceRange(t types.ViolationType) (lo, hi float64) {
	for _, b := range referenceBands {
		if b.typ == t {
			return b.lo, b.hi
		}
	}
	return 0, 1
}

// SimulatedModel samples detections from the reference distribution.
type SimulatedModel struct {
	mu    sync.Mutex
	rng   *rand.Rand
	clock clockwork.Clock
}

// NewSimulatedModel seeds the sampler. A zero seed draws one from the clock.
func NewSimulatedModel(seed int64, clock clockwork.Clock) *SimulatedModel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}
	return &SimulatedModel{
		rng:   rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
		clock: clock,
	}
}

// Classify ignores the frame content and draws from the reference distribution.
func (m *SimulatedModel) Classify(_ context.Context, _ *types.Frame) (types.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rng.Float64()
	b := referenceBands[len(referenceBands)-1]
	for _, candidate := range referenceBands {
		if r < candidate.upper {
			b = candidate
			break
		}
	}

	det := types.Detection{
		Type:       b.typ,
		Confidence: b.lo + m.rng.Float64()*(b.hi-b.lo),
		Timestamp:  m.clock.Now(),
	}
	if b.typ != types.ViolationNone {
		det.BoundingBox = &types.BoundingBox{
			X:      m.rng.Float64() * 0.5,
			Y:      m.rng.Float64() * 0.5,
			Width:  0.3 + m.rng.Float64()*0.2,
			Height: 0.3 + m.rng.Float64()*0.2,
		}
	}
	return det, nil
}

// Close is a no-op.
func (m *SimulatedModel) Close() error { return nil }

// SimulatedLoader returns a Loader that takes delay to "load" a SimulatedModel.
func SimulatedLoader(delay time.Duration, seed int64, clock clockwork.Clock) Loader {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return func(ctx context.Context) (Model, error) {
		if delay > 0 {
			select {
			case <-clock.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return NewSimulatedModel(seed, clock), nil
	}
}
