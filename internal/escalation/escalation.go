package escalation

import (
	"sync"
	"time"
)

// Warning is shown to the student when the ceiling is reached, before submission.
const Warning = "Too many violations detected. Exam will be submitted."

const (
	DefaultCeiling = 5
	DefaultGrace   = 3 * time.Second
)

// Policy decides when accumulated violations force submission.
// It fires once, on the first observed count at or above the ceiling.
type Policy struct {
	ceiling int
	grace   time.Duration

	mu    sync.Mutex
	fired bool
}

// New returns a Policy. Non-positive values fall back to the defaults.
func New(ceiling int, grace time.Duration) *Policy {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if grace < 0 {
		grace = DefaultGrace
	}
	return &Policy{ceiling: ceiling, grace: grace}
}

// Observe reports whether count triggers submission. It returns true at most once.
func (p *Policy) Observe(count int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fired || count < p.ceiling {
		return false
	}
	p.fired = true
	return true
}

func (p *Policy) Fired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fired
}

// Remaining is how many more violations the student may incur before submission.
func (p *Policy) Remaining(count int) int {
	if count >= p.ceiling {
		return 0
	}
	return p.ceiling - count
}

func (p *Policy) Ceiling() int { return p.ceiling }

// Grace is the pause between the final warning and forced submission.
func (p *Policy) Grace() time.Duration { return p.grace }
