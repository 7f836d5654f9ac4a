package types

import (
	"fmt"
	"math"
	"time"
)

// ViolationType is the closed set of classifications a detector can produce.
type ViolationType string

const (
	ViolationNone         ViolationType = "none"
	ViolationPhone        ViolationType = "phone_detected"
	ViolationMultipleFace ViolationType = "multiple_faces"
	ViolationNoFace       ViolationType = "no_face"
	ViolationLookingAway  ViolationType = "person_looking_away"
	ViolationUnknown      ViolationType = "unknown_person"
)

// AllViolationTypes lists every variant, none first.
var AllViolationTypes = []ViolationType{
	ViolationNone,
	ViolationPhone,
	ViolationMultipleFace,
	ViolationNoFace,
	ViolationLookingAway,
	ViolationUnknown,
}

func (v ViolationType) String() string { return string(v) }

// ParseViolationType maps the wire name back to a ViolationType.
func ParseViolationType(s string) (ViolationType, error) {
	for _, v := range AllViolationTypes {
		if string(v) == s {
			return v, nil
		}
	}
	return ViolationNone, fmt.Errorf("unknown violation type %q", s)
}

// Message is the human-readable text shown to the student for a violation.
// It is empty for ViolationNone.
func (v ViolationType) Message() string {
	switch v {
	case ViolationPhone:
		return "Phone detected in camera view"
	case ViolationMultipleFace:
		return "Multiple faces detected"
	case ViolationNoFace:
		return "Your face is not visible"
	case ViolationLookingAway:
		return "Please keep your eyes on the screen"
	case ViolationUnknown:
		return "Unknown person detected in camera view"
	case ViolationNone:
		return ""
	}
	return ""
}

// Severity classifies how serious a violation is for reviewers.
func (v ViolationType) Severity() Severity {
	switch v {
	case ViolationPhone, ViolationMultipleFace, ViolationUnknown:
		return SeverityHigh
	case ViolationNoFace:
		return SeverityMedium
	case ViolationLookingAway:
		return SeverityLow
	case ViolationNone:
		return SeverityNone
	}
	return SeverityNone
}

// Severity of a violation event.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// BoundingBox is a detection region normalized to [0,1] in both axes.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether every coordinate lies in [0,1]. NaN is never valid.
func (b BoundingBox) Valid() bool {
	for _, v := range []float64{b.X, b.Y, b.Width, b.Height} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return false
		}
	}
	return true
}

// Detection is one classified result from a detector invocation. Never mutated after creation.
type Detection struct {
	Type        ViolationType `json:"type"`
	Confidence  float64       `json:"confidence"`
	Timestamp   time.Time     `json:"timestamp"`
	BoundingBox *BoundingBox  `json:"box,omitempty"`
}

// IsViolation reports whether the detection carries anything other than ViolationNone.
func (d Detection) IsViolation() bool {
	return d.Type != ViolationNone && d.Type != ""
}

// Qualifies reports whether the detection should become a violation event.
func (d Detection) Qualifies(threshold float64) bool {
	return d.IsViolation() && d.Confidence >= threshold
}

// Frame is a single JPEG still taken from a live camera.
type Frame struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

// ViolationEvent is what the monitor hands to the surrounding UI for each qualifying detection.
type ViolationEvent struct {
	Seq         int           `json:"seq"`
	Type        ViolationType `json:"type"`
	Severity    Severity      `json:"severity"`
	Confidence  float64       `json:"confidence"`
	Message     string        `json:"message"`
	Timestamp   time.Time     `json:"timestamp"`
	BoundingBox *BoundingBox  `json:"box,omitempty"`

	// Snapshot is the JPEG frame the detection was made on, kept for evidence.
	Snapshot []byte `json:"-"`
}

// NewViolationEvent folds a qualifying detection into an event.
func NewViolationEvent(seq int, d Detection) ViolationEvent {
	return ViolationEvent{
		Seq:         seq,
		Type:        d.Type,
		Severity:    d.Type.Severity(),
		Confidence:  d.Confidence,
		Message:     d.Type.Message(),
		Timestamp:   d.Timestamp,
		BoundingBox: d.BoundingBox,
	}
}

// Outcome is how an exam attempt ended.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeSubmitted  Outcome = "submitted"
	OutcomeTimedOut   Outcome = "timed_out"
	OutcomeTerminated Outcome = "terminated"
)

// Status is the live monitoring state of a session.
type Status string

const (
	StatusNormal  Status = "normal"
	StatusWarning Status = "warning"
	StatusAlert   Status = "alert"
)

// StatusFor derives the live status from a violation count and the escalation ceiling.
func StatusFor(count, ceiling int) Status {
	switch {
	case count <= 0:
		return StatusNormal
	case ceiling > 0 && count >= ceiling:
		return StatusAlert
	default:
		return StatusWarning
	}
}

// SessionRecord is the persisted summary of one exam attempt.
type SessionRecord struct {
	ID         string    `json:"id"`
	ExamID     string    `json:"exam_id"`
	StudentID  string    `json:"student_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Violations int       `json:"violations"`
}

// Duration is how long the attempt ran, or zero while it is still in progress.
func (s SessionRecord) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}
