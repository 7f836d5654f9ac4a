package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/proctor/internal/config"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer guards a bytes.Buffer shared by the progress bar and the summary.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func fastConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Detection.PollInterval = 5 * time.Millisecond
	cfg.Detection.ThrottleInterval = 0
	cfg.Escalation.Ceiling = 2
	cfg.Escalation.GraceDelay = 10 * time.Millisecond
	cfg.Model.LoadDelay = 0
	cfg.Model.Seed = 42
	cfg.Exam.Duration = 0
	cfg.Exam.ID = "calc-101"
	cfg.Evidence.Dir = t.TempDir()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRunWatchTerminatesAtCeiling(t *testing.T) {
	cfg := fastConfig(t)
	out := &syncBuffer{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rec, err := runWatch(ctx, cfg, true, nil, discard, out)
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeTerminated, rec.Outcome)
	assert.GreaterOrEqual(t, rec.Violations, 2)
	assert.Equal(t, "calc-101", rec.ExamID)

	text := out.String()
	assert.Contains(t, text, "synthetic frame")
	assert.Contains(t, text, "ended: terminated")

	// Every violation left a snapshot behind
	_, err = os.Stat(filepath.Join(cfg.Evidence.Dir, rec.ID, "0001.jpg"))
	assert.NoError(t, err)
}

func TestRunWatchSubmitsOnCancel(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Detection.PollInterval = time.Hour // nothing gets detected
	out := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	rec, err := runWatch(ctx, cfg, true, nil, discard, out)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSubmitted, rec.Outcome)
	assert.Zero(t, rec.Violations)
	assert.Contains(t, out.String(), "Submitting exam")
}

func TestBuildLoader(t *testing.T) {
	clk := clockwork.NewFakeClock()
	cfg := config.DefaultConfig()

	for _, backend := range []string{"", "simulated", "python"} {
		cfg.Model.Backend = backend
		l, err := buildLoader(cfg, clk, discard)
		assert.NoError(t, err, backend)
		assert.NotNil(t, l, backend)
	}

	cfg.Model.Backend = "tensorflow"
	_, err := buildLoader(cfg, clk, discard)
	assert.ErrorContains(t, err, "unknown model backend")
}

func TestDescribeSource(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, "/dev/video0 (v4l2)", describeSource(cfg, false))
	assert.Equal(t, "synthetic frame", describeSource(cfg, true))

	cfg.Capture.Format = ""
	assert.Equal(t, "/dev/video0", describeSource(cfg, false))
}

func TestPrintSummary(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := types.SessionRecord{
		ID:         "abc",
		StartedAt:  start,
		EndedAt:    start.Add(13 * time.Minute),
		Outcome:    types.OutcomeTerminated,
		Violations: 2,
	}
	events := []types.ViolationEvent{
		types.NewViolationEvent(2, types.Detection{Type: types.ViolationNoFace, Confidence: 0.9, Timestamp: start.Add(12*time.Minute + 45*time.Second)}),
		types.NewViolationEvent(1, types.Detection{Type: types.ViolationPhone, Confidence: 0.82, Timestamp: start.Add(90 * time.Second)}),
	}

	var buf bytes.Buffer
	printSummary(&buf, rec, events)
	text := buf.String()

	assert.Contains(t, text, "⛔ Session abc ended: terminated after 00:13:00 with 2 violation(s).")
	first := strings.Index(text, "00:01:30")
	second := strings.Index(text, "00:12:45")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second, "timeline is oldest first")
	assert.Contains(t, text, "82%")
	assert.Contains(t, text, "Your face is not visible")
}

func TestResolveDBURL(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "")
	assert.Equal(t, "postgres://cfg", resolveDBURL("postgres://cfg", false))
	assert.Empty(t, resolveDBURL("", false), "watch runs without a database")
	assert.Equal(t, "postgres://localhost:5432/proctor", resolveDBURL("", true))

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_DB", "proctor")
	assert.Equal(t, "postgres://u:p@db:5432/proctor", resolveDBURL("", false))
}
