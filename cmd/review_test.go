package cmd

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/proctor/internal/store"
	"github.com/andresmejia3/proctor/internal/types"
	"github.com/stretchr/testify/assert"
)

func reviewFixture() (types.SessionRecord, []store.ViolationRecord) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess := types.SessionRecord{
		ID:         "3f2a9c10-0000-4000-8000-000000000000",
		ExamID:     "calc-101",
		StartedAt:  start,
		EndedAt:    start.Add(20 * time.Minute),
		Outcome:    types.OutcomeSubmitted,
		Violations: 2,
	}
	events := []store.ViolationRecord{
		{
			ID:             11,
			SessionID:      sess.ID,
			ViolationEvent: types.NewViolationEvent(1, types.Detection{Type: types.ViolationPhone, Confidence: 0.91, Timestamp: start.Add(65 * time.Second)}),
		},
		{
			ID:             12,
			SessionID:      sess.ID,
			ViolationEvent: types.NewViolationEvent(2, types.Detection{Type: types.ViolationLookingAway, Confidence: 0.55, Timestamp: start.Add(10 * time.Minute)}),
			Flagged:        true,
			Note:           "glanced at notes",
		},
	}
	return sess, events
}

func TestPrintTimeline(t *testing.T) {
	sess, events := reviewFixture()

	var buf bytes.Buffer
	printTimeline(&buf, sess, events, false)
	text := buf.String()

	assert.Contains(t, text, "exam=calc-101  student=-")
	assert.Contains(t, text, "00:01:05")
	assert.Contains(t, text, "00:10:00")
	assert.Contains(t, text, "91%")
	assert.Contains(t, text, "(glanced at notes)")
	assert.Less(t, strings.Index(text, "00:01:05"), strings.Index(text, "00:10:00"))
}

func TestPrintTimelineFlaggedOnly(t *testing.T) {
	sess, events := reviewFixture()

	var buf bytes.Buffer
	printTimeline(&buf, sess, events, true)
	text := buf.String()
	assert.NotContains(t, text, "00:01:05")
	assert.Contains(t, text, "🚩")

	buf.Reset()
	printTimeline(&buf, sess, events[:1], true)
	assert.Contains(t, buf.String(), "No violations recorded")
}

func TestPrintSessions(t *testing.T) {
	sess, _ := reviewFixture()
	running := types.SessionRecord{ID: "ab", StartedAt: sess.StartedAt, Outcome: types.OutcomeInProgress}

	var buf bytes.Buffer
	printSessions(&buf, []types.SessionRecord{sess, running}, 5)
	text := buf.String()

	assert.Contains(t, text, "3f2a9c10 ")
	assert.NotContains(t, text, sess.ID, "IDs are shortened")
	assert.Contains(t, text, "00:20:00")
	assert.Contains(t, text, string(types.StatusFor(2, 5)))

	buf.Reset()
	printSessions(&buf, nil, 5)
	assert.Equal(t, "No sessions found in database.\n", buf.String())
}

func TestConfirm(t *testing.T) {
	for input, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "": false} {
		var out bytes.Buffer
		got := confirm(bufio.NewReader(strings.NewReader(input)), &out, "Sure?")
		assert.Equal(t, want, got, "input %q", input)
		assert.Equal(t, "Sure? [y/N]: ", out.String())
	}
}

func TestResetKeepsRootDBFlag(t *testing.T) {
	assert.NotNil(t, resetCmd.LocalFlags().Lookup("database"))
	assert.Nil(t, resetCmd.LocalFlags().Lookup("db"), "--db is the connection string inherited from root")
	assert.NotNil(t, resetCmd.InheritedFlags().Lookup("db"))
}
