package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound is returned when a session or event does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous is returned when a session ID prefix matches more than one session.
	ErrAmbiguous = errors.New("session prefix is ambiguous")
)

// Store manages the PostgreSQL connection holding session timelines.
type Store struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// ViolationRecord is a persisted violation event plus its review state.
type ViolationRecord struct {
	ID        int64
	SessionID string
	types.ViolationEvent
	Flagged bool
	Note    string
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS exam_sessions (
			id TEXT PRIMARY KEY,
			exam_id TEXT NOT NULL DEFAULT '',
			student_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			outcome TEXT NOT NULL DEFAULT 'in_progress',
			violations INT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS violation_events (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES exam_sessions(id) ON DELETE CASCADE,
			seq INT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			message TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			box_x DOUBLE PRECISION,
			box_y DOUBLE PRECISION,
			box_w DOUBLE PRECISION,
			box_h DOUBLE PRECISION,
			flagged BOOLEAN NOT NULL DEFAULT FALSE,
			note TEXT NOT NULL DEFAULT '',
			UNIQUE (session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS violation_events_session_id_idx ON violation_events (session_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// CreateSession registers a new attempt. Re-registering the same ID resets its timeline.
func (s *Store) CreateSession(ctx context.Context, rec types.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// 1. Clean up old data to ensure idempotency
	if _, err := tx.Exec(ctx, "DELETE FROM violation_events WHERE session_id = $1", rec.ID); err != nil {
		return err
	}

	// 2. Upsert the session row
	outcome := rec.Outcome
	if outcome == "" {
		outcome = types.OutcomeInProgress
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO exam_sessions (id, exam_id, student_id, started_at, outcome, violations)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (id) DO UPDATE SET
			exam_id = EXCLUDED.exam_id,
			student_id = EXCLUDED.student_id,
			started_at = EXCLUDED.started_at,
			ended_at = NULL,
			outcome = EXCLUDED.outcome,
			violations = 0
	`, rec.ID, rec.ExamID, rec.StudentID, rec.StartedAt, string(outcome))
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// InsertViolation appends one event to a session timeline.
func (s *Store) InsertViolation(ctx context.Context, sessionID string, ev types.ViolationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var x, y, w, h *float64
	if b := ev.BoundingBox; b != nil {
		x, y, w, h = &b.X, &b.Y, &b.Width, &b.Height
	}

	_, err := s.conn.Exec(ctx, `
		INSERT INTO violation_events (session_id, seq, type, severity, confidence, message, occurred_at, box_x, box_y, box_w, box_h)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sessionID, ev.Seq, string(ev.Type), string(ev.Severity), ev.Confidence, ev.Message, ev.Timestamp, x, y, w, h)
	return err
}

// EndSession records the outcome and final violation count.
func (s *Store) EndSession(ctx context.Context, rec types.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.conn.Exec(ctx, `
		UPDATE exam_sessions SET ended_at = $2, outcome = $3, violations = $4 WHERE id = $1
	`, rec.ID, rec.EndedAt, string(rec.Outcome), rec.Violations)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

const sessionColumns = `id, exam_id, student_id, started_at, ended_at, outcome, violations`

func scanSession(row pgx.Row) (types.SessionRecord, error) {
	var rec types.SessionRecord
	var endedAt *time.Time
	var outcome string
	if err := row.Scan(&rec.ID, &rec.ExamID, &rec.StudentID, &rec.StartedAt, &endedAt, &outcome, &rec.Violations); err != nil {
		return rec, err
	}
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	rec.Outcome = types.Outcome(outcome)
	return rec, nil
}

// ListSessions returns the most recent sessions first. A non-positive limit returns all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]types.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + sessionColumns + ` FROM exam_sessions ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindSession resolves a full session ID or a unique prefix of one.
func (s *Store) FindSession(ctx context.Context, idOrPrefix string) (types.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1 OR id LIKE $2 ORDER BY (id = $1) DESC LIMIT 2`,
		idOrPrefix, idOrPrefix+"%")
	if err != nil {
		return types.SessionRecord{}, err
	}
	defer rows.Close()

	var found []types.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return types.SessionRecord{}, err
		}
		found = append(found, rec)
	}
	if err := rows.Err(); err != nil {
		return types.SessionRecord{}, err
	}

	switch {
	case len(found) == 0:
		return types.SessionRecord{}, fmt.Errorf("session %s: %w", idOrPrefix, ErrNotFound)
	case found[0].ID == idOrPrefix || len(found) == 1:
		return found[0], nil
	default:
		return types.SessionRecord{}, fmt.Errorf("%s: %w", idOrPrefix, ErrAmbiguous)
	}
}

// GetViolations returns a session timeline in the order the events happened.
func (s *Store) GetViolations(ctx context.Context, sessionID string) ([]ViolationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT id, session_id, seq, type, severity, confidence, message, occurred_at,
			box_x, box_y, box_w, box_h, flagged, note
		FROM violation_events WHERE session_id = $1 ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ViolationRecord
	for rows.Next() {
		var r ViolationRecord
		var vt, sev string
		var x, y, w, h *float64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Seq, &vt, &sev, &r.Confidence, &r.Message, &r.Timestamp,
			&x, &y, &w, &h, &r.Flagged, &r.Note); err != nil {
			return nil, err
		}
		r.Type = types.ViolationType(vt)
		r.Severity = types.Severity(sev)
		if x != nil && y != nil && w != nil && h != nil {
			r.BoundingBox = &types.BoundingBox{X: *x, Y: *y, Width: *w, Height: *h}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FlagViolation marks an event for manual review. An empty note keeps the existing one.
func (s *Store) FlagViolation(ctx context.Context, id int64, flagged bool, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.conn.Exec(ctx, `
		UPDATE violation_events SET flagged = $2, note = COALESCE(NULLIF($3::text, ''), note) WHERE id = $1
	`, id, flagged, note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS violation_events CASCADE;
		DROP TABLE IF EXISTS exam_sessions CASCADE;
	`)
	return err
}
