package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/structprobe/internal/events"
)

// ErrSessionNotFound is returned when a session ID has no record.
var ErrSessionNotFound = errors.New("resolve session not found")

// StateRunning is stored until a finished event arrives.
const StateRunning = "running"

// SessionRecord is one resolve session.
type SessionRecord struct {
	ID            string     `json:"id"`
	OpCode        uint16     `json:"opcode"`
	Name          string     `json:"name"`
	Path          string     `json:"path"`
	State         string     `json:"state"`
	Reason        string     `json:"reason,omitempty"`
	InitialFields int        `json:"initial_fields"`
	Fields        int        `json:"fields"`
	BufferLen     int        `json:"buffer_len"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// StepRecord is one field appended during a session.
type StepRecord struct {
	Seq       int       `json:"seq"`
	Offset    int       `json:"offset"`
	Hint      string    `json:"hint"`
	FieldType string    `json:"field_type"`
	Value     string    `json:"value"`
	BufferLen int       `json:"buffer_len"`
	CreatedAt time.Time `json:"created_at"`
}

// IgnoredRecord is a diagnostic that was dropped during a session.
type IgnoredRecord struct {
	Text      string    `json:"text"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryDatabase records resolve sessions.
type HistoryDatabase struct {
	db *Database
}

// NewHistoryDatabase opens the database and migrates the schema.
func NewHistoryDatabase(dbPath string) (*HistoryDatabase, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	hdb := &HistoryDatabase{db: database}
	if err := hdb.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return hdb, nil
}

// historySchema lists the schema versions in order. Append, never edit.
var historySchema = []string{
	`
		CREATE TABLE IF NOT EXISTS resolve_sessions (
			id TEXT PRIMARY KEY,
			opcode INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'running',
			reason TEXT NOT NULL DEFAULT '',
			initial_fields INTEGER NOT NULL DEFAULT 0,
			fields INTEGER NOT NULL DEFAULT 0,
			buffer_len INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS resolve_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			byte_offset INTEGER NOT NULL,
			hint TEXT NOT NULL,
			field_type TEXT NOT NULL,
			value TEXT NOT NULL,
			buffer_len INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES resolve_sessions(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS ignored_feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			text TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES resolve_sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_opcode ON resolve_sessions(opcode);
		CREATE INDEX IF NOT EXISTS idx_sessions_started ON resolve_sessions(started_at);
		CREATE INDEX IF NOT EXISTS idx_steps_session ON resolve_steps(session_id, seq);
	`,
}

func (h *HistoryDatabase) migrate() error {
	return h.db.Migrate(historySchema)
}

// Bus handlers run concurrently, so any event may be the first to reach
// the database for its session.
func ensureSession(tx *sql.Tx, id string, opcode uint16, name string) error {
	_, err := tx.Exec(
		"INSERT OR IGNORE INTO resolve_sessions (id, opcode, name, started_at) VALUES (?, ?, ?, ?)",
		id, int(opcode), name, time.Now().UTC())
	return err
}

// RecordStarted stores a resolve_started event.
func (h *HistoryDatabase) RecordStarted(p events.ResolveStartedPayload) error {
	return h.db.Transaction(func(tx *sql.Tx) error {
		if err := ensureSession(tx, p.SessionID, p.OpCode.ID, p.OpCode.Name); err != nil {
			return err
		}
		_, err := tx.Exec(
			"UPDATE resolve_sessions SET path = ?, initial_fields = ? WHERE id = ?",
			p.Path, p.Fields, p.SessionID)
		return err
	})
}

// RecordField stores a field_resolved event.
func (h *HistoryDatabase) RecordField(p events.FieldResolvedPayload) error {
	return h.db.Transaction(func(tx *sql.Tx) error {
		if err := ensureSession(tx, p.SessionID, p.OpCode.ID, p.OpCode.Name); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO resolve_steps (session_id, seq, byte_offset, hint, field_type, value, buffer_len, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.SessionID, p.Seq, p.Offset, p.Hint, p.Type.String(), p.Value, p.BufferLen, time.Now().UTC())
		return err
	})
}

// RecordIgnored stores a feedback_ignored event.
func (h *HistoryDatabase) RecordIgnored(p events.FeedbackIgnoredPayload) error {
	return h.db.Transaction(func(tx *sql.Tx) error {
		if err := ensureSession(tx, p.SessionID, p.OpCode.ID, p.OpCode.Name); err != nil {
			return err
		}
		_, err := tx.Exec(
			"INSERT INTO ignored_feedback (session_id, text, reason, created_at) VALUES (?, ?, ?, ?)",
			p.SessionID, p.Text, p.Reason, time.Now().UTC())
		return err
	})
}

// RecordFinished stores a resolve_finished event.
func (h *HistoryDatabase) RecordFinished(p events.ResolveFinishedPayload) error {
	return h.db.Transaction(func(tx *sql.Tx) error {
		if err := ensureSession(tx, p.SessionID, p.OpCode.ID, p.OpCode.Name); err != nil {
			return err
		}
		_, err := tx.Exec(
			`UPDATE resolve_sessions
			 SET state = ?, reason = ?, fields = ?, buffer_len = ?, finished_at = ?
			 WHERE id = ?`,
			p.State, p.Reason, p.Fields, p.BufferLen, time.Now().UTC(), p.SessionID)
		return err
	})
}

// Subscribe records every resolve lifecycle event published on bus.
func (h *HistoryDatabase) Subscribe(bus *events.EventBus) {
	bus.Subscribe("history", func(ctx context.Context, ev events.Event) error {
		switch p := ev.Payload.(type) {
		case events.ResolveStartedPayload:
			return h.RecordStarted(p)
		case events.FieldResolvedPayload:
			return h.RecordField(p)
		case events.FeedbackIgnoredPayload:
			return h.RecordIgnored(p)
		case events.ResolveFinishedPayload:
			return h.RecordFinished(p)
		}
		return nil
	},
		events.EventResolveStarted,
		events.EventFieldResolved,
		events.EventFeedbackIgnored,
		events.EventResolveFinished,
	)
}

const sessionColumns = `id, opcode, name, path, state, reason, initial_fields, fields, buffer_len, started_at, finished_at`

func scanSession(scan func(dest ...interface{}) error) (SessionRecord, error) {
	var r SessionRecord
	var opcode int
	var finished sql.NullTime
	err := scan(&r.ID, &opcode, &r.Name, &r.Path, &r.State, &r.Reason,
		&r.InitialFields, &r.Fields, &r.BufferLen, &r.StartedAt, &finished)
	if err != nil {
		return r, err
	}
	r.OpCode = uint16(opcode)
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}

// RecentSessions returns up to limit sessions, newest first. A non-zero
// opcode filters by opcode.
func (h *HistoryDatabase) RecentSessions(limit int, opcode uint16) ([]SessionRecord, error) {
	query := "SELECT " + sessionColumns + " FROM resolve_sessions"
	args := []interface{}{}
	if opcode != 0 {
		query += " WHERE opcode = ?"
		args = append(args, int(opcode))
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, r)
	}
	return sessions, rows.Err()
}

// Session returns one session by ID.
func (h *HistoryDatabase) Session(id string) (SessionRecord, error) {
	row := h.db.QueryRow("SELECT "+sessionColumns+" FROM resolve_sessions WHERE id = ?", id)
	r, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return r, err
}

// Steps returns the fields appended during a session, in order.
func (h *HistoryDatabase) Steps(sessionID string) ([]StepRecord, error) {
	rows, err := h.db.Query(
		`SELECT seq, byte_offset, hint, field_type, value, buffer_len, created_at
		 FROM resolve_steps WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var s StepRecord
		if err := rows.Scan(&s.Seq, &s.Offset, &s.Hint, &s.FieldType, &s.Value, &s.BufferLen, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// Ignored returns the diagnostics dropped during a session.
func (h *HistoryDatabase) Ignored(sessionID string) ([]IgnoredRecord, error) {
	rows, err := h.db.Query(
		"SELECT text, reason, created_at FROM ignored_feedback WHERE session_id = ? ORDER BY id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ignored feedback: %w", err)
	}
	defer rows.Close()

	var out []IgnoredRecord
	for rows.Next() {
		var r IgnoredRecord
		if err := rows.Scan(&r.Text, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ignored feedback: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune removes finished sessions older than days. Steps cascade.
func (h *HistoryDatabase) Prune(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := h.db.Exec(
		"DELETE FROM resolve_sessions WHERE finished_at IS NOT NULL AND finished_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("sessions", n).Int("days", days).Msg("pruned resolve history")
	}
	return n, nil
}

// Close closes the database.
func (h *HistoryDatabase) Close() error {
	return h.db.Close()
}
