// ABOUTME: SQLite-backed index of telemetry sessions and checkpoints for fast list queries.
// ABOUTME: Mirrors the JSON files on disk and can be rebuilt from them at any time.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/2389-research/prowzi/checkpoint"
	"github.com/2389-research/prowzi/telemetry"
)

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Compile-time checks that SqliteIndex mirrors both stores.
var (
	_ checkpoint.Index = (*SqliteIndex)(nil)
	_ telemetry.Index  = (*SqliteIndex)(nil)
)

// SqliteIndex is a queryable cache over the session and checkpoint files.
// The files are the source of truth.
type SqliteIndex struct {
	db *sql.DB
}

// OpenSqlite opens or creates an index database at path.
func OpenSqlite(path string) (*SqliteIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			input_preview TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			completed INTEGER NOT NULL,
			success INTEGER NOT NULL,
			total_duration_seconds REAL NOT NULL,
			total_retries INTEGER NOT NULL,
			stages_completed INTEGER NOT NULL,
			event_count INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			created_at TEXT NOT NULL,
			input_preview TEXT NOT NULL,
			stage_metrics TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_session
			ON checkpoints (session_id, created_at);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SqliteIndex{db: db}, nil
}

// Close closes the database connection.
func (idx *SqliteIndex) Close() error {
	return idx.db.Close()
}

// UpsertSession implements telemetry.Index.
func (idx *SqliteIndex) UpsertSession(s telemetry.SessionSummary) error {
	return upsertSession(idx.db, s)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertSession(db execer, s telemetry.SessionSummary) error {
	var completedAt *string
	if s.CompletedAt != nil {
		v := formatTime(*s.CompletedAt)
		completedAt = &v
	}
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, input_preview, started_at, completed_at, completed, success,
			total_duration_seconds, total_retries, stages_completed, event_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			input_preview = excluded.input_preview,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			completed = excluded.completed,
			success = excluded.success,
			total_duration_seconds = excluded.total_duration_seconds,
			total_retries = excluded.total_retries,
			stages_completed = excluded.stages_completed,
			event_count = excluded.event_count`,
		s.SessionID, s.InputPreview, formatTime(s.StartedAt), completedAt, s.Completed, s.Success,
		s.TotalDurationSeconds, s.TotalRetries, s.StagesCompleted, s.EventCount,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, input_preview, started_at, completed_at, completed, success,
	total_duration_seconds, total_retries, stages_completed, event_count`

// ListSessions returns sessions newest first. limit <= 0 means all.
func (idx *SqliteIndex) ListSessions(limit int) ([]telemetry.SessionSummary, error) {
	query := "SELECT " + sessionColumns + " FROM sessions ORDER BY started_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []telemetry.SessionSummary
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSession returns one session row, or ErrNotFound.
func (idx *SqliteIndex) GetSession(id string) (telemetry.SessionSummary, error) {
	row := idx.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?", id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.SessionSummary{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(r scanner) (telemetry.SessionSummary, error) {
	var (
		s           telemetry.SessionSummary
		startedAt   string
		completedAt sql.NullString
	)
	err := r.Scan(&s.SessionID, &s.InputPreview, &startedAt, &completedAt, &s.Completed, &s.Success,
		&s.TotalDurationSeconds, &s.TotalRetries, &s.StagesCompleted, &s.EventCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("scan session row: %w", err)
	}
	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return s, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return s, err
		}
		s.CompletedAt = &t
	}
	return s, nil
}

// UpsertCheckpoint implements checkpoint.Index.
func (idx *SqliteIndex) UpsertCheckpoint(m checkpoint.Metadata) error {
	return upsertCheckpoint(idx.db, m)
}

func upsertCheckpoint(db execer, m checkpoint.Metadata) error {
	metrics, err := json.Marshal(m.StageMetrics)
	if err != nil {
		return fmt.Errorf("encode stage metrics: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO checkpoints (checkpoint_id, session_id, stage, created_at, input_preview, stage_metrics)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(checkpoint_id) DO UPDATE SET
			session_id = excluded.session_id,
			stage = excluded.stage,
			created_at = excluded.created_at,
			input_preview = excluded.input_preview,
			stage_metrics = excluded.stage_metrics`,
		m.CheckpointID, m.SessionID, m.Stage, formatTime(m.CreatedAt), m.InputPreview, string(metrics),
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// DeleteCheckpoint implements checkpoint.Index.
func (idx *SqliteIndex) DeleteCheckpoint(id string) error {
	if _, err := idx.db.Exec("DELETE FROM checkpoints WHERE checkpoint_id = ?", id); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns checkpoints newest first, optionally for one
// session only.
func (idx *SqliteIndex) ListCheckpoints(sessionID string) ([]checkpoint.Metadata, error) {
	query := `SELECT checkpoint_id, session_id, stage, created_at, input_preview, stage_metrics
		FROM checkpoints`
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC, checkpoint_id DESC"

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []checkpoint.Metadata
	for rows.Next() {
		var (
			m         checkpoint.Metadata
			createdAt string
			metrics   string
		)
		if err := rows.Scan(&m.CheckpointID, &m.SessionID, &m.Stage, &createdAt, &m.InputPreview, &metrics); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metrics), &m.StageMetrics); err != nil {
			return nil, fmt.Errorf("decode stage metrics for %s: %w", m.CheckpointID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Rebuild clears the index and reloads it from the given rows, in one
// transaction.
func (idx *SqliteIndex) Rebuild(sessions []telemetry.SessionSummary, checkpoints []checkpoint.Metadata) error {
	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM sessions"); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM checkpoints"); err != nil {
		return fmt.Errorf("clear checkpoints: %w", err)
	}
	for _, s := range sessions {
		if err := upsertSession(tx, s); err != nil {
			return err
		}
	}
	for _, m := range checkpoints {
		if err := upsertCheckpoint(tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// SessionSource lists persisted telemetry sessions.
type SessionSource interface {
	ListSessions(limit int) ([]telemetry.SessionSummary, error)
}

// CheckpointSource lists persisted checkpoints.
type CheckpointSource interface {
	List(sessionID string) ([]checkpoint.Metadata, error)
}

// RebuildFrom reloads the index from the files behind sessions and
// checkpoints. It returns the number of rows of each kind indexed.
func (idx *SqliteIndex) RebuildFrom(sessions SessionSource, checkpoints CheckpointSource) (int, int, error) {
	ss, err := sessions.ListSessions(0)
	if err != nil {
		return 0, 0, fmt.Errorf("list sessions: %w", err)
	}
	cps, err := checkpoints.List("")
	if err != nil {
		return 0, 0, fmt.Errorf("list checkpoints: %w", err)
	}
	if err := idx.Rebuild(ss, cps); err != nil {
		return 0, 0, err
	}
	return len(ss), len(cps), nil
}
