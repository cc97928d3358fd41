package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is one run of the engine against one subject.
type Session struct {
	ID      string     `json:"session_id"`
	Started time.Time  `json:"started"`
	Ended   *time.Time `json:"ended,omitempty"`
	Source  string     `json:"source,omitempty"`
	Note    string     `json:"note,omitempty"`
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// StartSession inserts s, assigning an id when it has none.
func (db *DB) StartSession(s *Session) error {
	if s.ID == "" {
		s.ID = NewSessionID()
	}
	if s.Started.IsZero() {
		s.Started = time.Now()
	}
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, started_unix, source, note) VALUES (?, ?, ?, ?)`,
		s.ID, toUnix(s.Started), s.Source, s.Note,
	)
	if err != nil {
		return fmt.Errorf("failed to start session %s: %w", s.ID, err)
	}
	return nil
}

// EndSession stamps the end time of a session.
func (db *DB) EndSession(id string, at time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_unix = ? WHERE session_id = ?`, toUnix(at), id)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession returns one session.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(
		`SELECT session_id, started_unix, ended_unix, source, note FROM sessions WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return s, nil
}

// ListSessions returns sessions newest first. limit <= 0 returns all.
func (db *DB) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT session_id, started_unix, ended_unix, source, note FROM sessions
		ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, through the foreign keys, its
// baselines, transitions and ticks.
func (db *DB) DeleteSession(id string) error {
	res, err := db.Exec(`DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		s       Session
		started float64
		ended   sql.NullFloat64
	)
	if err := sc.Scan(&s.ID, &started, &ended, &s.Source, &s.Note); err != nil {
		return nil, err
	}
	s.Started = fromUnix(started)
	if ended.Valid {
		t := fromUnix(ended.Float64)
		s.Ended = &t
	}
	return &s, nil
}
