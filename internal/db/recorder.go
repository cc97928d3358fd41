package db

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/baseline"
	"github.com/banshee-data/biostate.report/internal/engine"
)

// ErrNoSession is returned for events that carry no session id.
var ErrNoSession = errors.New("event has no session id")

// Recorder persists engine events. Sessions are created on first use, so
// events may arrive for a session that was never explicitly started.
type Recorder struct {
	db     *DB
	source string

	mu    sync.Mutex
	known map[string]bool
}

var _ engine.Recorder = (*Recorder)(nil)

// NewRecorder returns a recorder writing to db. source labels sessions it
// creates implicitly.
func NewRecorder(db *DB, source string) *Recorder {
	return &Recorder{db: db, source: source, known: make(map[string]bool)}
}

func (r *Recorder) ensureSession(id string, at time.Time) error {
	if id == "" {
		return ErrNoSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.known[id] {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.Exec(
		`INSERT OR IGNORE INTO sessions (session_id, started_unix, source) VALUES (?, ?, ?)`,
		id, toUnix(at), r.source)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", id, err)
	}
	r.known[id] = true
	return nil
}

// RecordBaseline stores a completed calibration.
func (r *Recorder) RecordBaseline(sessionID string, p baseline.Profile) error {
	if err := r.ensureSession(sessionID, p.CompletedAt); err != nil {
		return err
	}
	_, err := r.db.insertBaseline(sessionID, p)
	return err
}

// RecordTransition stores a persistent state change.
func (r *Recorder) RecordTransition(sessionID string, t engine.Transition) error {
	if err := r.ensureSession(sessionID, t.At); err != nil {
		return err
	}
	return r.db.insertTransition(sessionID, t)
}

// RecordTick stores a published snapshot.
func (r *Recorder) RecordTick(s engine.Snapshot) error {
	if err := r.ensureSession(s.SessionID, s.LastUpdate); err != nil {
		return err
	}
	return r.db.insertTick(s)
}
