package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/biostate.report/internal/baseline"
	"github.com/banshee-data/biostate.report/internal/classifier"
	"github.com/banshee-data/biostate.report/internal/engine"
	"github.com/banshee-data/biostate.report/internal/features"
)

// BaselineRecord is a stored calibration result.
type BaselineRecord struct {
	ID        int64            `json:"id"`
	SessionID string           `json:"session_id"`
	Summary   baseline.Summary `json:"baseline"`
}

// Profile rebuilds the classifier-facing profile.
func (b BaselineRecord) Profile() baseline.Profile {
	return baseline.ProfileFromSummary(b.Summary)
}

// TransitionRecord is a stored persistent state change.
type TransitionRecord struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	engine.Transition
}

// TickRecord is a stored published snapshot, flattened.
type TickRecord struct {
	SessionID  string                 `json:"session_id"`
	Seq        uint64                 `json:"seq"`
	At         time.Time              `json:"at"`
	Status     engine.Status          `json:"status"`
	Reason     string                 `json:"reason,omitempty"`
	Persistent classifier.State       `json:"persistent_state"`
	Tentative  classifier.State       `json:"tentative_state,omitempty"`
	Rule       int                    `json:"rule"`
	Features   features.FeatureVector `json:"features"`
	Flags      classifier.Flags       `json:"flags"`
}

func (db *DB) insertBaseline(sessionID string, p baseline.Profile) (int64, error) {
	summary, err := json.Marshal(p.Summary())
	if err != nil {
		return 0, fmt.Errorf("failed to encode baseline: %w", err)
	}
	res, err := db.Exec(
		`INSERT INTO baselines (session_id, completed_unix, summary_json) VALUES (?, ?, ?)`,
		sessionID, toUnix(p.CompletedAt), string(summary))
	if err != nil {
		return 0, fmt.Errorf("failed to insert baseline: %w", err)
	}
	return res.LastInsertId()
}

// LatestBaseline returns the most recent baseline of a session, or of any
// session when sessionID is empty.
func (db *DB) LatestBaseline(sessionID string) (*BaselineRecord, error) {
	query := `SELECT baseline_id, session_id, summary_json FROM baselines`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY completed_unix DESC, baseline_id DESC LIMIT 1`

	var (
		rec     BaselineRecord
		summary string
	)
	err := db.QueryRow(query, args...).Scan(&rec.ID, &rec.SessionID, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("baseline: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get baseline: %w", err)
	}
	if err := json.Unmarshal([]byte(summary), &rec.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode baseline %d: %w", rec.ID, err)
	}
	return &rec, nil
}

func (db *DB) insertTransition(sessionID string, t engine.Transition) error {
	flags, err := json.Marshal(t.Flags)
	if err != nil {
		return fmt.Errorf("failed to encode flags: %w", err)
	}
	fv, err := json.Marshal(t.Features)
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO transitions (session_id, at_unix, from_state, to_state, flags_json, features_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, toUnix(t.At), string(t.From), string(t.To), string(flags), string(fv))
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// Transitions returns a session's state changes in time order.
func (db *DB) Transitions(sessionID string, r TimeRange) ([]TransitionRecord, error) {
	conds, args := r.where("at_unix", []string{"session_id = ?"}, []interface{}{sessionID})
	args = append(args, r.limit())
	rows, err := db.Query(
		`SELECT transition_id, session_id, at_unix, from_state, to_state, flags_json, features_json
		FROM transitions WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY at_unix DESC, transition_id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var (
			rec        TransitionRecord
			at         float64
			from, to   string
			flags, fvs string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &at, &from, &to, &flags, &fvs); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.At = fromUnix(at)
		rec.From, rec.To = classifier.State(from), classifier.State(to)
		if err := json.Unmarshal([]byte(flags), &rec.Flags); err != nil {
			return nil, fmt.Errorf("failed to decode flags of transition %d: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(fvs), &rec.Features); err != nil {
			return nil, fmt.Errorf("failed to decode features of transition %d: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func nullable(v features.Value) sql.NullFloat64 {
	f, ok := v.Get()
	return sql.NullFloat64{Float64: f, Valid: ok}
}

func value(n sql.NullFloat64) features.Value {
	if !n.Valid {
		return features.Unavailable
	}
	return features.Of(n.Float64)
}

func (db *DB) insertTick(s engine.Snapshot) error {
	flags, err := json.Marshal(s.Flags)
	if err != nil {
		return fmt.Errorf("failed to encode flags: %w", err)
	}
	fv := s.Features
	_, err = db.Exec(
		`INSERT OR REPLACE INTO ticks (
			session_id, seq, at_unix, status, reason, persistent_state, tentative_state, rule,
			alpha_beta_ratio, theta_beta_ratio, heart_rate_bpm, movement_metric, blink_rate,
			expression_score, expression_label, flags_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.Seq, toUnix(s.LastUpdate), string(s.Status), s.Reason,
		string(s.Persistent), string(s.Tentative), s.Rule,
		nullable(fv.AlphaBetaRatio), nullable(fv.ThetaBetaRatio), nullable(fv.HeartRateBPM),
		nullable(fv.MovementMetric), nullable(fv.BlinkRate), nullable(fv.ExpressionScore),
		fv.ExpressionLabel, string(flags),
	)
	if err != nil {
		return fmt.Errorf("failed to insert tick %d: %w", s.Seq, err)
	}
	return nil
}

// Ticks returns a session's stored ticks in time order.
func (db *DB) Ticks(sessionID string, r TimeRange) ([]TickRecord, error) {
	conds, args := r.where("at_unix", []string{"session_id = ?"}, []interface{}{sessionID})
	args = append(args, r.limit())
	rows, err := db.Query(
		`SELECT session_id, seq, at_unix, status, reason, persistent_state, tentative_state, rule,
			alpha_beta_ratio, theta_beta_ratio, heart_rate_bpm, movement_metric, blink_rate,
			expression_score, expression_label, flags_json
		FROM ticks WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY at_unix DESC, seq DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		var (
			rec                       TickRecord
			at                        float64
			status, persistent, tent  string
			ab, tb, hr, mv, br, score sql.NullFloat64
			flags                     string
		)
		if err := rows.Scan(&rec.SessionID, &rec.Seq, &at, &status, &rec.Reason, &persistent, &tent, &rec.Rule,
			&ab, &tb, &hr, &mv, &br, &score, &rec.Features.ExpressionLabel, &flags); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		rec.At = fromUnix(at)
		rec.Status = engine.Status(status)
		rec.Persistent, rec.Tentative = classifier.State(persistent), classifier.State(tent)
		rec.Features.AlphaBetaRatio = value(ab)
		rec.Features.ThetaBetaRatio = value(tb)
		rec.Features.HeartRateBPM = value(hr)
		rec.Features.MovementMetric = value(mv)
		rec.Features.BlinkRate = value(br)
		rec.Features.ExpressionScore = value(score)
		rec.Features.Timestamp = rec.At
		if err := json.Unmarshal([]byte(flags), &rec.Flags); err != nil {
			return nil, fmt.Errorf("failed to decode flags of tick %d: %w", rec.Seq, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// PruneTicks deletes ticks recorded before cutoff and returns how many
// were removed. Sessions, baselines and transitions are kept.
func (db *DB) PruneTicks(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM ticks WHERE at_unix < ?`, toUnix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune ticks: %w", err)
	}
	return res.RowsAffected()
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
