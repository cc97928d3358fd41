package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/biostate.report/internal/baseline"
	"github.com/banshee-data/biostate.report/internal/db"
	"github.com/banshee-data/biostate.report/internal/httputil"
)

// Source supplies a session's stored history. *db.DB implements it
// directly; RemoteSource reads the same data from a running server.
type Source interface {
	LatestBaseline(sessionID string) (*db.BaselineRecord, error)
	Transitions(sessionID string, r db.TimeRange) ([]db.TransitionRecord, error)
	Ticks(sessionID string, r db.TimeRange) ([]db.TickRecord, error)
}

var _ Source = (*db.DB)(nil)
var _ Source = (*RemoteSource)(nil)

// RemoteSource reads history from a biostate server's /api routes.
type RemoteSource struct {
	BaseURL string
	Client  httputil.HTTPClient
	Timeout time.Duration
}

// NewRemoteSource reads from baseURL (e.g. "http://localhost:8080")
// with the default HTTP client.
func NewRemoteSource(baseURL string) *RemoteSource {
	return &RemoteSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  httputil.NewStandardClient(nil),
		Timeout: 30 * time.Second,
	}
}

func (s *RemoteSource) get(path string, q url.Values, v interface{}) error {
	ctx := context.Background()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	u := s.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	err := httputil.GetJSON(ctx, s.Client, u, v)
	var se *httputil.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", db.ErrNotFound, se.Message)
	}
	return err
}

// LatestBaseline returns the session's stored baseline, or the live one
// when sessionID is the server's running session.
func (s *RemoteSource) LatestBaseline(sessionID string) (*db.BaselineRecord, error) {
	var resp struct {
		SessionID string            `json:"session_id"`
		Baseline  *baseline.Summary `json:"baseline"`
	}
	if err := s.get("/api/baseline", url.Values{"session": {sessionID}}, &resp); err != nil {
		return nil, err
	}
	if resp.Baseline == nil {
		return nil, fmt.Errorf("%w: session %s has no baseline", db.ErrNotFound, sessionID)
	}
	return &db.BaselineRecord{SessionID: resp.SessionID, Summary: *resp.Baseline}, nil
}

// ListSessions returns the server's sessions, newest first.
func (s *RemoteSource) ListSessions(limit int) ([]db.Session, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []db.Session
	err := s.get("/api/sessions", q, &out)
	return out, err
}

func (s *RemoteSource) Transitions(sessionID string, r db.TimeRange) ([]db.TransitionRecord, error) {
	var out []db.TransitionRecord
	err := s.get("/api/transitions", rangeQuery(sessionID, r), &out)
	return out, err
}

func (s *RemoteSource) Ticks(sessionID string, r db.TimeRange) ([]db.TickRecord, error) {
	var out []db.TickRecord
	err := s.get("/api/ticks", rangeQuery(sessionID, r), &out)
	return out, err
}

func rangeQuery(sessionID string, r db.TimeRange) url.Values {
	q := url.Values{"session": {sessionID}}
	if !r.Start.IsZero() {
		q.Set("start", unixString(r.Start))
	}
	if !r.End.IsZero() {
		q.Set("end", unixString(r.End))
	}
	if r.Limit > 0 {
		q.Set("limit", strconv.Itoa(r.Limit))
	}
	return q
}

func unixString(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 3, 64)
}
