package api

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/banshee-data/biostate.report/internal/baseline"
	"github.com/banshee-data/biostate.report/internal/db"
	"github.com/banshee-data/biostate.report/internal/engine"
	"github.com/banshee-data/biostate.report/internal/httputil"
	"github.com/banshee-data/biostate.report/internal/serialmux"
)

const (
	defaultTickLimit = 1000
	maxTickLimit     = 20000
)

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, s.engine.Slot().Latest())
}

type baselineResponse struct {
	SessionID   string             `json:"session_id"`
	Calibrated  bool               `json:"calibrated"`
	Stored      bool               `json:"stored"`
	Baseline    *baseline.Summary  `json:"baseline,omitempty"`
	Calibration *baseline.Progress `json:"calibration,omitempty"`
}

// showBaseline returns the live profile, or the latest stored one of the
// session named by ?session=.
func (s *Server) showBaseline(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if session := r.URL.Query().Get("session"); session != "" && session != s.engine.SessionID() {
		if s.history == nil {
			httputil.ServiceUnavailable(w, "no history store configured")
			return
		}
		rec, err := s.history.LatestBaseline(session)
		if err != nil {
			s.historyError(w, err)
			return
		}
		httputil.WriteJSONOK(w, baselineResponse{
			SessionID:  rec.SessionID,
			Calibrated: true,
			Stored:     true,
			Baseline:   &rec.Summary,
		})
		return
	}

	p, ok := s.engine.Profile()
	progress := s.engine.Calibration()
	resp := baselineResponse{
		SessionID:   s.engine.SessionID(),
		Calibrated:  ok,
		Calibration: &progress,
	}
	if ok {
		summary := p.Summary()
		resp.Baseline = &summary
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showBuffers(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, s.engine.Store().Stats())
}

// recalibrate queues a recalibration; the engine runs it between ticks.
func (s *Server) recalibrate(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	queued := s.engine.Recalibrate()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.history == nil {
		httputil.ServiceUnavailable(w, "no history store configured")
		return
	}
	limit, err := intParam(r.URL.Query(), "limit", 50)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.history.ListSessions(limit)
	if err != nil {
		s.historyError(w, err)
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request) {
	session, tr, ok := s.historyQuery(w, r, 0)
	if !ok {
		return
	}
	out, err := s.history.Transitions(session, tr)
	if err != nil {
		s.historyError(w, err)
		return
	}
	if out == nil {
		out = []db.TransitionRecord{}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) listTicks(w http.ResponseWriter, r *http.Request) {
	session, tr, ok := s.historyQuery(w, r, defaultTickLimit)
	if !ok {
		return
	}
	out, err := s.history.Ticks(session, tr)
	if err != nil {
		s.historyError(w, err)
		return
	}
	if out == nil {
		out = []db.TickRecord{}
	}
	httputil.WriteJSONOK(w, out)
}

// historyQuery reads ?session=, ?start=, ?end= and ?limit=, writing the
// error response itself when they are invalid. The session defaults to
// the running one.
func (s *Server) historyQuery(w http.ResponseWriter, r *http.Request, defaultLimit int) (string, db.TimeRange, bool) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return "", db.TimeRange{}, false
	}
	if s.history == nil {
		httputil.ServiceUnavailable(w, "no history store configured")
		return "", db.TimeRange{}, false
	}
	q := r.URL.Query()
	session := q.Get("session")
	if session == "" {
		session = s.engine.SessionID()
	}
	tr, err := timeRange(q, defaultLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return "", db.TimeRange{}, false
	}
	return session, tr, true
}

func (s *Server) historyError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	s.logf("history query failed: %v", err)
	httputil.InternalServerError(w, "failed to read history")
}

func timeRange(q url.Values, defaultLimit int) (db.TimeRange, error) {
	var tr db.TimeRange
	var err error
	if tr.Start, err = timeParam(q, "start"); err != nil {
		return tr, err
	}
	if tr.End, err = timeParam(q, "end"); err != nil {
		return tr, err
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && tr.End.Before(tr.Start) {
		return tr, fmt.Errorf("end is before start")
	}
	if tr.Limit, err = intParam(q, "limit", defaultLimit); err != nil {
		return tr, err
	}
	if tr.Limit > maxTickLimit {
		tr.Limit = maxTickLimit
	}
	return tr, nil
}

// timeParam accepts unix seconds (fractional allowed) or RFC 3339.
func timeParam(q url.Values, name string) (time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return time.Time{}, fmt.Errorf("invalid '%s' parameter", name)
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid '%s' parameter", name)
	}
	return t, nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid '%s' parameter", name)
	}
	return n, nil
}

type healthResponse struct {
	Status      string        `json:"status"`
	Engine      engine.Status `json:"engine_status"`
	Seq         uint64        `json:"seq"`
	LastUpdate  time.Time     `json:"last_update"`
	Subscribers int           `json:"subscribers"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Slot().Latest()
	httputil.WriteJSONOK(w, healthResponse{
		Status:      "ok",
		Engine:      snap.Status,
		Seq:         snap.Seq,
		LastUpdate:  snap.LastUpdate,
		Subscribers: s.engine.Slot().Subscribers(),
	})
}

// sendCommandHandler forwards a command line to the serial sensor bridge.
func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	if s.m == nil {
		httputil.ServiceUnavailable(w, "no serial bridge configured")
		return
	}
	command := r.FormValue("command")
	if command == "" {
		httputil.BadRequest(w, "missing command")
		return
	}
	if err := s.m.SendCommand(command); err != nil {
		if errors.Is(err, serialmux.ErrNoBridge) {
			httputil.ServiceUnavailable(w, "no serial bridge configured")
			return
		}
		s.logf("failed to send command %q: %v", command, err)
		httputil.InternalServerError(w, "failed to send command")
		return
	}
	io.WriteString(w, "Command sent successfully")
}
