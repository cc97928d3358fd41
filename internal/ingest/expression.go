package ingest

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/monitoring"
)

// ExpressionHolder keeps the latest facial-expression reading from an
// external vision process. It satisfies features.ExpressionSource and
// synth.ExpressionSink.
type ExpressionHolder struct {
	staleAfter time.Duration

	mu    sync.RWMutex
	label string
	score float64
	at    time.Time
	set   bool
}

// NewExpressionHolder creates a holder whose reading expires staleAfter
// after it was received. Zero never expires.
func NewExpressionHolder(staleAfter time.Duration) *ExpressionHolder {
	return &ExpressionHolder{staleAfter: staleAfter}
}

// Update stores a reading. Scores outside [0,1] are clamped; NaN scores
// are dropped.
func (h *ExpressionHolder) Update(label string, score float64, at time.Time) {
	if math.IsNaN(score) {
		monitoring.SamplesDropped.WithLabelValues("expression", "nan").Inc()
		return
	}
	score = min(max(score, 0), 1)
	h.mu.Lock()
	h.label, h.score, h.at, h.set = label, score, at, true
	h.mu.Unlock()
	monitoring.SamplesIngested.WithLabelValues("expression").Inc()
}

// Expression returns the latest reading unless it is older than the
// stale limit at now.
func (h *ExpressionHolder) Expression(now time.Time) (string, float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.set {
		return "", 0, false
	}
	if h.staleAfter > 0 && now.Sub(h.at) > h.staleAfter {
		return "", 0, false
	}
	return h.label, h.score, true
}
