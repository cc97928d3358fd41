package features

import (
	"time"

	"github.com/banshee-data/biostate.report/internal/buffer"
	"github.com/banshee-data/biostate.report/internal/monitoring"
)

// ExpressionSource supplies the latest facial-expression reading from an
// external vision process. ok is false when there is no fresh reading.
type ExpressionSource interface {
	Expression(now time.Time) (label string, score float64, ok bool)
}

// Windows holds the sample windows copied out of the channel buffers for
// one extraction pass. Blink is usually a longer EEG window than EEG.
type Windows struct {
	EEG   []buffer.Sample
	Blink []buffer.Sample
	PPG   []buffer.Sample
	ACC   []buffer.Sample
}

// Extractor runs every extractor over a set of windows.
type Extractor struct {
	cfg        Config
	expression ExpressionSource
}

// NewExtractor creates an extractor. expression may be nil.
func NewExtractor(cfg Config, expression ExpressionSource) *Extractor {
	return &Extractor{cfg: cfg, expression: expression}
}

// Config returns the extractor configuration.
func (e *Extractor) Config() Config { return e.cfg }

// Extract computes a FeatureVector stamped with now.
func (e *Extractor) Extract(w Windows, now time.Time) FeatureVector {
	fv := FeatureVector{Timestamp: now}

	if len(w.EEG) > 0 {
		leads := make([][]float64, w.EEG[0].Len())
		for i := range leads {
			leads[i] = buffer.Column(w.EEG, i)
		}
		fv.AlphaBetaRatio, fv.ThetaBetaRatio = BandPowerRatios(leads, e.cfg)
	}
	if len(w.Blink) > 0 && e.cfg.BlinkChannel < w.Blink[0].Len() {
		fv.BlinkRate = BlinkRatePerMinute(buffer.Column(w.Blink, e.cfg.BlinkChannel), e.cfg)
	}
	if len(w.PPG) > 0 {
		fv.HeartRateBPM = EstimateHeartRate(buffer.Column(w.PPG, 0), buffer.Times(w.PPG), e.cfg)
	}
	if len(w.ACC) > 0 {
		fv.MovementMetric = MovementMetric(buffer.Column(w.ACC, 0), buffer.Column(w.ACC, 1), buffer.Column(w.ACC, 2))
	}
	if e.expression != nil {
		if label, score, ok := e.expression.Expression(now); ok {
			fv.ExpressionLabel = label
			fv.ExpressionScore = Of(score)
		}
	}

	for _, m := range AllMetrics() {
		if !fv.Get(m).OK {
			monitoring.FeatureUnavailable.WithLabelValues(m.String()).Inc()
		}
	}
	return fv
}
