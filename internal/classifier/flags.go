// Package classifier resolves feature vectors into a de-bounced
// categorical state: threshold flags against the baseline, an ordered
// rule list, and a K-long persistence window.
package classifier

import (
	"github.com/banshee-data/biostate.report/internal/baseline"
	"github.com/banshee-data/biostate.report/internal/features"
)

// State is a categorical classification output.
type State string

const (
	StateCalm      State = "Calm"
	StateWarning   State = "Warning"
	StateStressed  State = "Stressed"
	StateDrowsy    State = "Drowsy"
	StateRestless  State = "Restless"
	StateUncertain State = "Uncertain"
)

// States lists every state, calmest first. Plots use the position as the
// state's level.
func States() []State {
	return []State{StateCalm, StateWarning, StateRestless, StateStressed, StateDrowsy, StateUncertain}
}

// Level returns the position of s in States, or -1.
func (s State) Level() int {
	for i, st := range States() {
		if st == s {
			return i
		}
	}
	return -1
}

// Flag names a threshold flag.
type Flag string

const (
	FlagRatioLow           Flag = "is_ratio_low"
	FlagThetaBetaHigh      Flag = "is_theta_beta_high"
	FlagHRHigh             Flag = "is_hr_high"
	FlagMovementHigh       Flag = "is_movement_high"
	FlagBlinkRateHigh      Flag = "is_blink_rate_high"
	FlagExpressionNegative Flag = "is_expression_negative"
)

// flagDefs ties each flag to its metric and direction. A low flag is set
// when value < median - k·std, a high flag when value > median + k·std.
var flagDefs = []struct {
	flag   Flag
	metric features.Metric
	low    bool
}{
	{FlagRatioLow, features.AlphaBetaRatio, true},
	{FlagThetaBetaHigh, features.ThetaBetaRatio, false},
	{FlagHRHigh, features.HeartRate, false},
	{FlagMovementHigh, features.Movement, false},
	{FlagBlinkRateHigh, features.BlinkRate, false},
	{FlagExpressionNegative, features.Expression, false},
}

// KnownFlag reports whether f is a flag the classifier computes.
func KnownFlag(f Flag) bool {
	for _, d := range flagDefs {
		if d.flag == f {
			return true
		}
	}
	return false
}

// FlagMetric returns the metric a flag is derived from.
func FlagMetric(f Flag) (features.Metric, bool) {
	for _, d := range flagDefs {
		if d.flag == f {
			return d.metric, true
		}
	}
	return 0, false
}

// Flags holds the threshold flags of one tick.
type Flags struct {
	RatioLow           bool `json:"is_ratio_low"`
	ThetaBetaHigh      bool `json:"is_theta_beta_high"`
	HRHigh             bool `json:"is_hr_high"`
	MovementHigh       bool `json:"is_movement_high"`
	BlinkRateHigh      bool `json:"is_blink_rate_high"`
	ExpressionNegative bool `json:"is_expression_negative"`
}

// Get returns the value of flag f; unknown flags are false.
func (fl Flags) Get(f Flag) bool {
	switch f {
	case FlagRatioLow:
		return fl.RatioLow
	case FlagThetaBetaHigh:
		return fl.ThetaBetaHigh
	case FlagHRHigh:
		return fl.HRHigh
	case FlagMovementHigh:
		return fl.MovementHigh
	case FlagBlinkRateHigh:
		return fl.BlinkRateHigh
	case FlagExpressionNegative:
		return fl.ExpressionNegative
	}
	return false
}

func (fl *Flags) set(f Flag, v bool) {
	switch f {
	case FlagRatioLow:
		fl.RatioLow = v
	case FlagThetaBetaHigh:
		fl.ThetaBetaHigh = v
	case FlagHRHigh:
		fl.HRHigh = v
	case FlagMovementHigh:
		fl.MovementHigh = v
	case FlagBlinkRateHigh:
		fl.BlinkRateHigh = v
	case FlagExpressionNegative:
		fl.ExpressionNegative = v
	}
}

// Multipliers holds the per-metric threshold multiplier k.
type Multipliers [features.NumMetrics]float64

// ComputeFlags compares fv against p. A flag is only ever set when its
// metric has both a valid baseline and an available value.
func ComputeFlags(fv features.FeatureVector, p baseline.Profile, k Multipliers) Flags {
	var out Flags
	for _, d := range flagDefs {
		st := p.Get(d.metric)
		v, ok := fv.Get(d.metric).Get()
		if !st.Valid || !ok {
			continue
		}
		margin := k[d.metric] * st.StdDev
		if d.low {
			out.set(d.flag, v < st.Median-margin)
		} else {
			out.set(d.flag, v > st.Median+margin)
		}
	}
	return out
}
