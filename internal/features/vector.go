// Package features turns copied-out sensor windows into the fixed-shape
// FeatureVector the classifier consumes. Extractors never fail: a value
// that cannot be computed is Unavailable.
package features

import (
	"encoding/json"
	"math"
	"time"
)

// Value is a feature reading that may be unavailable.
type Value struct {
	V  float64
	OK bool
}

// Unavailable is the zero Value.
var Unavailable = Value{}

// Of wraps v, treating NaN and Inf as unavailable.
func Of(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Unavailable
	}
	return Value{V: v, OK: true}
}

// Get returns the value and whether it is available.
func (v Value) Get() (float64, bool) { return v.V, v.OK }

// MarshalJSON encodes unavailable values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.OK {
		return []byte("null"), nil
	}
	return json.Marshal(v.V)
}

// UnmarshalJSON accepts a number or null.
func (v *Value) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = Unavailable
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = Of(f)
	return nil
}

// Metric indexes the scalar fields of a FeatureVector.
type Metric int

const (
	AlphaBetaRatio Metric = iota
	ThetaBetaRatio
	HeartRate
	Movement
	BlinkRate
	Expression
	NumMetrics
)

var metricNames = [NumMetrics]string{
	"alpha_beta_ratio", "theta_beta_ratio", "heart_rate",
	"movement", "blink_rate", "expression",
}

func (m Metric) String() string {
	if m < 0 || m >= NumMetrics {
		return "unknown"
	}
	return metricNames[m]
}

// ParseMetric maps a configuration key to a Metric.
func ParseMetric(name string) (Metric, bool) {
	for i, n := range metricNames {
		if n == name {
			return Metric(i), true
		}
	}
	return 0, false
}

// AllMetrics lists every metric in vector order.
func AllMetrics() []Metric {
	out := make([]Metric, NumMetrics)
	for i := range out {
		out[i] = Metric(i)
	}
	return out
}

// FeatureVector is the output of one extraction pass.
type FeatureVector struct {
	AlphaBetaRatio  Value     `json:"alpha_beta_ratio"`
	ThetaBetaRatio  Value     `json:"theta_beta_ratio"`
	HeartRateBPM    Value     `json:"heart_rate_bpm"`
	MovementMetric  Value     `json:"movement_metric"`
	BlinkRate       Value     `json:"blink_rate"`       // blinks per minute
	ExpressionScore Value     `json:"expression_score"` // negative-affect score in [0,1]
	ExpressionLabel string    `json:"expression_label,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Get returns the field for m.
func (fv FeatureVector) Get(m Metric) Value {
	switch m {
	case AlphaBetaRatio:
		return fv.AlphaBetaRatio
	case ThetaBetaRatio:
		return fv.ThetaBetaRatio
	case HeartRate:
		return fv.HeartRateBPM
	case Movement:
		return fv.MovementMetric
	case BlinkRate:
		return fv.BlinkRate
	case Expression:
		return fv.ExpressionScore
	}
	return Unavailable
}

// Available counts the fields that carry a value.
func (fv FeatureVector) Available() int {
	n := 0
	for _, m := range AllMetrics() {
		if fv.Get(m).OK {
			n++
		}
	}
	return n
}
