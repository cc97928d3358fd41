// Package baseline establishes the per-subject reference statistics that
// classification thresholds are measured against.
package baseline

import (
	"time"

	"github.com/banshee-data/biostate.report/internal/dsp"
	"github.com/banshee-data/biostate.report/internal/features"
)

// MetricStats is the baseline of one metric.
type MetricStats struct {
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Count  int     `json:"count"`
	Valid  bool    `json:"valid"`
}

// Profile is an immutable baseline across all metrics. It is a value type;
// recalibration produces a new Profile rather than mutating one.
type Profile struct {
	stats       [features.NumMetrics]MetricStats
	CompletedAt time.Time
}

// Get returns the stats of m.
func (p Profile) Get(m features.Metric) MetricStats {
	if m < 0 || m >= features.NumMetrics {
		return MetricStats{}
	}
	return p.stats[m]
}

// Valid reports whether m has a usable baseline.
func (p Profile) Valid(m features.Metric) bool { return p.Get(m).Valid }

// AnyValid reports whether at least one of ms has a usable baseline.
func (p Profile) AnyValid(ms []features.Metric) bool {
	for _, m := range ms {
		if p.Valid(m) {
			return true
		}
	}
	return false
}

// Missing returns the metrics of ms without a usable baseline.
func (p Profile) Missing(ms []features.Metric) []features.Metric {
	var out []features.Metric
	for _, m := range ms {
		if !p.Valid(m) {
			out = append(out, m)
		}
	}
	return out
}

// Summary is the JSON view of a profile, keyed by metric name.
type Summary struct {
	Metrics     map[string]MetricStats `json:"metrics"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Summary returns the JSON view of p.
func (p Profile) Summary() Summary {
	s := Summary{Metrics: make(map[string]MetricStats, features.NumMetrics), CompletedAt: p.CompletedAt}
	for _, m := range features.AllMetrics() {
		s.Metrics[m.String()] = p.stats[m]
	}
	return s
}

// ProfileFromSummary rebuilds a profile, e.g. one loaded from storage.
// Unknown metric names are ignored.
func ProfileFromSummary(s Summary) Profile {
	p := Profile{CompletedAt: s.CompletedAt}
	for name, st := range s.Metrics {
		if m, ok := features.ParseMetric(name); ok {
			p.stats[m] = st
		}
	}
	return p
}

// Samples accumulates available feature values per metric.
type Samples struct {
	values [features.NumMetrics][]float64
}

// Add appends every available field of fv.
func (s *Samples) Add(fv features.FeatureVector) {
	for _, m := range features.AllMetrics() {
		if v, ok := fv.Get(m).Get(); ok {
			s.values[m] = append(s.values[m], v)
		}
	}
}

// Count returns how many values were collected for m.
func (s *Samples) Count(m features.Metric) int { return len(s.values[m]) }

// Reduce computes the profile. Metrics with fewer than minSamples values
// are invalid; the rest get their median and population std dev.
func (s *Samples) Reduce(minSamples int, at time.Time) Profile {
	p := Profile{CompletedAt: at}
	for _, m := range features.AllMetrics() {
		vals := s.values[m]
		st := MetricStats{Count: len(vals)}
		if len(vals) >= minSamples && len(vals) > 0 {
			st.Median = dsp.Median(vals)
			st.StdDev = dsp.PopStdDev(vals)
			st.Valid = true
		}
		p.stats[m] = st
	}
	return p
}
