package baseline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/config"
	"github.com/banshee-data/biostate.report/internal/features"
	"github.com/banshee-data/biostate.report/internal/monitoring"
	"github.com/banshee-data/biostate.report/internal/timeutil"
)

// ErrCalibrationFailed means no required metric collected enough samples.
// Steady-state classification must not start after it.
var ErrCalibrationFailed = errors.New("calibration failed")

// ErrCalibrationRunning is returned when Run is called during a run.
var ErrCalibrationRunning = errors.New("calibration already running")

// State is the calibrator lifecycle.
type State int

const (
	NotStarted State = iota
	Collecting
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Collecting:
		return "collecting"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{NotStarted, Collecting, Complete, Failed} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown calibration state %q", b)
}

// Sampler runs the extractors over the current buffer contents.
type Sampler func(now time.Time) features.FeatureVector

// Config controls a calibration run.
type Config struct {
	Duration   time.Duration     // collection time (default: 60s)
	Interval   time.Duration     // sampling period (default: 500ms)
	MinSamples int               // per-metric minimum (default: 10)
	Required   []features.Metric // metrics hard rules need (default: α/β, heart rate)
}

// ConfigFromTuning builds a calibrator config from the tuning file.
// Unknown metric names were rejected by TuningConfig.Validate.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	c := Config{
		Duration:   cfg.GetCalibrationDuration(),
		Interval:   cfg.GetCalibrationInterval(),
		MinSamples: cfg.GetCalibrationMinSamples(),
	}
	for _, name := range cfg.GetRequiredMetrics() {
		if m, ok := features.ParseMetric(name); ok {
			c.Required = append(c.Required, m)
		}
	}
	return c
}

// Progress reports a running or finished calibration.
type Progress struct {
	State    State          `json:"state"`
	Elapsed  time.Duration  `json:"elapsed_ns"`
	Duration time.Duration  `json:"duration_ns"`
	Counts   map[string]int `json:"counts"`
	Error    string         `json:"error,omitempty"`
}

// Calibrator collects features for a fixed duration and reduces them to a
// Profile. It runs on the engine goroutine before steady-state ticks and
// never retries on its own.
type Calibrator struct {
	cfg    Config
	clock  timeutil.Clock
	sample Sampler
	logf   func(string, ...interface{})

	mu      sync.Mutex
	state   State
	started time.Time
	samples Samples
	profile Profile
	err     error
}

// NewCalibrator creates a calibrator in the NotStarted state.
func NewCalibrator(cfg Config, clock timeutil.Clock, sample Sampler) *Calibrator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if len(cfg.Required) == 0 {
		cfg.Required = features.AllMetrics()
	}
	return &Calibrator{cfg: cfg, clock: clock, sample: sample, logf: monitoring.Component("baseline")}
}

// Run collects for the configured duration and returns the new profile.
// A calibration where every required metric is invalid returns the
// (unusable) profile with an error wrapping ErrCalibrationFailed.
// Cancelling ctx aborts the run in the Failed state.
func (c *Calibrator) Run(ctx context.Context) (Profile, error) {
	c.mu.Lock()
	if c.state == Collecting {
		c.mu.Unlock()
		return Profile{}, ErrCalibrationRunning
	}
	c.state = Collecting
	c.started = c.clock.Now()
	c.samples = Samples{}
	c.err = nil
	c.mu.Unlock()

	c.logf("collecting baseline for %s every %s", c.cfg.Duration, c.cfg.Interval)
	ticker := c.clock.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			err := fmt.Errorf("%w: %w", ErrCalibrationFailed, ctx.Err())
			c.mu.Lock()
			c.state, c.err = Failed, err
			c.mu.Unlock()
			monitoring.Calibrations.WithLabelValues("failed").Inc()
			return Profile{}, err
		case now := <-ticker.C():
			fv := c.sample(now)
			c.mu.Lock()
			c.samples.Add(fv)
			done := now.Sub(c.started) >= c.cfg.Duration
			c.mu.Unlock()
			if done {
				return c.finish(now)
			}
		}
	}
}

func (c *Calibrator) finish(now time.Time) (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.samples.Reduce(c.cfg.MinSamples, now)
	for _, m := range features.AllMetrics() {
		if st := p.Get(m); !st.Valid {
			c.logf("baseline for %s invalid: %d samples, need %d", m, st.Count, c.cfg.MinSamples)
		}
	}

	if !p.AnyValid(c.cfg.Required) {
		c.state = Failed
		c.err = fmt.Errorf("%w: no required metric reached %d samples (%s)",
			ErrCalibrationFailed, c.cfg.MinSamples, c.countsLocked())
		monitoring.Calibrations.WithLabelValues("failed").Inc()
		c.logf("%v", c.err)
		return p, c.err
	}

	c.state = Complete
	c.profile = p
	if missing := p.Missing(c.cfg.Required); len(missing) > 0 {
		c.logf("required baseline missing for %v: classification blocked until recalibration", missing)
	}
	monitoring.Calibrations.WithLabelValues("complete").Inc()
	c.logf("baseline complete (%s)", c.countsLocked())
	return p, nil
}

func (c *Calibrator) countsLocked() string {
	parts := make([]string, 0, features.NumMetrics)
	for _, m := range features.AllMetrics() {
		parts = append(parts, fmt.Sprintf("%s=%d", m, c.samples.Count(m)))
	}
	return strings.Join(parts, " ")
}

// State returns the lifecycle state.
func (c *Calibrator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Profile returns the last completed profile.
func (c *Calibrator) Profile() (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile, c.state == Complete
}

// Progress reports the current run.
func (c *Calibrator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := Progress{State: c.state, Duration: c.cfg.Duration, Counts: map[string]int{}}
	if c.state != NotStarted {
		p.Elapsed = min(c.clock.Since(c.started), c.cfg.Duration)
	}
	for _, m := range features.AllMetrics() {
		p.Counts[m.String()] = c.samples.Count(m)
	}
	if c.err != nil {
		p.Error = c.err.Error()
	}
	return p
}
