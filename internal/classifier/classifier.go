package classifier

import (
	"fmt"
	"strings"

	"github.com/banshee-data/biostate.report/internal/baseline"
	"github.com/banshee-data/biostate.report/internal/config"
	"github.com/banshee-data/biostate.report/internal/features"
)

// Config holds the classification parameters.
type Config struct {
	Rules        []Rule            // highest priority first
	K            Multipliers       // per-metric threshold multiplier (default: 1.5)
	Persistence  int               // K, identical ticks needed to change state (default: 6)
	Required     []features.Metric // hard inputs (default: α/β, heart rate)
	InitialState State             // persistent state before the first change (default: Uncertain)
}

// ConfigFromTuning builds the classifier config from the tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) (Config, error) {
	rules, err := RulesFromConfig(cfg.GetRules())
	if err != nil {
		return Config{}, err
	}
	c := Config{
		Rules:        rules,
		Persistence:  cfg.GetPersistenceWindow(),
		InitialState: State(cfg.GetInitialState()),
	}
	for _, m := range features.AllMetrics() {
		c.K[m] = cfg.GetThresholdK(m.String())
	}
	for _, name := range cfg.GetRequiredMetrics() {
		m, ok := features.ParseMetric(name)
		if !ok {
			return Config{}, fmt.Errorf("unknown required metric %q", name)
		}
		c.Required = append(c.Required, m)
	}
	return c, nil
}

// StateRecord is the classifier's evolving state.
type StateRecord struct {
	Tentative    State // valid only when HasTentative
	HasTentative bool
	Persistent   State
	History      PersistenceWindow
}

// Decision explains one classification step.
type Decision struct {
	Tentative State  `json:"tentative,omitempty"`
	Skipped   bool   `json:"skipped"`
	Reason    string `json:"reason,omitempty"`
	Flags     Flags  `json:"flags"`
	Rule      int    `json:"rule"` // index of the matching rule, -1 for the default
	Changed   bool   `json:"changed"`
	From      State  `json:"from,omitempty"`
}

// Classifier evaluates rules against flags and applies persistence.
type Classifier struct {
	cfg Config
}

// New creates a classifier.
func New(cfg Config) *Classifier {
	if cfg.Persistence < 1 {
		cfg.Persistence = 1
	}
	if cfg.InitialState == "" {
		cfg.InitialState = StateUncertain
	}
	return &Classifier{cfg: cfg}
}

// Config returns the classifier configuration.
func (c *Classifier) Config() Config { return c.cfg }

// NewRecord returns the record a session starts from: persistent state
// set to the initial state and the history pre-filled with it.
func (c *Classifier) NewRecord() StateRecord {
	return StateRecord{
		Persistent: c.cfg.InitialState,
		History:    NewPersistenceWindow(c.cfg.Persistence, c.cfg.InitialState),
	}
}

// Step classifies one feature vector. It does not modify prev. A skipped
// step returns a copy of prev with no tentative state, history untouched.
func (c *Classifier) Step(fv features.FeatureVector, p baseline.Profile, prev StateRecord) (StateRecord, Decision) {
	next := prev
	next.History = prev.History.Clone()
	next.HasTentative = false
	next.Tentative = ""

	d := Decision{Rule: -1}
	if missing := p.Missing(c.cfg.Required); len(missing) > 0 {
		d.Skipped, d.Reason = true, "baseline unusable: no "+metricList(missing)
		return next, d
	}

	d.Flags = ComputeFlags(fv, p, c.cfg.K)

	var missing []string
	for _, m := range c.cfg.Required {
		if !fv.Get(m).OK {
			missing = append(missing, m.String())
		}
	}

	state, rule, ok := c.resolve(d.Flags, len(missing) > 0)
	if !ok {
		d.Skipped = true
		d.Reason = "missing hard input: " + strings.Join(missing, ",")
		return next, d
	}

	d.Tentative, d.Rule = state, rule
	next.Tentative, next.HasTentative = state, true
	next.History.Push(state)
	if v, all := next.History.AllEqual(); all && v != prev.Persistent {
		d.Changed, d.From = true, prev.Persistent
		next.Persistent = v
	}
	return next, d
}

// resolve returns the first matching rule's state. With fallbackOnly set
// only fallback rules are considered and there is no default.
func (c *Classifier) resolve(f Flags, fallbackOnly bool) (State, int, bool) {
	for i, r := range c.cfg.Rules {
		if fallbackOnly && !r.Fallback {
			continue
		}
		if r.Matches(f) {
			return r.State, i, true
		}
	}
	if fallbackOnly {
		return "", -1, false
	}
	return StateUncertain, -1, true
}

func metricList(ms []features.Metric) string {
	names := make([]string, len(ms))
	for i, m := range ms {
		names[i] = m.String()
	}
	return strings.Join(names, ",")
}
