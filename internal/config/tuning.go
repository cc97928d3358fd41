package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// Metric keys used by threshold_k and required_metrics.
const (
	MetricAlphaBeta  = "alpha_beta_ratio"
	MetricThetaBeta  = "theta_beta_ratio"
	MetricHeartRate  = "heart_rate"
	MetricMovement   = "movement"
	MetricBlinkRate  = "blink_rate"
	MetricExpression = "expression"
)

// KnownMetrics lists every metric key in feature-vector order.
var KnownMetrics = []string{
	MetricAlphaBeta, MetricThetaBeta, MetricHeartRate,
	MetricMovement, MetricBlinkRate, MetricExpression,
}

// TuningConfig is the startup configuration of the engine. Every field is
// optional; the Get* methods supply the documented default for anything
// left out, so partial files are safe. The config is read once at startup
// and never mutated afterwards.
type TuningConfig struct {
	// Sensor rates and buffering
	EEGSampleRateHz *float64 `json:"eeg_sample_rate_hz,omitempty"`
	PPGSampleRateHz *float64 `json:"ppg_sample_rate_hz,omitempty"`
	ACCSampleRateHz *float64 `json:"acc_sample_rate_hz,omitempty"`
	BufferSeconds   *float64 `json:"buffer_seconds,omitempty"`

	// Scheduler
	TickInterval *string `json:"tick_interval,omitempty"` // duration string like "500ms"
	StaleAfter   *string `json:"stale_after,omitempty"`

	// Feature windows
	EEGWindow   *string `json:"eeg_window,omitempty"`
	PPGWindow   *string `json:"ppg_window,omitempty"`
	ACCWindow   *string `json:"acc_window,omitempty"`
	BlinkWindow *string `json:"blink_window,omitempty"`

	// EEG band power
	EEGFilterLowHz  *float64 `json:"eeg_filter_low_hz,omitempty"`
	EEGFilterHighHz *float64 `json:"eeg_filter_high_hz,omitempty"`
	EEGFilterOrder  *int     `json:"eeg_filter_order,omitempty"`
	EEGNFFT         *int     `json:"eeg_nfft,omitempty"`

	// Heart rate
	PPGFilterLowHz      *float64 `json:"ppg_filter_low_hz,omitempty"`
	PPGFilterHighHz     *float64 `json:"ppg_filter_high_hz,omitempty"`
	PPGFilterOrder      *int     `json:"ppg_filter_order,omitempty"`
	PPGPeakDistanceS    *float64 `json:"ppg_peak_distance_s,omitempty"`
	PPGPeakHeightFactor *float64 `json:"ppg_peak_height_factor,omitempty"`
	IBIMinS             *float64 `json:"ibi_min_s,omitempty"`
	IBIMaxS             *float64 `json:"ibi_max_s,omitempty"`

	// Blink rate
	BlinkChannel         *int     `json:"blink_channel,omitempty"`
	BlinkFilterLowHz     *float64 `json:"blink_filter_low_hz,omitempty"`
	BlinkFilterHighHz    *float64 `json:"blink_filter_high_hz,omitempty"`
	BlinkThresholdFactor *float64 `json:"blink_threshold_factor,omitempty"`
	BlinkMinAmplitude    *float64 `json:"blink_min_amplitude,omitempty"`
	BlinkRefractoryS     *float64 `json:"blink_refractory_s,omitempty"`

	// Expression
	ExpressionStaleAfter *string `json:"expression_stale_after,omitempty"`

	Epsilon *float64 `json:"epsilon,omitempty"`

	// Calibration
	CalibrationDuration   *string `json:"calibration_duration,omitempty"`
	CalibrationInterval   *string `json:"calibration_interval,omitempty"`
	CalibrationMinSamples *int    `json:"calibration_min_samples,omitempty"`

	// Classification
	ThresholdK        map[string]float64 `json:"threshold_k,omitempty"`
	PersistenceWindow *int               `json:"persistence_window,omitempty"`
	RequiredMetrics   []string           `json:"required_metrics,omitempty"`
	Rules             []RuleConfig       `json:"rules,omitempty"`
	InitialState      *string            `json:"initial_state,omitempty"`
}

// RuleConfig is one entry of the ordered classification rule list. A rule
// matches when every AllOf flag is set, at least one AnyOf flag is set (if
// any are listed) and no NoneOf flag is set.
type RuleConfig struct {
	State    string   `json:"state"`
	AllOf    []string `json:"all_of,omitempty"`
	AnyOf    []string `json:"any_of,omitempty"`
	NoneOf   []string `json:"none_of,omitempty"`
	Fallback bool     `json:"fallback,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a config with every field populated with the
// value its getter would fall back to.
func DefaultTuningConfig() *TuningConfig {
	e := EmptyTuningConfig()
	return &TuningConfig{
		EEGSampleRateHz:       ptrFloat64(e.GetEEGSampleRateHz()),
		PPGSampleRateHz:       ptrFloat64(e.GetPPGSampleRateHz()),
		ACCSampleRateHz:       ptrFloat64(e.GetACCSampleRateHz()),
		BufferSeconds:         ptrFloat64(e.GetBufferSeconds()),
		TickInterval:          ptrString(e.GetTickInterval().String()),
		StaleAfter:            ptrString(e.GetStaleAfter().String()),
		EEGWindow:             ptrString(e.GetEEGWindow().String()),
		PPGWindow:             ptrString(e.GetPPGWindow().String()),
		ACCWindow:             ptrString(e.GetACCWindow().String()),
		BlinkWindow:           ptrString(e.GetBlinkWindow().String()),
		EEGFilterLowHz:        ptrFloat64(e.GetEEGFilterLowHz()),
		EEGFilterHighHz:       ptrFloat64(e.GetEEGFilterHighHz()),
		EEGFilterOrder:        ptrInt(e.GetEEGFilterOrder()),
		EEGNFFT:               ptrInt(e.GetEEGNFFT()),
		PPGFilterLowHz:        ptrFloat64(e.GetPPGFilterLowHz()),
		PPGFilterHighHz:       ptrFloat64(e.GetPPGFilterHighHz()),
		PPGFilterOrder:        ptrInt(e.GetPPGFilterOrder()),
		PPGPeakDistanceS:      ptrFloat64(e.GetPPGPeakDistanceS()),
		PPGPeakHeightFactor:   ptrFloat64(e.GetPPGPeakHeightFactor()),
		IBIMinS:               ptrFloat64(e.GetIBIMinS()),
		IBIMaxS:               ptrFloat64(e.GetIBIMaxS()),
		BlinkChannel:          ptrInt(e.GetBlinkChannel()),
		BlinkFilterLowHz:      ptrFloat64(e.GetBlinkFilterLowHz()),
		BlinkFilterHighHz:     ptrFloat64(e.GetBlinkFilterHighHz()),
		BlinkThresholdFactor:  ptrFloat64(e.GetBlinkThresholdFactor()),
		BlinkMinAmplitude:     ptrFloat64(e.GetBlinkMinAmplitude()),
		BlinkRefractoryS:      ptrFloat64(e.GetBlinkRefractoryS()),
		ExpressionStaleAfter:  ptrString(e.GetExpressionStaleAfter().String()),
		Epsilon:               ptrFloat64(e.GetEpsilon()),
		CalibrationDuration:   ptrString(e.GetCalibrationDuration().String()),
		CalibrationInterval:   ptrString(e.GetCalibrationInterval().String()),
		CalibrationMinSamples: ptrInt(e.GetCalibrationMinSamples()),
		ThresholdK:            e.GetThresholdKs(),
		PersistenceWindow:     ptrInt(e.GetPersistenceWindow()),
		RequiredMetrics:       e.GetRequiredMetrics(),
		Rules:                 e.GetRules(),
		InitialState:          ptrString(e.GetInitialState()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // from cmd/<tool>/ or deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	positives := []struct {
		name string
		v    *float64
	}{
		{"eeg_sample_rate_hz", c.EEGSampleRateHz},
		{"ppg_sample_rate_hz", c.PPGSampleRateHz},
		{"acc_sample_rate_hz", c.ACCSampleRateHz},
		{"buffer_seconds", c.BufferSeconds},
		{"eeg_filter_low_hz", c.EEGFilterLowHz},
		{"ppg_filter_low_hz", c.PPGFilterLowHz},
		{"blink_filter_low_hz", c.BlinkFilterLowHz},
		{"ppg_peak_distance_s", c.PPGPeakDistanceS},
		{"ibi_min_s", c.IBIMinS},
		{"epsilon", c.Epsilon},
	}
	for _, p := range positives {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", p.name, *p.v)
		}
	}

	durations := []struct {
		name string
		v    *string
	}{
		{"tick_interval", c.TickInterval},
		{"stale_after", c.StaleAfter},
		{"eeg_window", c.EEGWindow},
		{"ppg_window", c.PPGWindow},
		{"acc_window", c.ACCWindow},
		{"blink_window", c.BlinkWindow},
		{"expression_stale_after", c.ExpressionStaleAfter},
		{"calibration_duration", c.CalibrationDuration},
		{"calibration_interval", c.CalibrationInterval},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	if c.EEGFilterHighHz != nil && *c.EEGFilterHighHz <= c.GetEEGFilterLowHz() {
		return fmt.Errorf("eeg_filter_high_hz must exceed eeg_filter_low_hz, got %f", *c.EEGFilterHighHz)
	}
	if c.PPGFilterHighHz != nil && *c.PPGFilterHighHz <= c.GetPPGFilterLowHz() {
		return fmt.Errorf("ppg_filter_high_hz must exceed ppg_filter_low_hz, got %f", *c.PPGFilterHighHz)
	}
	if c.IBIMaxS != nil && *c.IBIMaxS <= c.GetIBIMinS() {
		return fmt.Errorf("ibi_max_s must exceed ibi_min_s, got %f", *c.IBIMaxS)
	}
	for _, o := range []struct {
		name string
		v    *int
	}{
		{"eeg_filter_order", c.EEGFilterOrder},
		{"ppg_filter_order", c.PPGFilterOrder},
		{"persistence_window", c.PersistenceWindow},
	} {
		if o.v != nil && *o.v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", o.name, *o.v)
		}
	}
	if c.EEGNFFT != nil && *c.EEGNFFT < 8 {
		return fmt.Errorf("eeg_nfft must be at least 8, got %d", *c.EEGNFFT)
	}
	if c.BlinkChannel != nil && (*c.BlinkChannel < 0 || *c.BlinkChannel > 3) {
		return fmt.Errorf("blink_channel must be between 0 and 3, got %d", *c.BlinkChannel)
	}
	if c.CalibrationMinSamples != nil && *c.CalibrationMinSamples < 1 {
		return fmt.Errorf("calibration_min_samples must be at least 1, got %d", *c.CalibrationMinSamples)
	}
	if c.GetCalibrationInterval() > c.GetCalibrationDuration() {
		return fmt.Errorf("calibration_interval %s exceeds calibration_duration %s",
			c.GetCalibrationInterval(), c.GetCalibrationDuration())
	}

	for metric, k := range c.ThresholdK {
		if !isKnownMetric(metric) {
			return fmt.Errorf("threshold_k: unknown metric %q", metric)
		}
		if k < 0 {
			return fmt.Errorf("threshold_k[%s] must be non-negative, got %f", metric, k)
		}
	}
	for _, metric := range c.RequiredMetrics {
		if !isKnownMetric(metric) {
			return fmt.Errorf("required_metrics: unknown metric %q", metric)
		}
	}
	for i, r := range c.Rules {
		if r.State == "" {
			return fmt.Errorf("rules[%d]: state is required", i)
		}
		if len(r.AllOf)+len(r.AnyOf)+len(r.NoneOf) == 0 {
			return fmt.Errorf("rules[%d] (%s): at least one condition is required", i, r.State)
		}
	}
	return nil
}

func isKnownMetric(m string) bool {
	for _, k := range KnownMetrics {
		if k == m {
			return true
		}
	}
	return false
}

func getFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// getDuration parses a duration string, falling back to def when unset or
// unparsable.
func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetEEGSampleRateHz returns the EEG sample rate (default 256 Hz).
func (c *TuningConfig) GetEEGSampleRateHz() float64 { return getFloat(c.EEGSampleRateHz, 256) }

// GetPPGSampleRateHz returns the PPG sample rate (default 64 Hz).
func (c *TuningConfig) GetPPGSampleRateHz() float64 { return getFloat(c.PPGSampleRateHz, 64) }

// GetACCSampleRateHz returns the accelerometer sample rate (default 52 Hz).
func (c *TuningConfig) GetACCSampleRateHz() float64 { return getFloat(c.ACCSampleRateHz, 52) }

// GetBufferSeconds returns how much history each channel buffer keeps
// (default 30 s). It is raised to the longest window when smaller.
func (c *TuningConfig) GetBufferSeconds() float64 {
	s := getFloat(c.BufferSeconds, 30)
	for _, w := range []time.Duration{c.GetEEGWindow(), c.GetPPGWindow(), c.GetACCWindow(), c.GetBlinkWindow()} {
		if w.Seconds() > s {
			s = w.Seconds()
		}
	}
	return s
}

// GetTickInterval returns the scheduler period (default 500ms).
func (c *TuningConfig) GetTickInterval() time.Duration {
	return getDuration(c.TickInterval, 500*time.Millisecond)
}

// GetStaleAfter returns how long a channel may go without samples before
// ticks are skipped as stale (default 5s).
func (c *TuningConfig) GetStaleAfter() time.Duration {
	return getDuration(c.StaleAfter, 5*time.Second)
}

// GetEEGWindow returns the band-power window (default 3s).
func (c *TuningConfig) GetEEGWindow() time.Duration { return getDuration(c.EEGWindow, 3*time.Second) }

// GetPPGWindow returns the heart-rate window (default 10s).
func (c *TuningConfig) GetPPGWindow() time.Duration { return getDuration(c.PPGWindow, 10*time.Second) }

// GetACCWindow returns the movement window (default 3s).
func (c *TuningConfig) GetACCWindow() time.Duration { return getDuration(c.ACCWindow, 3*time.Second) }

// GetBlinkWindow returns the rolling blink-rate window (default 20s).
func (c *TuningConfig) GetBlinkWindow() time.Duration {
	return getDuration(c.BlinkWindow, 20*time.Second)
}

func (c *TuningConfig) GetEEGFilterLowHz() float64  { return getFloat(c.EEGFilterLowHz, 1.0) }
func (c *TuningConfig) GetEEGFilterHighHz() float64 { return getFloat(c.EEGFilterHighHz, 40.0) }
func (c *TuningConfig) GetEEGFilterOrder() int      { return getInt(c.EEGFilterOrder, 4) }

// GetEEGNFFT returns the Welch segment length before capping to the
// window length (default 256).
func (c *TuningConfig) GetEEGNFFT() int { return getInt(c.EEGNFFT, 256) }

func (c *TuningConfig) GetPPGFilterLowHz() float64  { return getFloat(c.PPGFilterLowHz, 0.5) }
func (c *TuningConfig) GetPPGFilterHighHz() float64 { return getFloat(c.PPGFilterHighHz, 4.0) }
func (c *TuningConfig) GetPPGFilterOrder() int      { return getInt(c.PPGFilterOrder, 2) }

// GetPPGPeakDistanceS returns the minimum spacing between pulse peaks in
// seconds (default 0.3).
func (c *TuningConfig) GetPPGPeakDistanceS() float64 { return getFloat(c.PPGPeakDistanceS, 0.3) }

// GetPPGPeakHeightFactor returns the peak height threshold as a multiple
// of the filtered signal's std dev (default 0.5).
func (c *TuningConfig) GetPPGPeakHeightFactor() float64 {
	return getFloat(c.PPGPeakHeightFactor, 0.5)
}

// GetIBIMinS and GetIBIMaxS bound plausible inter-beat intervals
// (defaults 0.3 s and 2.0 s, i.e. 200 to 30 BPM).
func (c *TuningConfig) GetIBIMinS() float64 { return getFloat(c.IBIMinS, 0.3) }
func (c *TuningConfig) GetIBIMaxS() float64 { return getFloat(c.IBIMaxS, 2.0) }

// GetBlinkChannel returns the EEG lead used as the frontal blink proxy
// (default 1, AF7 on a four-lead headband).
func (c *TuningConfig) GetBlinkChannel() int { return getInt(c.BlinkChannel, 1) }

func (c *TuningConfig) GetBlinkFilterLowHz() float64  { return getFloat(c.BlinkFilterLowHz, 0.5) }
func (c *TuningConfig) GetBlinkFilterHighHz() float64 { return getFloat(c.BlinkFilterHighHz, 10.0) }

// GetBlinkThresholdFactor returns the blink threshold as a multiple of the
// robust noise estimate (default 4).
func (c *TuningConfig) GetBlinkThresholdFactor() float64 {
	return getFloat(c.BlinkThresholdFactor, 4.0)
}

// GetBlinkMinAmplitude returns the absolute floor for a blink deflection
// in µV (default 40).
func (c *TuningConfig) GetBlinkMinAmplitude() float64 { return getFloat(c.BlinkMinAmplitude, 40.0) }

// GetBlinkRefractoryS returns the minimum spacing between blinks (default 0.3 s).
func (c *TuningConfig) GetBlinkRefractoryS() float64 { return getFloat(c.BlinkRefractoryS, 0.3) }

// GetExpressionStaleAfter returns how long an expression score stays
// usable (default 5s).
func (c *TuningConfig) GetExpressionStaleAfter() time.Duration {
	return getDuration(c.ExpressionStaleAfter, 5*time.Second)
}

// GetEpsilon returns the smallest usable denominator (default 1e-10).
func (c *TuningConfig) GetEpsilon() float64 { return getFloat(c.Epsilon, 1e-10) }

// GetCalibrationDuration returns the baseline collection time (default 60s).
func (c *TuningConfig) GetCalibrationDuration() time.Duration {
	return getDuration(c.CalibrationDuration, 60*time.Second)
}

// GetCalibrationInterval returns the sampling period during calibration
// (default 500ms).
func (c *TuningConfig) GetCalibrationInterval() time.Duration {
	return getDuration(c.CalibrationInterval, 500*time.Millisecond)
}

// GetCalibrationMinSamples returns the minimum valid samples per metric
// for its baseline to be usable (default 10).
func (c *TuningConfig) GetCalibrationMinSamples() int { return getInt(c.CalibrationMinSamples, 10) }

// defaultThresholdK is the multiplier used for metrics without an entry.
const defaultThresholdK = 1.5

// GetThresholdK returns k for one metric (default 1.5).
func (c *TuningConfig) GetThresholdK(metric string) float64 {
	if k, ok := c.ThresholdK[metric]; ok {
		return k
	}
	return defaultThresholdK
}

// GetThresholdKs returns k for every known metric.
func (c *TuningConfig) GetThresholdKs() map[string]float64 {
	out := make(map[string]float64, len(KnownMetrics))
	for _, m := range KnownMetrics {
		out[m] = c.GetThresholdK(m)
	}
	return out
}

// GetPersistenceWindow returns K, the number of identical consecutive
// tentative states needed to change the persistent state (default 6).
func (c *TuningConfig) GetPersistenceWindow() int { return getInt(c.PersistenceWindow, 6) }

// GetRequiredMetrics returns the metrics hard rules depend on (default
// alpha_beta_ratio and heart_rate), sorted for stable output.
func (c *TuningConfig) GetRequiredMetrics() []string {
	if len(c.RequiredMetrics) == 0 {
		return []string{MetricAlphaBeta, MetricHeartRate}
	}
	out := append([]string(nil), c.RequiredMetrics...)
	sort.Strings(out)
	return out
}

// GetRules returns the ordered classification rules, highest priority
// first.
func (c *TuningConfig) GetRules() []RuleConfig {
	if len(c.Rules) > 0 {
		return append([]RuleConfig(nil), c.Rules...)
	}
	return []RuleConfig{
		{State: "Drowsy", AllOf: []string{"is_theta_beta_high", "is_blink_rate_high"}},
		{State: "Stressed", AllOf: []string{"is_ratio_low", "is_hr_high"}},
		{State: "Restless", AllOf: []string{"is_movement_high"}, Fallback: true},
		{State: "Warning", AnyOf: []string{"is_ratio_low", "is_hr_high", "is_expression_negative"}},
		{State: "Calm", NoneOf: []string{"is_ratio_low", "is_hr_high", "is_movement_high"}},
	}
}

// GetInitialState returns the persistent state before the first flip
// (default "Uncertain").
func (c *TuningConfig) GetInitialState() string {
	if c.InitialState == nil || *c.InitialState == "" {
		return "Uncertain"
	}
	return *c.InitialState
}
