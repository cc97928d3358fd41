package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyTuningConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := EmptyTuningConfig()
	assert.Equal(t, 256.0, cfg.GetEEGSampleRateHz())
	assert.Equal(t, 64.0, cfg.GetPPGSampleRateHz())
	assert.Equal(t, 500*time.Millisecond, cfg.GetTickInterval())
	assert.Equal(t, 3*time.Second, cfg.GetEEGWindow())
	assert.Equal(t, 10*time.Second, cfg.GetPPGWindow())
	assert.Equal(t, time.Minute, cfg.GetCalibrationDuration())
	assert.Equal(t, 1.5, cfg.GetThresholdK(MetricHeartRate))
	assert.Equal(t, 6, cfg.GetPersistenceWindow())
	assert.Equal(t, 1e-10, cfg.GetEpsilon())
	assert.Equal(t, []string{MetricAlphaBeta, MetricHeartRate}, cfg.GetRequiredMetrics())
	assert.Equal(t, "Uncertain", cfg.GetInitialState())
	require.Len(t, cfg.GetRules(), 5)
	assert.Equal(t, "Drowsy", cfg.GetRules()[0].State)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultsFileMatchesGetters(t *testing.T) {
	t.Parallel()

	fromFile := MustLoadDefaultConfig()
	if diff := cmp.Diff(DefaultTuningConfig(), fromFile); diff != "" {
		t.Errorf("tuning.defaults.json drifted from getter defaults (-getters +file):\n%s", diff)
	}
}

func TestLoadTuningConfig_Partial(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "tick_interval": "250ms",
  "persistence_window": 3,
  "threshold_k": {"heart_rate": 2.0}
}`), 0o644))

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.GetTickInterval())
	assert.Equal(t, 3, cfg.GetPersistenceWindow())
	assert.Equal(t, 2.0, cfg.GetThresholdK(MetricHeartRate))
	assert.Equal(t, 1.5, cfg.GetThresholdK(MetricMovement))
	assert.Equal(t, 10*time.Second, cfg.GetPPGWindow())
}

func TestLoadTuningConfig_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	_, err := LoadTuningConfig(write("bad.yaml", "{}"))
	assert.ErrorContains(t, err, ".json extension")

	_, err = LoadTuningConfig(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "failed to stat")

	_, err = LoadTuningConfig(write("broken.json", "{"))
	assert.ErrorContains(t, err, "failed to parse")

	_, err = LoadTuningConfig(write("invalid.json", `{"persistence_window": 0}`))
	assert.ErrorContains(t, err, "persistence_window")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     TuningConfig
		wantErr string
	}{
		{"negative rate", TuningConfig{EEGSampleRateHz: ptrFloat64(-1)}, "eeg_sample_rate_hz"},
		{"bad duration", TuningConfig{TickInterval: ptrString("soon")}, "tick_interval"},
		{"zero duration", TuningConfig{StaleAfter: ptrString("0s")}, "stale_after"},
		{"inverted eeg band", TuningConfig{EEGFilterHighHz: ptrFloat64(0.5)}, "eeg_filter_high_hz"},
		{"inverted ibi", TuningConfig{IBIMaxS: ptrFloat64(0.2)}, "ibi_max_s"},
		{"unknown k metric", TuningConfig{ThresholdK: map[string]float64{"gsr": 1}}, "unknown metric"},
		{"negative k", TuningConfig{ThresholdK: map[string]float64{MetricMovement: -1}}, "non-negative"},
		{"unknown required", TuningConfig{RequiredMetrics: []string{"gsr"}}, "required_metrics"},
		{"empty rule", TuningConfig{Rules: []RuleConfig{{State: "Calm"}}}, "at least one condition"},
		{"unnamed rule", TuningConfig{Rules: []RuleConfig{{AllOf: []string{"is_hr_high"}}}}, "state is required"},
		{"interval over duration", TuningConfig{
			CalibrationDuration: ptrString("1s"),
			CalibrationInterval: ptrString("2s"),
		}, "exceeds"},
		{"blink channel", TuningConfig{BlinkChannel: ptrInt(7)}, "blink_channel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetBufferSeconds_CoversLongestWindow(t *testing.T) {
	t.Parallel()

	cfg := TuningConfig{BufferSeconds: ptrFloat64(5), BlinkWindow: ptrString("45s")}
	assert.Equal(t, 45.0, cfg.GetBufferSeconds())
}
