package features

import (
	"math"
	"time"

	"github.com/banshee-data/biostate.report/internal/config"
	"github.com/banshee-data/biostate.report/internal/dsp"
	"gonum.org/v1/gonum/floats"
)

// Frequency bands in Hz.
var (
	ThetaBand = Band{Low: 4, High: 8}
	AlphaBand = Band{Low: 8, High: 13}
	BetaBand  = Band{Low: 13, High: 30}
)

// Band is a closed frequency interval.
type Band struct {
	Low, High float64
}

// Config parameterises the extractors.
type Config struct {
	EEGSampleRate float64 // Hz (default: 256)
	PPGSampleRate float64 // Hz (default: 64)

	EEGFilterLow   float64 // Hz (default: 1)
	EEGFilterHigh  float64 // Hz (default: 40)
	EEGFilterOrder int     // (default: 4)
	NFFT           int     // Welch segment length, capped to the window (default: 256)

	PPGFilterLow     float64 // Hz (default: 0.5)
	PPGFilterHigh    float64 // Hz (default: 4)
	PPGFilterOrder   int     // (default: 2)
	PeakDistance     float64 // seconds between pulse peaks (default: 0.3)
	PeakHeightFactor float64 // × std of the filtered pulse (default: 0.5)
	IBIMin, IBIMax   float64 // seconds (default: 0.3, 2.0)

	BlinkChannel         int     // EEG lead index (default: 1)
	BlinkFilterLow       float64 // Hz (default: 0.5)
	BlinkFilterHigh      float64 // Hz (default: 10)
	BlinkThresholdFactor float64 // × robust sigma (default: 4)
	BlinkMinAmplitude    float64 // µV floor (default: 40)
	BlinkRefractory      float64 // seconds (default: 0.3)

	Epsilon float64 // smallest usable denominator (default: 1e-10)
}

// DefaultConfig returns the extractor defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds the extractor config from the tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		EEGSampleRate:        cfg.GetEEGSampleRateHz(),
		PPGSampleRate:        cfg.GetPPGSampleRateHz(),
		EEGFilterLow:         cfg.GetEEGFilterLowHz(),
		EEGFilterHigh:        cfg.GetEEGFilterHighHz(),
		EEGFilterOrder:       cfg.GetEEGFilterOrder(),
		NFFT:                 cfg.GetEEGNFFT(),
		PPGFilterLow:         cfg.GetPPGFilterLowHz(),
		PPGFilterHigh:        cfg.GetPPGFilterHighHz(),
		PPGFilterOrder:       cfg.GetPPGFilterOrder(),
		PeakDistance:         cfg.GetPPGPeakDistanceS(),
		PeakHeightFactor:     cfg.GetPPGPeakHeightFactor(),
		IBIMin:               cfg.GetIBIMinS(),
		IBIMax:               cfg.GetIBIMaxS(),
		BlinkChannel:         cfg.GetBlinkChannel(),
		BlinkFilterLow:       cfg.GetBlinkFilterLowHz(),
		BlinkFilterHigh:      cfg.GetBlinkFilterHighHz(),
		BlinkThresholdFactor: cfg.GetBlinkThresholdFactor(),
		BlinkMinAmplitude:    cfg.GetBlinkMinAmplitude(),
		BlinkRefractory:      cfg.GetBlinkRefractoryS(),
		Epsilon:              cfg.GetEpsilon(),
	}
}

// minSpectrumSamples is the shortest EEG window worth a Welch estimate.
const minSpectrumSamples = 16

// BandPowerRatios returns α/β and θ/β for a multi-lead EEG window. Each
// lead is band-passed and its Welch PSD integrated per band; band powers
// are averaged over the leads that produced a spectrum before dividing.
func BandPowerRatios(leads [][]float64, cfg Config) (alphaBeta, thetaBeta Value) {
	fs := cfg.EEGSampleRate
	bp, err := dsp.ClampBandPass(cfg.EEGFilterLow, cfg.EEGFilterHigh, fs, cfg.EEGFilterOrder)
	if err != nil {
		return Unavailable, Unavailable
	}

	var theta, alpha, beta float64
	used := 0
	for _, lead := range leads {
		if len(lead) < minSpectrumSamples {
			continue
		}
		spec, err := dsp.Welch(bp.FiltFilt(lead), fs, cfg.NFFT)
		if err != nil {
			continue
		}
		t, okT := spec.BandPower(ThetaBand.Low, ThetaBand.High)
		a, okA := spec.BandPower(AlphaBand.Low, AlphaBand.High)
		b, okB := spec.BandPower(BetaBand.Low, BetaBand.High)
		if !okT || !okA || !okB {
			continue
		}
		theta += t
		alpha += a
		beta += b
		used++
	}
	if used == 0 {
		return Unavailable, Unavailable
	}
	theta /= float64(used)
	alpha /= float64(used)
	beta /= float64(used)
	if beta < cfg.Epsilon {
		return Unavailable, Unavailable
	}
	return Of(alpha / beta), Of(theta / beta)
}

// EstimateHeartRate estimates beats per minute from a PPG window. times, when it
// matches the signal length, supplies the sample timestamps used for the
// inter-beat intervals; otherwise intervals come from sample indices.
func EstimateHeartRate(signal []float64, times []time.Time, cfg Config) Value {
	fs := cfg.PPGSampleRate
	if len(signal) < int(2*fs) {
		return Unavailable
	}
	bp, err := dsp.ClampBandPass(cfg.PPGFilterLow, cfg.PPGFilterHigh, fs, cfg.PPGFilterOrder)
	if err != nil {
		return Unavailable
	}
	filtered := bp.FiltFilt(signal)
	std := dsp.PopStdDev(filtered)
	if !(std > cfg.Epsilon) {
		return Unavailable
	}

	peaks := dsp.FindPeaks(filtered, dsp.PeakOptions{
		MinHeight:   cfg.PeakHeightFactor * std,
		MinDistance: int(math.Round(cfg.PeakDistance * fs)),
	})
	if len(peaks) < 2 {
		return Unavailable
	}

	useTimes := len(times) == len(signal)
	var ibis []float64
	for i := 1; i < len(peaks); i++ {
		var ibi float64
		if useTimes {
			ibi = times[peaks[i]].Sub(times[peaks[i-1]]).Seconds()
		} else {
			ibi = float64(peaks[i]-peaks[i-1]) / fs
		}
		if ibi > cfg.IBIMin && ibi < cfg.IBIMax {
			ibis = append(ibis, ibi)
		}
	}
	if len(ibis) < 2 {
		return Unavailable
	}
	return Of(60 / (floats.Sum(ibis) / float64(len(ibis))))
}

// MovementMetric is the Euclidean norm of the per-axis population
// standard deviations of an accelerometer window.
func MovementMetric(x, y, z []float64) Value {
	if len(x) < 2 || len(x) != len(y) || len(x) != len(z) {
		return Unavailable
	}
	sx, sy, sz := dsp.PopStdDev(x), dsp.PopStdDev(y), dsp.PopStdDev(z)
	return Of(math.Sqrt(sx*sx + sy*sy + sz*sz))
}

// BlinkRatePerMinute counts positive blink deflections on a frontal lead and
// scales the count to blinks per minute over the window's span.
func BlinkRatePerMinute(frontal []float64, cfg Config) Value {
	fs := cfg.EEGSampleRate
	if len(frontal) < int(fs) {
		return Unavailable
	}
	bp, err := dsp.ClampBandPass(cfg.BlinkFilterLow, cfg.BlinkFilterHigh, fs, 2)
	if err != nil {
		return Unavailable
	}
	filtered := bp.FiltFilt(frontal)

	threshold := cfg.BlinkThresholdFactor * dsp.RobustSigma(filtered)
	if !(threshold >= cfg.BlinkMinAmplitude) {
		threshold = cfg.BlinkMinAmplitude
	}
	peaks := dsp.FindPeaks(filtered, dsp.PeakOptions{
		MinHeight:   threshold,
		MinDistance: int(math.Round(cfg.BlinkRefractory * fs)),
	})
	minutes := float64(len(frontal)) / fs / 60
	return Of(float64(len(peaks)) / minutes)
}
