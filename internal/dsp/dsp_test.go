package dsp

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq, amp, fs float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/fs)
	}
	return out
}

func rms(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v * v
	}
	return math.Sqrt(s / float64(len(x)))
}

func TestNewBandPass_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		low, high float64
		fs        float64
		order     int
	}{
		{"zero rate", 1, 40, 0, 4},
		{"zero order", 1, 40, 256, 0},
		{"inverted edges", 40, 1, 256, 4},
		{"above nyquist", 1, 200, 256, 4},
		{"non-positive low", 0, 40, 256, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBandPass(tt.low, tt.high, tt.fs, tt.order)
			assert.ErrorIs(t, err, ErrInvalidFilter)
		})
	}

	bp, err := ClampBandPass(0.5, 40, 64, 2)
	require.NoError(t, err)
	assert.InDelta(t, 28.8, bp.High, 1e-9)
}

func TestBandPass_PassesInBandRejectsOutOfBand(t *testing.T) {
	t.Parallel()

	const fs = 256.0
	bp, err := NewBandPass(1, 40, fs, 4)
	require.NoError(t, err)

	inBand := bp.FiltFilt(sine(10, 1, fs, 768))
	mid := inBand[128 : 768-128]
	assert.InDelta(t, 1/math.Sqrt2, rms(mid), 0.05)

	outBand := bp.FiltFilt(sine(90, 1, fs, 768))
	assert.Less(t, rms(outBand[128:768-128]), 0.05)

	drift := make([]float64, 768)
	for i := range drift {
		drift[i] = 50 + 0.01*float64(i)
	}
	assert.Less(t, rms(bp.FiltFilt(drift)[128:768-128]), 0.5)
}

func TestBandPass_OddOrderAndShortInput(t *testing.T) {
	t.Parallel()

	bp, err := NewBandPass(0.5, 4, 64, 3)
	require.NoError(t, err)
	assert.Len(t, bp.sections, 4)

	assert.InDelta(t, 1/math.Sqrt2, gain(bp, 4), 0.01, "high edge is the -3 dB point")
	assert.InDelta(t, 1/math.Sqrt2, gain(bp, 0.5), 0.01, "low edge is the -3 dB point")
	assert.InDelta(t, 1, gain(bp, 1.5), 0.02)

	assert.Nil(t, bp.FiltFilt(nil))
	assert.Len(t, bp.FiltFilt([]float64{1}), 1)
	assert.Len(t, bp.FiltFilt([]float64{1, 2, 3}), 3)
	assert.Len(t, bp.Apply([]float64{1, 2, 3}), 3)
}

func TestBandPass_EdgeGainByOrder(t *testing.T) {
	t.Parallel()

	for order := 1; order <= 6; order++ {
		bp, err := NewBandPass(0.5, 4, 64, order)
		require.NoError(t, err)
		assert.Len(t, bp.sections, 2*(order/2+order%2), "order %d", order)
		assert.InDelta(t, 1/math.Sqrt2, gain(bp, 4), 0.01, "order %d at high edge", order)
		assert.Less(t, gain(bp, 8), gain(bp, 4), "order %d rolls off", order)
	}
}

// gain evaluates |H(e^jw)| of the filter cascade at f Hz.
func gain(bp *BandPass, f float64) float64 {
	z := cmplx.Exp(complex(0, -2*math.Pi*f/bp.SampleRate))
	h := complex(1, 0)
	for _, s := range bp.sections {
		num := complex(s.b0, 0) + complex(s.b1, 0)*z + complex(s.b2, 0)*z*z
		den := 1 + complex(s.a1, 0)*z + complex(s.a2, 0)*z*z
		h *= num / den
	}
	return cmplx.Abs(h)
}

func TestFiltFilt_Deterministic(t *testing.T) {
	t.Parallel()

	bp, err := NewBandPass(0.5, 4, 64, 2)
	require.NoError(t, err)
	x := sine(1.2, 1, 64, 640)
	a := bp.FiltFilt(x)
	b := bp.FiltFilt(x)
	assert.Equal(t, a, b)
	assert.Equal(t, sine(1.2, 1, 64, 640), x, "input must not be modified")
}

func TestWelch_SinePeakAndParseval(t *testing.T) {
	t.Parallel()

	const fs = 256.0
	spec, err := Welch(sine(10, 1, fs, 768), fs, 256)
	require.NoError(t, err)
	require.Len(t, spec.Freqs, 129)
	assert.Equal(t, 1.0, spec.Freqs[1])

	peak := 0
	for i := range spec.Power {
		if spec.Power[i] > spec.Power[peak] {
			peak = i
		}
	}
	assert.Equal(t, 10.0, spec.Freqs[peak])

	total, ok := spec.BandPower(0, fs/2)
	require.True(t, ok)
	assert.InDelta(t, 0.5, total, 0.03)

	alpha, _ := spec.BandPower(8, 13)
	beta, _ := spec.BandPower(13, 30)
	assert.Greater(t, alpha, 100*beta)
}

func TestWelch_ShortWindowCapsSegment(t *testing.T) {
	t.Parallel()

	spec, err := Welch(sine(10, 1, 256, 100), 256, 256)
	require.NoError(t, err)
	assert.Len(t, spec.Freqs, 51)

	_, err = Welch([]float64{1, 2}, 256, 256)
	assert.Error(t, err)
	_, err = Welch(sine(10, 1, 256, 100), 0, 256)
	assert.Error(t, err)
}

func TestSpectrum_BandPowerNeedsTwoBins(t *testing.T) {
	t.Parallel()

	s := Spectrum{Freqs: []float64{0, 4, 8, 12}, Power: []float64{1, 1, 1, 1}}
	_, ok := s.BandPower(5, 7)
	assert.False(t, ok)
	p, ok := s.BandPower(4, 12)
	assert.True(t, ok)
	assert.InDelta(t, 8.0, p, 1e-12)
}

func TestFindPeaks(t *testing.T) {
	t.Parallel()

	x := []float64{0, 1, 0, 2, 2, 0, 3, 0, 5}
	assert.Equal(t, []int{1, 3, 6}, FindPeaks(x, PeakOptions{MinHeight: math.Inf(-1)}))
	assert.Equal(t, []int{3, 6}, FindPeaks(x, PeakOptions{MinHeight: 1.5}))
	assert.Equal(t, []int{3, 6}, FindPeaks(x, PeakOptions{MinHeight: math.Inf(-1), MinDistance: 3}))
	assert.Empty(t, FindPeaks([]float64{1, 2}, PeakOptions{}))
	assert.Empty(t, FindPeaks([]float64{3, 2, 1}, PeakOptions{}))
}

func TestStats(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 2.0, Median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))
	assert.True(t, math.IsNaN(Median(nil)))
	assert.InDelta(t, 1.0, PopStdDev([]float64{1, -1, 1, -1}), 1e-12)
	assert.True(t, math.IsNaN(PopStdDev(nil)))

	x := []float64{0, 1, -1, 0, 1, -1, 0, 100}
	assert.Less(t, RobustSigma(x), 2.0)
}
