// Package dsp contains the numeric kernels behind the feature extractors:
// Butterworth band-pass filtering, Welch spectral estimates, peak picking
// and robust statistics.
package dsp

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidFilter is returned when a filter cannot be designed for the
// requested edges and sample rate.
var ErrInvalidFilter = errors.New("invalid filter design")

// section is one second-order (or first-order when b2 = a2 = 0) IIR stage
// in transposed direct form II, with a0 normalised to 1.
type section struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// BandPass is a Butterworth band-pass built from a high-pass and a low-pass
// Butterworth cascade of the same order.
type BandPass struct {
	Low, High  float64 // Hz
	SampleRate float64 // Hz
	Order      int
	sections   []section
}

// NewBandPass designs a Butterworth band-pass. Edges must satisfy
// 0 < low < high < fs/2.
func NewBandPass(low, high, fs float64, order int) (*BandPass, error) {
	switch {
	case fs <= 0:
		return nil, fmt.Errorf("%w: sample rate must be positive, got %f", ErrInvalidFilter, fs)
	case order < 1:
		return nil, fmt.Errorf("%w: order must be at least 1, got %d", ErrInvalidFilter, order)
	case low <= 0 || high <= low:
		return nil, fmt.Errorf("%w: need 0 < low < high, got %f..%f", ErrInvalidFilter, low, high)
	case high >= fs/2:
		return nil, fmt.Errorf("%w: high edge %f at or above Nyquist %f", ErrInvalidFilter, high, fs/2)
	}
	bp := &BandPass{Low: low, High: high, SampleRate: fs, Order: order}
	bp.sections = append(bp.sections, butterworth(low, fs, order, true)...)
	bp.sections = append(bp.sections, butterworth(high, fs, order, false)...)
	return bp, nil
}

// ClampBandPass designs a band-pass like NewBandPass but first pulls the
// high edge under Nyquist, so short or low-rate windows still filter.
func ClampBandPass(low, high, fs float64, order int) (*BandPass, error) {
	if limit := 0.45 * fs; high > limit {
		high = limit
	}
	return NewBandPass(low, high, fs, order)
}

// butterworth returns the sections of an order-n Butterworth high-pass or
// low-pass at cutoff fc using the bilinear transform.
func butterworth(fc, fs float64, n int, highpass bool) []section {
	var out []section
	w0 := 2 * math.Pi * fc / fs
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	for k := 0; k < n/2; k++ {
		q := sectionQ(n, k)
		alpha := sinw / (2 * q)
		a0 := 1 + alpha
		var s section
		if highpass {
			s.b0 = (1 + cosw) / 2 / a0
			s.b1 = -(1 + cosw) / a0
			s.b2 = s.b0
		} else {
			s.b0 = (1 - cosw) / 2 / a0
			s.b1 = (1 - cosw) / a0
			s.b2 = s.b0
		}
		s.a1 = -2 * cosw / a0
		s.a2 = (1 - alpha) / a0
		out = append(out, s)
	}
	if n%2 == 1 {
		k := math.Tan(math.Pi * fc / fs)
		s := section{a1: (k - 1) / (k + 1)}
		if highpass {
			s.b0 = 1 / (1 + k)
			s.b1 = -s.b0
		} else {
			s.b0 = k / (1 + k)
			s.b1 = s.b0
		}
		out = append(out, s)
	}
	return out
}

// sectionQ is the quality factor of the k-th conjugate pole pair of an
// order-n Butterworth prototype. Even orders place poles at odd multiples
// of π/2n; odd orders at multiples of π/n, plus the real pole handled as a
// first-order section.
func sectionQ(n, k int) float64 {
	if n%2 == 0 {
		return 1 / (2 * math.Cos(float64(2*k+1)*math.Pi/float64(2*n)))
	}
	return 1 / (2 * math.Cos(float64(k+1)*math.Pi/float64(n)))
}

// Apply runs the filter forward once over x and returns a new slice.
func (bp *BandPass) Apply(x []float64) []float64 {
	y := make([]float64, len(x))
	copy(y, x)
	bp.run(y)
	return y
}

func (bp *BandPass) run(y []float64) {
	for _, s := range bp.sections {
		var z1, z2 float64
		for i, in := range y {
			out := s.b0*in + z1
			z1 = s.b1*in - s.a1*out + z2
			z2 = s.b2*in - s.a2*out
			y[i] = out
		}
	}
}

// PadLen is the number of samples reflected at each edge by FiltFilt:
// three periods of the low edge, capped by the signal length.
func (bp *BandPass) PadLen(n int) int {
	pad := int(math.Ceil(3 * bp.SampleRate / bp.Low))
	if floor := 3 * (2*bp.Order + 1); pad < floor {
		pad = floor
	}
	if pad > n-1 {
		pad = n - 1
	}
	if pad < 0 {
		pad = 0
	}
	return pad
}

// FiltFilt applies the filter forward and backward for zero phase. The
// mean is removed and the signal odd-reflected at both ends before
// filtering to tame edge transients. x is not modified.
func (bp *BandPass) FiltFilt(x []float64) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(n)

	pad := bp.PadLen(n)
	ext := make([]float64, n+2*pad)
	first, last := x[0]-mean, x[n-1]-mean
	for i := 0; i < pad; i++ {
		ext[i] = 2*first - (x[pad-i] - mean)
		ext[pad+n+i] = 2*last - (x[n-2-i] - mean)
	}
	for i, v := range x {
		ext[pad+i] = v - mean
	}

	bp.run(ext)
	reverse(ext)
	bp.run(ext)
	reverse(ext)

	out := make([]float64, n)
	copy(out, ext[pad:pad+n])
	return out
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}
