package dsp

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// Spectrum is a one-sided power spectral density estimate.
type Spectrum struct {
	Freqs []float64 // Hz
	Power []float64 // units²/Hz
}

// Welch estimates the PSD of x with Hann-windowed, mean-detrended segments
// of length min(nperseg, len(x)) and 50% overlap, averaging the segment
// periodograms.
func Welch(x []float64, fs float64, nperseg int) (Spectrum, error) {
	if fs <= 0 {
		return Spectrum{}, fmt.Errorf("sample rate must be positive, got %f", fs)
	}
	if nperseg > len(x) {
		nperseg = len(x)
	}
	if nperseg < 4 {
		return Spectrum{}, fmt.Errorf("need at least 4 samples for a spectrum, got %d", nperseg)
	}

	win := make([]float64, nperseg)
	floats.AddConst(1, win)
	window.Hann(win)
	scale := 1 / (fs * floats.Dot(win, win))

	step := nperseg - nperseg/2
	fft := fourier.NewFFT(nperseg)
	bins := nperseg/2 + 1
	power := make([]float64, bins)
	seg := make([]float64, nperseg)
	coeffs := make([]complex128, bins)

	segments := 0
	for start := 0; start+nperseg <= len(x); start += step {
		copy(seg, x[start:start+nperseg])
		floats.AddConst(-floats.Sum(seg)/float64(nperseg), seg)
		floats.Mul(seg, win)
		coeffs = fft.Coefficients(coeffs, seg)
		for i, c := range coeffs {
			power[i] += real(c)*real(c) + imag(c)*imag(c)
		}
		segments++
	}

	freqs := make([]float64, bins)
	for i := range power {
		power[i] *= scale / float64(segments)
		// one-sided: fold negative frequencies except DC and Nyquist
		if i > 0 && !(nperseg%2 == 0 && i == bins-1) {
			power[i] *= 2
		}
		freqs[i] = float64(i) * fs / float64(nperseg)
	}
	return Spectrum{Freqs: freqs, Power: power}, nil
}

// BandPower integrates the spectrum over [lo, hi] Hz with the trapezoid
// rule. ok is false when fewer than two bins fall inside the band.
func (s Spectrum) BandPower(lo, hi float64) (power float64, ok bool) {
	var prevF, prevP float64
	n := 0
	for i, f := range s.Freqs {
		if f < lo || f > hi {
			continue
		}
		if n > 0 {
			power += (f - prevF) * (s.Power[i] + prevP) / 2
		}
		prevF, prevP = f, s.Power[i]
		n++
	}
	return power, n >= 2
}
