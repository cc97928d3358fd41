// Package synth generates synthetic biosensor signals for development mode,
// the OSC sender tool and tests.
package synth

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Sine returns n samples of amp·sin(2πft + phase) at rate fs.
func Sine(freq, amp, phase, fs float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/fs+phase)
	}
	return out
}

// EEGProfile sets the per-band amplitudes (µV) of a synthetic EEG lead.
type EEGProfile struct {
	Theta, Alpha, Beta float64
	Noise              float64 // white noise sigma
}

var (
	// Relaxed is alpha dominant with little beta.
	Relaxed = EEGProfile{Theta: 5, Alpha: 20, Beta: 2, Noise: 1}
	// Focused has alpha and beta at parity.
	Focused = EEGProfile{Theta: 5, Alpha: 10, Beta: 10, Noise: 1}
	// Tense is beta dominant, giving a low alpha/beta ratio.
	Tense = EEGProfile{Theta: 5, Alpha: 4, Beta: 14, Noise: 1}
	// Sleepy is theta dominant.
	Sleepy = EEGProfile{Theta: 25, Alpha: 6, Beta: 3, Noise: 1}
)

// Generator produces deterministic signals from a seed.
type Generator struct {
	noise distuv.Normal
}

// NewGenerator creates a generator seeded with seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{noise: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}}
}

// EEGLeads returns leads×n samples following p, with per-lead phase
// offsets so leads are not identical. Band tones sit at 6, 10 and 20 Hz.
func (g *Generator) EEGLeads(p EEGProfile, fs float64, leads, n, offset int) [][]float64 {
	out := make([][]float64, leads)
	for l := range out {
		phase := float64(l) * 0.7
		lead := make([]float64, n)
		for i := range lead {
			t := float64(offset+i) / fs
			lead[i] = p.Theta*math.Sin(2*math.Pi*6*t+phase) +
				p.Alpha*math.Sin(2*math.Pi*10*t+phase) +
				p.Beta*math.Sin(2*math.Pi*20*t+phase) +
				p.Noise*g.noise.Rand()
		}
		out[l] = lead
	}
	return out
}

// PPG returns a pulse waveform at bpm: a fundamental plus a weaker second
// harmonic riding on a DC level, as an optical sensor reports.
func (g *Generator) PPG(bpm, fs float64, n, offset int, noise float64) []float64 {
	f := bpm / 60
	out := make([]float64, n)
	for i := range out {
		t := float64(offset+i) / fs
		out[i] = 1000 + 50*math.Sin(2*math.Pi*f*t) + 15*math.Sin(4*math.Pi*f*t+0.8) + noise*g.noise.Rand()
	}
	return out
}

// ACC returns three axes whose population std devs equal sd exactly for
// even n: each axis alternates ±sd around its gravity component.
func ACC(sd [3]float64, n int) (x, y, z []float64) {
	axes := [3][]float64{make([]float64, n), make([]float64, n), make([]float64, n)}
	gravity := [3]float64{0, 0, 1}
	for a := range axes {
		for i := range axes[a] {
			sign := 1.0
			if i%2 == 1 {
				sign = -1
			}
			axes[a][i] = gravity[a] + sign*sd[a]
		}
	}
	return axes[0], axes[1], axes[2]
}

// AddBlinks adds Gaussian deflections of height amp (µV) and width sigma
// (seconds) centred at each time in at (seconds from sample 0).
func AddBlinks(x []float64, fs, amp, sigma float64, at ...float64) {
	for _, c := range at {
		lo := int(math.Max(0, (c-5*sigma)*fs))
		hi := int(math.Min(float64(len(x)), (c+5*sigma)*fs+1))
		for i := lo; i < hi; i++ {
			d := float64(i)/fs - c
			x[i] += amp * math.Exp(-d*d/(2*sigma*sigma))
		}
	}
}
