package synth

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/buffer"
	"github.com/banshee-data/biostate.report/internal/monitoring"
	"github.com/banshee-data/biostate.report/internal/timeutil"
)

// Sink receives generated samples. *buffer.Store satisfies it, as does the
// OSC sender used by cmd/synth-sender.
type Sink interface {
	Push(ch buffer.Channel, ts time.Time, values ...float64) error
}

// ExpressionSink receives generated expression readings.
type ExpressionSink interface {
	Update(label string, score float64, at time.Time)
}

// Scenario describes the physiology a Feeder imitates.
type Scenario struct {
	Name       string
	EEG        EEGProfile
	BPM        float64
	Movement   [3]float64    // per-axis accelerometer std dev (g)
	BlinkEvery time.Duration // zero disables blinks
	Expression string
	Negativity float64 // expression score in [0,1]
}

// Built-in scenarios.
var (
	CalmScenario = Scenario{
		Name: "calm", EEG: Relaxed, BPM: 66, Movement: [3]float64{0.01, 0.01, 0.01},
		BlinkEvery: 4 * time.Second, Expression: "neutral", Negativity: 0.1,
	}
	StressedScenario = Scenario{
		Name: "stressed", EEG: Tense, BPM: 105, Movement: [3]float64{0.02, 0.02, 0.02},
		BlinkEvery: 3 * time.Second, Expression: "angry", Negativity: 0.8,
	}
	DrowsyScenario = Scenario{
		Name: "drowsy", EEG: Sleepy, BPM: 58, Movement: [3]float64{0.005, 0.005, 0.005},
		BlinkEvery: 1200 * time.Millisecond, Expression: "neutral", Negativity: 0.1,
	}
	RestlessScenario = Scenario{
		Name: "restless", EEG: Focused, BPM: 80, Movement: [3]float64{0.5, 0.3, 0.2},
		BlinkEvery: 3 * time.Second, Expression: "neutral", Negativity: 0.2,
	}
)

// Scenarios indexes the built-in scenarios by name.
var Scenarios = map[string]Scenario{
	CalmScenario.Name:     CalmScenario,
	StressedScenario.Name: StressedScenario,
	DrowsyScenario.Name:   DrowsyScenario,
	RestlessScenario.Name: RestlessScenario,
}

// Rates are the nominal sample rates a Feeder emits at.
type Rates struct {
	EEG, PPG, ACC float64 // Hz
}

// Feeder streams a scenario into a Sink in real (or mocked) time.
type Feeder struct {
	sink       Sink
	expression ExpressionSink
	clock      timeutil.Clock
	rates      Rates
	gen        *Generator

	mu       sync.Mutex
	scenario Scenario
	start    time.Time
	sent     [3]int // samples emitted per channel: eeg, ppg, acc
}

// NewFeeder creates a feeder. expression may be nil.
func NewFeeder(sink Sink, expression ExpressionSink, clock timeutil.Clock, rates Rates, seed uint64) *Feeder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Feeder{
		sink:       sink,
		expression: expression,
		clock:      clock,
		rates:      rates,
		gen:        NewGenerator(seed),
		scenario:   CalmScenario,
	}
}

// SetScenario switches the imitated physiology from the next chunk on.
func (f *Feeder) SetScenario(s Scenario) {
	f.mu.Lock()
	f.scenario = s
	f.mu.Unlock()
	monitoring.Logf("[synth] scenario switched to %s", s.Name)
}

// Scenario returns the active scenario.
func (f *Feeder) Scenario() Scenario {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scenario
}

// Run emits samples every step until ctx is cancelled.
func (f *Feeder) Run(ctx context.Context, step time.Duration) error {
	ticker := f.clock.NewTicker(step)
	defer ticker.Stop()
	f.mu.Lock()
	f.start = f.clock.Now()
	f.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			f.EmitUntil(now)
		}
	}
}

// EmitUntil generates every sample due between the feeder's start and now
// that has not been emitted yet.
func (f *Feeder) EmitUntil(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.start.IsZero() {
		f.start = now
	}
	elapsed := now.Sub(f.start).Seconds()
	sc := f.scenario

	if n := int(elapsed*f.rates.EEG) - f.sent[0]; n > 0 {
		off := f.sent[0]
		leads := f.gen.EEGLeads(sc.EEG, f.rates.EEG, 4, n, off)
		if sc.BlinkEvery > 0 {
			f.addBlinks(leads[1], off, sc.BlinkEvery)
			f.addBlinks(leads[2], off, sc.BlinkEvery)
		}
		for i := 0; i < n; i++ {
			ts := f.sampleTime(off+i, f.rates.EEG)
			_ = f.sink.Push(buffer.ChannelEEG, ts, leads[0][i], leads[1][i], leads[2][i], leads[3][i])
		}
		f.sent[0] += n
	}

	if n := int(elapsed*f.rates.PPG) - f.sent[1]; n > 0 {
		off := f.sent[1]
		pulse := f.gen.PPG(sc.BPM, f.rates.PPG, n, off, 1)
		for i, v := range pulse {
			_ = f.sink.Push(buffer.ChannelPPG, f.sampleTime(off+i, f.rates.PPG), v)
		}
		f.sent[1] += n
	}

	if n := int(elapsed*f.rates.ACC) - f.sent[2]; n > 0 {
		off := f.sent[2]
		for i := 0; i < n; i++ {
			x := sc.Movement[0] * f.gen.noise.Rand()
			y := sc.Movement[1] * f.gen.noise.Rand()
			z := 1 + sc.Movement[2]*f.gen.noise.Rand()
			_ = f.sink.Push(buffer.ChannelACC, f.sampleTime(off+i, f.rates.ACC), x, y, z)
		}
		f.sent[2] += n
	}

	if f.expression != nil && sc.Expression != "" {
		f.expression.Update(sc.Expression, sc.Negativity, now)
	}
}

func (f *Feeder) sampleTime(idx int, rate float64) time.Time {
	return f.start.Add(time.Duration(float64(idx) / rate * float64(time.Second)))
}

// blinkSigma is the width of a synthetic blink in seconds.
const blinkSigma = 0.05

// addBlinks adds every blink whose pulse overlaps the chunk starting at
// sample off, so pulses spanning chunk boundaries stay continuous.
func (f *Feeder) addBlinks(lead []float64, off int, every time.Duration) {
	fs := f.rates.EEG
	start := float64(off) / fs
	end := float64(off+len(lead)) / fs
	period := every.Seconds()
	first := math.Ceil((start - 5*blinkSigma) / period)
	for k := math.Max(first, 1); k*period <= end+5*blinkSigma; k++ {
		AddBlinks(lead, fs, 150, blinkSigma, k*period-start)
	}
}
