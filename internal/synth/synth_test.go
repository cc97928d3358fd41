package synth

import (
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/biostate.report/internal/buffer"
	"github.com/banshee-data/biostate.report/internal/dsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestACC_ExactStdDev(t *testing.T) {
	t.Parallel()

	x, y, z := ACC([3]float64{0.5, 0.3, 0.2}, 150)
	assert.InDelta(t, 0.5, dsp.PopStdDev(x), 1e-12)
	assert.InDelta(t, 0.3, dsp.PopStdDev(y), 1e-12)
	assert.InDelta(t, 0.2, dsp.PopStdDev(z), 1e-12)
}

func TestGenerator_Deterministic(t *testing.T) {
	t.Parallel()

	a := NewGenerator(7).EEGLeads(Relaxed, 256, 4, 64, 0)
	b := NewGenerator(7).EEGLeads(Relaxed, 256, 4, 64, 0)
	assert.Equal(t, a, b)
	assert.Len(t, a, 4)
	assert.NotEqual(t, a[0], a[1])
}

func TestAddBlinks(t *testing.T) {
	t.Parallel()

	x := make([]float64, 512)
	AddBlinks(x, 256, 100, 0.05, 1.0)
	assert.InDelta(t, 100, x[256], 1e-9)
	assert.InDelta(t, 0, x[0], 1e-9)
}

type recordingSink struct {
	mu     sync.Mutex
	counts map[buffer.Channel]int
	last   map[buffer.Channel]time.Time
}

func (r *recordingSink) Push(ch buffer.Channel, ts time.Time, values ...float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[buffer.Channel]int{}
		r.last = map[buffer.Channel]time.Time{}
	}
	r.counts[ch]++
	r.last[ch] = ts
	return nil
}

type recordingExpression struct {
	label string
	score float64
}

func (r *recordingExpression) Update(label string, score float64, at time.Time) {
	r.label, r.score = label, score
}

func TestFeeder_EmitUntilProducesNominalRates(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	expr := &recordingExpression{}
	f := NewFeeder(sink, expr, nil, Rates{EEG: 256, PPG: 64, ACC: 52}, 1)
	start := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	f.EmitUntil(start)
	for i := 1; i <= 20; i++ {
		f.EmitUntil(start.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	assert.Equal(t, 512, sink.counts[buffer.ChannelEEG])
	assert.Equal(t, 128, sink.counts[buffer.ChannelPPG])
	assert.Equal(t, 104, sink.counts[buffer.ChannelACC])
	assert.True(t, sink.last[buffer.ChannelPPG].Before(start.Add(2*time.Second)))
	assert.Equal(t, "neutral", expr.label)

	f.SetScenario(StressedScenario)
	require.Equal(t, "stressed", f.Scenario().Name)
	f.EmitUntil(start.Add(3 * time.Second))
	assert.Equal(t, "angry", expr.label)
	assert.Equal(t, 768, sink.counts[buffer.ChannelEEG])
}
