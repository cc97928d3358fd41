package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/biostate.report/internal/baseline"
	"github.com/banshee-data/biostate.report/internal/buffer"
	"github.com/banshee-data/biostate.report/internal/classifier"
	"github.com/banshee-data/biostate.report/internal/config"
	"github.com/banshee-data/biostate.report/internal/features"
	"github.com/banshee-data/biostate.report/internal/synth"
	"github.com/banshee-data/biostate.report/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu          sync.Mutex
	baselines   int
	transitions []Transition
	ticks       []Snapshot
}

func (r *fakeRecorder) RecordBaseline(string, baseline.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baselines++
	return nil
}

func (r *fakeRecorder) RecordTransition(_ string, t Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *fakeRecorder) RecordTick(s Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, s)
	return errors.New("disk full") // errors must not stop the engine
}

type harness struct {
	clock *timeutil.MockClock
	store *buffer.Store
	feed  *synth.Feeder
	rec   *fakeRecorder
	eng   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tuning := config.EmptyTuningConfig()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	store, err := buffer.NewStore(clock, buffer.SpecsFromTuning(tuning)...)
	require.NoError(t, err)

	cfg, err := ConfigFromTuning(tuning)
	require.NoError(t, err)
	cfg.Calibration.Duration = 5 * time.Second
	cfg.Calibration.MinSamples = 3

	rates := synth.Rates{EEG: tuning.GetEEGSampleRateHz(), PPG: tuning.GetPPGSampleRateHz(), ACC: tuning.GetACCSampleRateHz()}
	h := &harness{
		clock: clock,
		store: store,
		feed:  synth.NewFeeder(store, nil, clock, rates, 7),
		rec:   &fakeRecorder{},
	}
	h.eng = New(cfg, store, nil, clock, WithRecorder(h.rec), WithSessionID("test-session"))
	return h
}

// emit advances the mock clock by d in steps, feeding samples as it goes.
func (h *harness) emit(d time.Duration) {
	const step = 100 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		h.clock.Advance(step)
		h.feed.EmitUntil(h.clock.Now())
	}
}

// drive advances time until done yields, feeding samples on the way and
// failing after a wall-clock timeout.
func (h *harness) drive(t *testing.T, done <-chan error) error {
	t.Helper()
	return h.advance(t, done, true)
}

// idle is drive without samples: only the clock moves.
func (h *harness) idle(t *testing.T, done <-chan error) error {
	t.Helper()
	return h.advance(t, done, false)
}

func (h *harness) advance(t *testing.T, done <-chan error, feed bool) error {
	t.Helper()
	require.True(t, h.clock.WaitForTicker(2*time.Second), "no ticker created")
	deadline := time.After(20 * time.Second)
	for {
		select {
		case err := <-done:
			return err
		case <-deadline:
			t.Fatal("timed out driving the mock clock")
		default:
		}
		h.clock.Advance(250 * time.Millisecond)
		if feed {
			h.feed.EmitUntil(h.clock.Now())
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) calibrate(t *testing.T) {
	t.Helper()
	h.feed.EmitUntil(h.clock.Now())
	h.emit(21 * time.Second)

	done := make(chan error, 1)
	go func() { done <- h.eng.Calibrate(context.Background()) }()
	require.NoError(t, h.drive(t, done))

	p, ok := h.eng.Profile()
	require.True(t, ok)
	require.True(t, p.Valid(features.AlphaBetaRatio))
	assert.Equal(t, baseline.Complete, h.eng.Calibration().State)
}

func TestEngine_TickBeforeCalibration(t *testing.T) {
	h := newHarness(t)
	s := h.eng.Tick(h.clock.Now())
	assert.Equal(t, StatusCalibrating, s.Status)
	assert.Equal(t, classifier.StateUncertain, s.Persistent)
	assert.Nil(t, s.Baseline)
	assert.Equal(t, "test-session", s.SessionID)
}

func TestEngine_StressedFlipsOnSixthTick(t *testing.T) {
	h := newHarness(t)
	h.calibrate(t)
	assert.Equal(t, 1, h.rec.baselines)

	h.feed.SetScenario(synth.StressedScenario)
	h.emit(21 * time.Second)

	for i := 1; i <= 6; i++ {
		h.emit(500 * time.Millisecond)
		s := h.eng.Tick(h.clock.Now())
		require.Equal(t, StatusActive, s.Status, "tick %d: %s", i, s.Reason)
		assert.Equal(t, classifier.StateStressed, s.Tentative, "tick %d", i)
		assert.True(t, s.Flags.RatioLow)
		assert.True(t, s.Flags.HRHigh)
		if i < 6 {
			assert.Equal(t, classifier.StateUncertain, s.Persistent, "tick %d", i)
			assert.False(t, s.Changed)
		} else {
			assert.Equal(t, classifier.StateStressed, s.Persistent)
			assert.Equal(t, "Stressed", s.Display)
			assert.True(t, s.Changed)
		}
	}

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.Len(t, h.rec.transitions, 1)
	assert.Equal(t, classifier.StateUncertain, h.rec.transitions[0].From)
	assert.Equal(t, classifier.StateStressed, h.rec.transitions[0].To)
	assert.Equal(t, h.eng.Slot().Latest().Seq, h.rec.ticks[len(h.rec.ticks)-1].Seq)
}

func TestEngine_StaleDataSkipsWithoutTouchingHistory(t *testing.T) {
	h := newHarness(t)
	h.calibrate(t)

	h.emit(time.Second)
	s := h.eng.Tick(h.clock.Now())
	require.Equal(t, StatusActive, s.Status, s.Reason)
	before := h.eng.Record()

	h.clock.Advance(6 * time.Second)
	s = h.eng.Tick(h.clock.Now())
	assert.Equal(t, StatusStale, s.Status)
	assert.Equal(t, "no data from eeg,ppg,acc", s.Reason)
	assert.Equal(t, StaleDisplay, s.Display)
	assert.False(t, s.HasTentative)
	assert.Equal(t, before.Persistent, s.Persistent)
	assert.Equal(t, before.History.Values(), h.eng.Record().History.Values())
}

func TestEngine_BufferingAfterReset(t *testing.T) {
	h := newHarness(t)
	h.calibrate(t)

	h.store.Reset()
	h.clock.Advance(time.Second)
	require.NoError(t, h.store.Push(buffer.ChannelPPG, h.clock.Now(), 1))
	s := h.eng.Tick(h.clock.Now())
	assert.Equal(t, StatusBuffering, s.Status)
	assert.Equal(t, "insufficient eeg,ppg,acc", s.Reason)
	require.NotNil(t, s.Baseline)
}

func TestEngine_RunFailsWithoutData(t *testing.T) {
	h := newHarness(t)
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(context.Background()) }()

	err := h.idle(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, baseline.ErrCalibrationFailed)
	assert.Equal(t, StatusCalibrationFailed, h.eng.Slot().Latest().Status)
	_, ok := h.eng.Profile()
	assert.False(t, ok)
}

func TestEngine_BlinkRateWaitsForFullWindow(t *testing.T) {
	h := newHarness(t)
	h.feed.SetScenario(synth.DrowsyScenario)
	h.feed.EmitUntil(h.clock.Now())

	for _, d := range []time.Duration{4 * time.Second, 4 * time.Second, 4 * time.Second} {
		h.emit(d)
		fv := h.eng.sample(h.clock.Now())
		assert.True(t, fv.AlphaBetaRatio.OK, "EEG window is full")
		assert.False(t, fv.BlinkRate.OK, "blink window is not, got %v", fv.BlinkRate)
	}

	h.emit(9 * time.Second)
	fv := h.eng.sample(h.clock.Now())
	assert.True(t, fv.BlinkRate.OK)
}

func TestEngine_RunRecalibratesAndStops(t *testing.T) {
	h := newHarness(t)
	h.feed.EmitUntil(h.clock.Now())
	h.emit(21 * time.Second)

	updates, unsubscribe := h.eng.Slot().Subscribe(256)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()

	require.True(t, h.clock.WaitForTicker(2*time.Second))
	deadline := time.After(20 * time.Second)
	var statuses []Status
	// 0: first calibration, 1: recalibration requested, 2: recalibrating
	phase := 0
	for {
		select {
		case s := <-updates:
			statuses = append(statuses, s.Status)
			switch {
			case phase == 0 && s.Status == StatusActive:
				require.True(t, h.eng.Recalibrate())
				phase = 1
			case phase == 1 && s.Status == StatusCalibrating:
				phase = 2
			case phase == 2 && s.Status == StatusActive:
				cancel()
			}
			continue
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
			assert.Contains(t, statuses, StatusCalibrating)
			h.rec.mu.Lock()
			assert.Equal(t, 2, h.rec.baselines)
			h.rec.mu.Unlock()
			return
		case <-deadline:
			t.Fatalf("engine did not finish; statuses %v", statuses)
		default:
		}
		h.clock.Advance(250 * time.Millisecond)
		h.feed.EmitUntil(h.clock.Now())
		time.Sleep(time.Millisecond)
	}
}

type fixedTrend string

func (f fixedTrend) Trend() string { return string(f) }

func TestEngine_PublishesMarketTrend(t *testing.T) {
	h := newHarness(t)
	cfg, err := ConfigFromTuning(config.EmptyTuningConfig())
	require.NoError(t, err)
	eng := New(cfg, h.store, nil, h.clock, WithMarket(fixedTrend("Down")))

	s := eng.Tick(h.clock.Now())
	assert.Equal(t, "Down", s.MarketTrend)
	assert.Equal(t, "Uncertain", s.Display)
	assert.Empty(t, h.eng.Tick(h.clock.Now()).MarketTrend)
}

func TestEngine_RecalibrateCoalesces(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.eng.Recalibrate())
	assert.False(t, h.eng.Recalibrate())
}

func TestSlot_PublishAndSubscribe(t *testing.T) {
	t.Parallel()

	sl := NewSlot()
	assert.Equal(t, StatusStarting, sl.Latest().Status)

	ch, unsubscribe := sl.Subscribe(1)
	first := sl.Publish(Snapshot{Status: StatusBuffering})
	assert.Equal(t, uint64(1), first.Seq)

	// a full subscriber must not block the publisher
	second := sl.Publish(Snapshot{Status: StatusActive})
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, StatusActive, sl.Latest().Status)

	got := <-ch
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, 1, sl.Subscribers())

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, sl.Subscribers())
}

func TestConfigFromTuning(t *testing.T) {
	t.Parallel()

	cfg, err := ConfigFromTuning(config.EmptyTuningConfig())
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Tick)
	assert.Equal(t, 5*time.Second, cfg.StaleAfter)
	assert.Equal(t, 20*time.Second, cfg.BlinkWindow)
	assert.Equal(t, 6, cfg.Classifier.Persistence)
	assert.Equal(t, time.Minute, cfg.Calibration.Duration)

	bad := config.EmptyTuningConfig()
	bad.Rules = []config.RuleConfig{{State: "Calm", AnyOf: []string{"is_unknown"}}}
	_, err = ConfigFromTuning(bad)
	assert.Error(t, err)
}
