// Package engine is the update scheduler: it runs the calibration phase,
// then ticks at a fixed interval, pulling windows out of the channel
// buffers, extracting features, classifying them and publishing the
// result to a latest-state slot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/baseline"
	"github.com/banshee-data/biostate.report/internal/buffer"
	"github.com/banshee-data/biostate.report/internal/classifier"
	"github.com/banshee-data/biostate.report/internal/config"
	"github.com/banshee-data/biostate.report/internal/features"
	"github.com/banshee-data/biostate.report/internal/monitoring"
	"github.com/banshee-data/biostate.report/internal/timeutil"
)

// Config holds the scheduler parameters and those of the components it
// drives.
type Config struct {
	Tick        time.Duration // tick period (default: 500ms)
	StaleAfter  time.Duration // a channel silent this long makes ticks stale (default: 5s)
	EEGWindow   time.Duration
	BlinkWindow time.Duration
	PPGWindow   time.Duration
	ACCWindow   time.Duration
	Features    features.Config
	Calibration baseline.Config
	Classifier  classifier.Config
}

// ConfigFromTuning builds the engine config from the tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) (Config, error) {
	cc, err := classifier.ConfigFromTuning(cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to build classifier config: %w", err)
	}
	return Config{
		Tick:        cfg.GetTickInterval(),
		StaleAfter:  cfg.GetStaleAfter(),
		EEGWindow:   cfg.GetEEGWindow(),
		BlinkWindow: cfg.GetBlinkWindow(),
		PPGWindow:   cfg.GetPPGWindow(),
		ACCWindow:   cfg.GetACCWindow(),
		Features:    features.ConfigFromTuning(cfg),
		Calibration: baseline.ConfigFromTuning(cfg),
		Classifier:  cc,
	}, nil
}

// Transition is a persistent state change.
type Transition struct {
	From     classifier.State       `json:"from"`
	To       classifier.State       `json:"to"`
	At       time.Time              `json:"at"`
	Features features.FeatureVector `json:"features"`
	Flags    classifier.Flags       `json:"flags"`
}

// Recorder receives engine events, typically to persist them. Errors are
// logged and never stop the engine.
type Recorder interface {
	RecordBaseline(sessionID string, p baseline.Profile) error
	RecordTransition(sessionID string, t Transition) error
	RecordTick(s Snapshot) error
}

// MarketSource supplies the market trend published alongside the state.
type MarketSource interface {
	Trend() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder adds a recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorders = append(e.recorders, r) }
}

// WithSessionID tags every snapshot and record with id.
func WithSessionID(id string) Option {
	return func(e *Engine) { e.sessionID = id }
}

// WithSlot publishes into an existing slot.
func WithSlot(s *Slot) Option {
	return func(e *Engine) { e.slot = s }
}

// WithMarket publishes m's trend with every snapshot.
func WithMarket(m MarketSource) Option {
	return func(e *Engine) { e.market = m }
}

// channels lists the buffered channels in tick order.
var channels = []buffer.Channel{buffer.ChannelEEG, buffer.ChannelPPG, buffer.ChannelACC}

// Engine owns the consumer side of a session. Run must be called from a
// single goroutine; the accessor methods are safe from any goroutine.
type Engine struct {
	cfg        Config
	store      *buffer.Store
	extractor  *features.Extractor
	classifier *classifier.Classifier
	clock      timeutil.Clock
	slot       *Slot
	recorders  []Recorder
	sessionID  string
	market     MarketSource
	logf       func(string, ...interface{})

	// Buffered channel of size 1 so repeated requests coalesce.
	recalibrate chan struct{}

	mu         sync.RWMutex
	calibrator *baseline.Calibrator
	profile    baseline.Profile
	calibrated bool
	record     classifier.StateRecord
}

// New creates an engine reading from store. expression may be nil.
func New(cfg Config, store *buffer.Store, expression features.ExpressionSource, clock timeutil.Clock, opts ...Option) *Engine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	e := &Engine{
		cfg:         cfg,
		store:       store,
		extractor:   features.NewExtractor(cfg.Features, expression),
		classifier:  classifier.New(cfg.Classifier),
		clock:       clock,
		logf:        monitoring.Component("engine"),
		recalibrate: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.slot == nil {
		e.slot = NewSlot()
	}
	e.record = e.classifier.NewRecord()
	e.calibrator = baseline.NewCalibrator(cfg.Calibration, clock, e.sample)
	return e
}

// Slot returns the latest-state slot.
func (e *Engine) Slot() *Slot { return e.slot }

// SessionID returns the session tag.
func (e *Engine) SessionID() string { return e.sessionID }

// Store returns the channel buffers the engine reads.
func (e *Engine) Store() *buffer.Store { return e.store }

// Profile returns the active baseline.
func (e *Engine) Profile() (baseline.Profile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.profile, e.calibrated
}

// Calibration reports the current or last calibration run.
func (e *Engine) Calibration() baseline.Progress {
	e.mu.RLock()
	cal := e.calibrator
	e.mu.RUnlock()
	return cal.Progress()
}

// Record returns a copy of the classifier state.
func (e *Engine) Record() classifier.StateRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r := e.record
	r.History = r.History.Clone()
	return r
}

// Recalibrate asks the running engine to collect a new baseline between
// ticks. It never blocks and reports whether a request was queued; a
// request already pending absorbs this one.
func (e *Engine) Recalibrate() bool {
	select {
	case e.recalibrate <- struct{}{}:
		return true
	default:
		e.logf("recalibration already pending")
		return false
	}
}

var errRecalibrate = errors.New("recalibration requested")

// Run calibrates and then ticks until ctx is cancelled. A failed first
// calibration is returned (wrapping baseline.ErrCalibrationFailed) so the
// caller can halt startup. A failed recalibration leaves classification
// blocked until the next Recalibrate request.
func (e *Engine) Run(ctx context.Context) error {
	first := true
	for {
		err := e.Calibrate(ctx)
		switch {
		case err == nil:
			err = e.loop(ctx)
		case ctx.Err() != nil:
			return ctx.Err()
		case first:
			return err
		default:
			err = e.wait(ctx)
		}
		first = false
		if !errors.Is(err, errRecalibrate) {
			return err
		}
	}
}

// Calibrate runs one calibration on the calling goroutine. On success the
// profile is replaced wholesale and the classifier state is reset; on
// failure classification stays blocked.
func (e *Engine) Calibrate(ctx context.Context) error {
	cal := baseline.NewCalibrator(e.cfg.Calibration, e.clock, e.sample)
	e.mu.Lock()
	e.calibrator = cal
	e.calibrated = false
	e.profile = baseline.Profile{}
	e.record = e.classifier.NewRecord()
	e.mu.Unlock()

	e.publishStatus(e.clock.Now(), StatusCalibrating, "collecting baseline")
	p, err := cal.Run(ctx)
	if err != nil {
		e.publishStatus(e.clock.Now(), StatusCalibrationFailed, err.Error())
		return err
	}

	e.mu.Lock()
	e.profile = p
	e.calibrated = true
	e.mu.Unlock()

	for _, r := range e.recorders {
		if err := r.RecordBaseline(e.sessionID, p); err != nil {
			e.logf("failed to record baseline: %v", err)
		}
	}
	return nil
}

func (e *Engine) loop(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	e.logf("ticking every %s", e.cfg.Tick)

	for {
		select {
		case <-ctx.Done():
			e.logf("stopped")
			return ctx.Err()
		case <-e.recalibrate:
			e.logf("recalibration requested")
			return errRecalibrate
		case now := <-ticker.C():
			e.Tick(now)
		}
	}
}

// wait idles after a failed recalibration.
func (e *Engine) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.recalibrate:
		return errRecalibrate
	}
}

// sample is the calibrator's view of the buffers: whatever windows are
// complete are extracted, the rest yield unavailable features.
func (e *Engine) sample(now time.Time) features.FeatureVector {
	w, _ := e.windows()
	return e.extractor.Extract(w, now)
}

// windows snapshots every window, returning the names of channels that
// could not fill theirs.
func (e *Engine) windows() (features.Windows, []string) {
	var w features.Windows
	var short []string
	take := func(ch buffer.Channel, d time.Duration, dst *[]buffer.Sample) {
		s, ok := e.store.SnapshotDuration(ch, d)
		if !ok {
			short = append(short, string(ch))
			return
		}
		*dst = s
	}
	take(buffer.ChannelEEG, e.cfg.EEGWindow, &w.EEG)
	take(buffer.ChannelPPG, e.cfg.PPGWindow, &w.PPG)
	take(buffer.ChannelACC, e.cfg.ACCWindow, &w.ACC)
	if e.cfg.BlinkWindow > 0 {
		// blink rate stays unavailable until the longer window has filled
		if s, ok := e.store.SnapshotDuration(buffer.ChannelEEG, e.cfg.BlinkWindow); ok {
			w.Blink = s
		}
	}
	return w, short
}

// stale returns the channels whose newest sample is older than StaleAfter.
func (e *Engine) stale(now time.Time) []string {
	if e.cfg.StaleAfter <= 0 {
		return nil
	}
	var out []string
	for _, ch := range channels {
		last, ok := e.store.LastArrival(ch)
		if ok && now.Sub(last) > e.cfg.StaleAfter {
			out = append(out, string(ch))
		}
	}
	return out
}

// Tick runs one scheduler pass at now and returns the published snapshot.
// Run calls it on every tick; it must not be called concurrently with Run.
// Before a successful calibration it publishes without classifying.
func (e *Engine) Tick(now time.Time) Snapshot {
	start := e.clock.Now()
	defer func() { monitoring.TickDuration.Observe(e.clock.Since(start).Seconds()) }()

	e.mu.RLock()
	calibrated := e.calibrated
	e.mu.RUnlock()
	if !calibrated {
		return e.publishStatus(now, StatusCalibrating, "baseline not ready")
	}

	if stale := e.stale(now); len(stale) > 0 {
		return e.publishTick(now, StatusStale, "no data from "+strings.Join(stale, ","))
	}
	w, short := e.windows()
	if len(short) > 0 {
		return e.publishTick(now, StatusBuffering, "insufficient "+strings.Join(short, ","))
	}

	fv := e.extractor.Extract(w, now)

	e.mu.Lock()
	rec, d := e.classifier.Step(fv, e.profile, e.record)
	e.record = rec
	summary := e.profile.Summary()
	e.mu.Unlock()

	snap := Snapshot{
		SessionID:    e.sessionID,
		Status:       StatusActive,
		Persistent:   rec.Persistent,
		Tentative:    rec.Tentative,
		HasTentative: rec.HasTentative,
		Changed:      d.Changed,
		Rule:         d.Rule,
		Features:     fv,
		Flags:        d.Flags,
		Baseline:     &summary,
		Calibration:  e.Calibration(),
		LastUpdate:   now,
	}
	if d.Skipped {
		snap.Status, snap.Reason = StatusSkipped, d.Reason
	}
	monitoring.Ticks.WithLabelValues(string(snap.Status)).Inc()

	if d.Changed {
		e.logf("state %s -> %s (flags %s)", d.From, rec.Persistent, flagList(d.Flags))
		monitoring.StateTransitions.WithLabelValues(string(d.From), string(rec.Persistent)).Inc()
		t := Transition{From: d.From, To: rec.Persistent, At: now, Features: fv, Flags: d.Flags}
		for _, r := range e.recorders {
			if err := r.RecordTransition(e.sessionID, t); err != nil {
				e.logf("failed to record transition: %v", err)
			}
		}
	}
	return e.publish(snap)
}

// publishTick publishes a tick that did not reach the classifier. The
// classifier state is left as it was.
func (e *Engine) publishTick(now time.Time, status Status, reason string) Snapshot {
	monitoring.Ticks.WithLabelValues(string(status)).Inc()
	return e.publishStatus(now, status, reason)
}

func (e *Engine) publishStatus(now time.Time, status Status, reason string) Snapshot {
	e.mu.RLock()
	persistent := e.record.Persistent
	var summary *baseline.Summary
	if e.calibrated {
		s := e.profile.Summary()
		summary = &s
	}
	e.mu.RUnlock()

	return e.publish(Snapshot{
		SessionID:   e.sessionID,
		Status:      status,
		Reason:      reason,
		Persistent:  persistent,
		Rule:        -1,
		Features:    features.FeatureVector{Timestamp: now},
		Baseline:    summary,
		Calibration: e.Calibration(),
		LastUpdate:  now,
	})
}

func (e *Engine) publish(s Snapshot) Snapshot {
	s.Display = displayState(s.Status, s.Persistent)
	if e.market != nil {
		s.MarketTrend = e.market.Trend()
	}
	s = e.slot.Publish(s)
	for _, r := range e.recorders {
		if err := r.RecordTick(s); err != nil {
			e.logf("failed to record tick %d: %v", s.Seq, err)
		}
	}
	return s
}

func flagList(f classifier.Flags) string {
	var on []string
	for _, fl := range []classifier.Flag{
		classifier.FlagRatioLow, classifier.FlagThetaBetaHigh, classifier.FlagHRHigh,
		classifier.FlagMovementHigh, classifier.FlagBlinkRateHigh, classifier.FlagExpressionNegative,
	} {
		if f.Get(fl) {
			on = append(on, string(fl))
		}
	}
	if len(on) == 0 {
		return "none"
	}
	return strings.Join(on, ",")
}

// StaleDisplay is shown in place of the persistent state while a channel
// is silent. The persistent state itself is kept.
const StaleDisplay = "Uncertain (Stale Data)"

func displayState(status Status, persistent classifier.State) string {
	if status == StatusStale {
		return StaleDisplay
	}
	return string(persistent)
}
