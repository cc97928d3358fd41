package buffer

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/biostate.report/internal/config"
	"github.com/banshee-data/biostate.report/internal/monitoring"
	"github.com/banshee-data/biostate.report/internal/timeutil"
)

// ErrInvalidSample is returned by Push for samples dropped at ingestion.
var ErrInvalidSample = errors.New("invalid sample")

// ErrUnknownChannel is returned by Push for channels the store does not own.
var ErrUnknownChannel = errors.New("unknown channel")

// dropLogEvery limits drop log lines to the first and then every Nth drop
// per channel; the counter sees every one.
const dropLogEvery = 1000

// ChannelSpec describes one buffered channel.
type ChannelSpec struct {
	Channel    Channel
	Arity      int
	SampleRate float64 // Hz
	Capacity   int     // samples
}

// SpecsFromTuning returns the EEG, PPG and ACC channel specs sized to
// hold buffer_seconds of data at each channel's nominal rate.
func SpecsFromTuning(cfg *config.TuningConfig) []ChannelSpec {
	secs := cfg.GetBufferSeconds()
	spec := func(ch Channel, arity int, rate float64) ChannelSpec {
		return ChannelSpec{Channel: ch, Arity: arity, SampleRate: rate, Capacity: int(secs*rate + 0.5)}
	}
	return []ChannelSpec{
		spec(ChannelEEG, 4, cfg.GetEEGSampleRateHz()),
		spec(ChannelPPG, 1, cfg.GetPPGSampleRateHz()),
		spec(ChannelACC, 3, cfg.GetACCSampleRateHz()),
	}
}

type channelState struct {
	spec        ChannelSpec
	buf         *ChannelBuffer
	lastArrival atomic.Int64 // unix nanos on the store clock
	dropped     atomic.Uint64
}

// Store owns the channel buffers of one processing session. It is injected
// into every transport (producer) and the engine (consumer). The channel
// set is fixed at construction, so lookups need no lock.
type Store struct {
	clock    timeutil.Clock
	channels map[Channel]*channelState
	logf     func(string, ...interface{})
}

// NewStore creates one buffer per spec.
func NewStore(clock timeutil.Clock, specs ...ChannelSpec) (*Store, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Store{
		clock:    clock,
		channels: make(map[Channel]*channelState, len(specs)),
		logf:     monitoring.Component("ingest"),
	}
	for _, spec := range specs {
		if spec.Arity < 1 || spec.Arity > MaxArity {
			return nil, fmt.Errorf("channel %s: arity must be in [1,%d], got %d", spec.Channel, MaxArity, spec.Arity)
		}
		if spec.Capacity < 1 {
			return nil, fmt.Errorf("channel %s: capacity must be positive, got %d", spec.Channel, spec.Capacity)
		}
		if _, dup := s.channels[spec.Channel]; dup {
			return nil, fmt.Errorf("channel %s declared twice", spec.Channel)
		}
		s.channels[spec.Channel] = &channelState{spec: spec, buf: NewChannelBuffer(spec.Capacity)}
	}
	return s, nil
}

// Push validates a reading and appends it to its channel buffer. Samples
// with the wrong arity or any NaN/Inf value are dropped, counted and
// logged; the returned error only informs the caller and never needs
// handling. Push never blocks beyond the buffer's copy-in.
func (s *Store) Push(ch Channel, ts time.Time, values ...float64) error {
	st, ok := s.channels[ch]
	if !ok {
		monitoring.SamplesDropped.WithLabelValues(string(ch), "unknown_channel").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	if len(values) != st.spec.Arity {
		s.drop(st, "arity", fmt.Sprintf("got %d values, want %d", len(values), st.spec.Arity))
		return fmt.Errorf("%w: %s arity %d, want %d", ErrInvalidSample, ch, len(values), st.spec.Arity)
	}
	sample, err := NewSample(ch, ts, values...)
	if err != nil {
		s.drop(st, "arity", err.Error())
		return err
	}
	if !sample.finite() {
		s.drop(st, "nan", "non-finite value")
		return fmt.Errorf("%w: %s contains NaN or Inf", ErrInvalidSample, ch)
	}

	st.buf.Push(sample)
	st.lastArrival.Store(s.clock.Now().UnixNano())
	monitoring.SamplesIngested.WithLabelValues(string(ch)).Inc()
	return nil
}

func (s *Store) drop(st *channelState, reason, detail string) {
	monitoring.SamplesDropped.WithLabelValues(string(st.spec.Channel), reason).Inc()
	n := st.dropped.Add(1)
	if n == 1 || n%dropLogEvery == 0 {
		s.logf("dropped %s sample (%s): %s, %d dropped so far", st.spec.Channel, reason, detail, n)
	}
}

// Snapshot copies the newest n samples of a channel. ok is false when the
// channel is unknown or holds fewer than n samples.
func (s *Store) Snapshot(ch Channel, n int) ([]Sample, bool) {
	st, found := s.channels[ch]
	if !found {
		return nil, false
	}
	return st.buf.Snapshot(n)
}

// SnapshotDuration copies the newest d worth of samples at the channel's
// nominal rate.
func (s *Store) SnapshotDuration(ch Channel, d time.Duration) ([]Sample, bool) {
	n, ok := s.WindowSamples(ch, d)
	if !ok {
		return nil, false
	}
	return s.Snapshot(ch, n)
}

// WindowSamples converts a window duration to a sample count for ch.
func (s *Store) WindowSamples(ch Channel, d time.Duration) (int, bool) {
	st, found := s.channels[ch]
	if !found {
		return 0, false
	}
	n := int(d.Seconds()*st.spec.SampleRate + 0.5)
	if n > st.spec.Capacity {
		n = st.spec.Capacity
	}
	return n, true
}

// Spec returns the channel's configuration.
func (s *Store) Spec(ch Channel) (ChannelSpec, bool) {
	st, ok := s.channels[ch]
	if !ok {
		return ChannelSpec{}, false
	}
	return st.spec, true
}

// LastArrival returns the store-clock time of the newest accepted sample.
func (s *Store) LastArrival(ch Channel) (time.Time, bool) {
	st, ok := s.channels[ch]
	if !ok {
		return time.Time{}, false
	}
	ns := st.lastArrival.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Stats summarises one channel for diagnostics.
type Stats struct {
	Channel  Channel `json:"channel"`
	Buffered int     `json:"buffered"`
	Capacity int     `json:"capacity"`
	Total    uint64  `json:"total"`
	Dropped  uint64  `json:"dropped"`
}

// Stats returns a diagnostics row per channel.
func (s *Store) Stats() []Stats {
	out := make([]Stats, 0, len(s.channels))
	for _, ch := range []Channel{ChannelEEG, ChannelPPG, ChannelACC} {
		if st, ok := s.channels[ch]; ok {
			out = append(out, st.stats())
		}
	}
	for ch, st := range s.channels {
		switch ch {
		case ChannelEEG, ChannelPPG, ChannelACC:
		default:
			out = append(out, st.stats())
		}
	}
	return out
}

func (st *channelState) stats() Stats {
	return Stats{
		Channel:  st.spec.Channel,
		Buffered: st.buf.Len(),
		Capacity: st.buf.Cap(),
		Total:    st.buf.Total(),
		Dropped:  st.dropped.Load(),
	}
}

// Reset clears every buffer, used when a session restarts.
func (s *Store) Reset() {
	for _, st := range s.channels {
		st.buf.Clear()
		st.lastArrival.Store(0)
	}
}
