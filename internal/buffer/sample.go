// Package buffer holds the bounded per-channel sample rings shared between
// the ingestion producers and the engine.
package buffer

import (
	"fmt"
	"math"
	"time"
)

// MaxArity is the widest sample any channel carries (four EEG leads).
const MaxArity = 4

// Channel names a sensor stream.
type Channel string

const (
	ChannelEEG Channel = "eeg"
	ChannelPPG Channel = "ppg"
	ChannelACC Channel = "acc"
)

// Sample is one timestamped reading of a channel. It is a value type: the
// readings live in a fixed array so copies never alias.
type Sample struct {
	Channel Channel
	Time    time.Time
	n       uint8
	v       [MaxArity]float64
}

// NewSample builds a sample from up to MaxArity values.
func NewSample(ch Channel, ts time.Time, values ...float64) (Sample, error) {
	if len(values) == 0 || len(values) > MaxArity {
		return Sample{}, fmt.Errorf("%w: %d values for %s", ErrInvalidSample, len(values), ch)
	}
	s := Sample{Channel: ch, Time: ts, n: uint8(len(values))}
	copy(s.v[:], values)
	return s, nil
}

// Len returns the number of values in the sample.
func (s Sample) Len() int { return int(s.n) }

// At returns value i; ok is false when the sample has no such value.
func (s Sample) At(i int) (v float64, ok bool) {
	if i < 0 || i >= int(s.n) {
		return 0, false
	}
	return s.v[i], true
}

// Values returns a copy of the readings.
func (s Sample) Values() []float64 {
	out := make([]float64, s.n)
	copy(out, s.v[:s.n])
	return out
}

// finite reports whether every value is a real number.
func (s Sample) finite() bool {
	for i := 0; i < int(s.n); i++ {
		if math.IsNaN(s.v[i]) || math.IsInf(s.v[i], 0) {
			return false
		}
	}
	return true
}
