package engine

import (
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/baseline"
	"github.com/banshee-data/biostate.report/internal/classifier"
	"github.com/banshee-data/biostate.report/internal/features"
)

// Status describes what the latest tick did.
type Status string

const (
	StatusStarting          Status = "starting"
	StatusCalibrating       Status = "calibrating"
	StatusCalibrationFailed Status = "calibration_failed"
	StatusBuffering         Status = "buffering"
	StatusStale             Status = "stale"
	StatusSkipped           Status = "skipped"
	StatusActive            Status = "active"
)

// Snapshot is the published engine state. It is a value; readers get a
// copy and the maps inside it are never mutated after publishing.
type Snapshot struct {
	Seq          uint64                 `json:"seq"`
	SessionID    string                 `json:"session_id,omitempty"`
	Status       Status                 `json:"status"`
	Reason       string                 `json:"reason,omitempty"`
	Persistent   classifier.State       `json:"persistent_state"`
	Display      string                 `json:"display_state"`
	Tentative    classifier.State       `json:"tentative_state,omitempty"`
	HasTentative bool                   `json:"has_tentative"`
	Changed      bool                   `json:"changed"`
	Rule         int                    `json:"rule"`
	Features     features.FeatureVector `json:"features"`
	Flags        classifier.Flags       `json:"flags"`
	Baseline     *baseline.Summary      `json:"baseline,omitempty"`
	Calibration  baseline.Progress      `json:"calibration"`
	MarketTrend  string                 `json:"market_trend,omitempty"`
	LastUpdate   time.Time              `json:"last_update"`
}

// Slot holds the latest snapshot. Publish never blocks: a subscriber whose
// channel is full misses that update and picks up the next one.
type Slot struct {
	mu     sync.RWMutex
	latest Snapshot
	seq    uint64
	subs   map[chan Snapshot]struct{}
}

// NewSlot creates an empty slot in the starting status.
func NewSlot() *Slot {
	return &Slot{
		latest: Snapshot{Status: StatusStarting, Rule: -1},
		subs:   make(map[chan Snapshot]struct{}),
	}
}

// Publish stores s as the latest snapshot, assigning its sequence number,
// and notifies subscribers.
func (sl *Slot) Publish(s Snapshot) Snapshot {
	sl.mu.Lock()
	sl.seq++
	s.Seq = sl.seq
	sl.latest = s
	for ch := range sl.subs {
		select {
		case ch <- s:
		default:
		}
	}
	sl.mu.Unlock()
	return s
}

// Latest returns a copy of the latest snapshot.
func (sl *Slot) Latest() Snapshot {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.latest
}

// Subscribe returns a channel receiving every snapshot published after the
// call, and a function that removes the subscription and closes the
// channel.
func (sl *Slot) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	sl.mu.Lock()
	sl.subs[ch] = struct{}{}
	sl.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			sl.mu.Lock()
			delete(sl.subs, ch)
			sl.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (sl *Slot) Subscribers() int {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return len(sl.subs)
}
