package serialmux

import (
	"sync"
	"time"
)

// KindStats counts the lines of one kind.
type KindStats struct {
	Lines   uint64    `json:"lines"`
	Dropped uint64    `json:"dropped"` // deliveries missed by full subscribers
	Last    time.Time `json:"last"`
}

// LineStats counts the lines a bridge has read, keyed by ClassifyPayload
// kind.
type LineStats struct {
	mu     sync.Mutex
	byKind map[string]*KindStats
}

// LineStatsSnapshot is a point-in-time copy of LineStats.
type LineStatsSnapshot struct {
	ByKind  map[string]KindStats `json:"by_kind"`
	Lines   uint64               `json:"lines"`
	Dropped uint64               `json:"dropped"`
}

func NewLineStats() *LineStats {
	return &LineStats{byKind: make(map[string]*KindStats)}
}

func (l *LineStats) kind(k string) *KindStats {
	ks, ok := l.byKind[k]
	if !ok {
		ks = &KindStats{}
		l.byKind[k] = ks
	}
	return ks
}

// Record counts one line of kind read at at, missed of whose deliveries
// were dropped.
func (l *LineStats) Record(kind string, at time.Time, missed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks := l.kind(kind)
	ks.Lines++
	ks.Dropped += uint64(missed)
	ks.Last = at
}

func (l *LineStats) Snapshot() LineStatsSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := LineStatsSnapshot{ByKind: make(map[string]KindStats, len(l.byKind))}
	for k, ks := range l.byKind {
		out.ByKind[k] = *ks
		out.Lines += ks.Lines
		out.Dropped += ks.Dropped
	}
	return out
}
