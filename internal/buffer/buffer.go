package buffer

import (
	"sync"
	"time"
)

// ChannelBuffer is a fixed-capacity ring of samples for one channel. Push
// overwrites the oldest sample when full. All methods are safe for
// concurrent use; the lock only covers copying samples in and out.
type ChannelBuffer struct {
	mu       sync.Mutex
	samples  []Sample
	capacity int
	head     int // next write position
	size     int
	total    uint64
}

// NewChannelBuffer creates a buffer holding at most capacity samples.
func NewChannelBuffer(capacity int) *ChannelBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ChannelBuffer{
		samples:  make([]Sample, capacity),
		capacity: capacity,
	}
}

// Push appends s, evicting the oldest sample on overflow.
func (b *ChannelBuffer) Push(s Sample) {
	b.mu.Lock()
	b.samples[b.head] = s
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
	b.total++
	b.mu.Unlock()
}

// Snapshot returns an owned copy of the newest n samples in arrival order.
// When fewer than n are buffered it returns all of them and ok=false.
func (b *ChannelBuffer) Snapshot(n int) (out []Sample, ok bool) {
	if n < 0 {
		n = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ok = b.size >= n
	if n > b.size {
		n = b.size
	}
	out = make([]Sample, n)
	start := (b.head - n + b.capacity) % b.capacity
	first := copy(out, b.samples[start:min(start+n, b.capacity)])
	copy(out[first:], b.samples[:n-first])
	return out, ok
}

// Latest returns the newest sample, if any.
func (b *ChannelBuffer) Latest() (Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return Sample{}, false
	}
	return b.samples[(b.head-1+b.capacity)%b.capacity], true
}

// Len returns the number of buffered samples.
func (b *ChannelBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *ChannelBuffer) Cap() int { return b.capacity }

// Total returns how many samples were ever pushed, including evicted ones.
func (b *ChannelBuffer) Total() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Clear drops every buffered sample.
func (b *ChannelBuffer) Clear() {
	b.mu.Lock()
	b.head, b.size = 0, 0
	clear(b.samples)
	b.mu.Unlock()
}

// Times extracts the timestamps of a snapshot.
func Times(samples []Sample) []time.Time {
	out := make([]time.Time, len(samples))
	for i, s := range samples {
		out[i] = s.Time
	}
	return out
}

// Column extracts value idx of every sample. Samples narrower than idx+1
// contribute zero; the Store rejects such samples at ingestion.
func Column(samples []Sample, idx int) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i], _ = s.At(idx)
	}
	return out
}
