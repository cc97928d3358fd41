package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/monitoring"
	"github.com/banshee-data/biostate.report/internal/timeutil"
)

// PacketStats tracks transport statistics with thread-safe operations.
type PacketStats struct {
	clock timeutil.Clock
	name  string

	mu           sync.Mutex
	packetCount  int64
	byteCount    int64
	droppedCount int64
	messageCount int64
	lastReset    time.Time
}

// NewPacketStats creates a PacketStats for a transport named name.
func NewPacketStats(name string, clock timeutil.Clock) *PacketStats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &PacketStats{clock: clock, name: name, lastReset: clock.Now()}
}

// AddPacket increments packet count and byte count.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

// AddDropped increments the count of packets that could not be decoded.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedCount++
}

// AddMessages increments the decoded message count.
func (ps *PacketStats) AddMessages(count int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.messageCount += int64(count)
}

// StatsWindow is one reporting interval.
type StatsWindow struct {
	Packets  int64
	Bytes    int64
	Dropped  int64
	Messages int64
	Duration time.Duration
}

// GetAndReset returns current stats and resets counters.
func (ps *PacketStats) GetAndReset() StatsWindow {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.clock.Now()
	w := StatsWindow{
		Packets:  ps.packetCount,
		Bytes:    ps.byteCount,
		Dropped:  ps.droppedCount,
		Messages: ps.messageCount,
		Duration: now.Sub(ps.lastReset),
	}
	ps.packetCount, ps.byteCount, ps.droppedCount, ps.messageCount = 0, 0, 0, 0
	ps.lastReset = now
	return w
}

// LogStats logs per-second rates for the interval since the last call and
// returns the line, or "" when nothing arrived.
func (ps *PacketStats) LogStats() string {
	w := ps.GetAndReset()
	if (w.Packets == 0 && w.Dropped == 0) || w.Duration <= 0 {
		return ""
	}
	secs := w.Duration.Seconds()
	line := fmt.Sprintf("%s stats (/sec): %.2f KB, %.1f packets, %s messages",
		ps.name, float64(w.Bytes)/secs/1024, float64(w.Packets)/secs, FormatWithCommas(int64(float64(w.Messages)/secs)))
	if w.Dropped > 0 {
		line += fmt.Sprintf(", %d malformed", w.Dropped)
	}
	monitoring.Logf("[ingest] %s", line)
	return line
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if n < 0 {
		return "-" + FormatWithCommas(-n)
	}
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return result
}
