package ingest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/buffer"
	"github.com/banshee-data/biostate.report/internal/monitoring"
)

// Sink receives decoded samples. *buffer.Store satisfies it.
type Sink interface {
	Push(ch buffer.Channel, ts time.Time, values ...float64) error
}

// ExpressionSink receives expression readings. *ExpressionHolder
// satisfies it.
type ExpressionSink interface {
	Update(label string, score float64, at time.Time)
}

// PacketHandler consumes one transport payload received at a given time.
// The payload is only valid for the duration of the call.
type PacketHandler interface {
	HandlePacket(payload []byte, at time.Time) error
}

// Canonical OSC addresses.
const (
	AddrEEG        = "/eeg"
	AddrPPG        = "/ppg"
	AddrACC        = "/acc"
	AddrExpression = "/expression"
)

// aliases maps the addresses other senders use onto canonical ones.
var aliases = map[string]string{
	"/muse/eeg": AddrEEG,
	"/muse/ppg": AddrPPG,
	"/muse/acc": AddrACC,
	"/expr":     AddrExpression,
}

// Router decodes OSC packets and pushes their readings into a Sink.
type Router struct {
	sink       Sink
	expression ExpressionSink
	stats      *PacketStats
	logf       func(string, ...interface{})

	mu        sync.Mutex
	unhandled map[string]int
}

// NewRouter creates a router. expression and stats may be nil.
func NewRouter(sink Sink, expression ExpressionSink, stats *PacketStats) *Router {
	return &Router{
		sink:       sink,
		expression: expression,
		stats:      stats,
		logf:       monitoring.Component("ingest"),
		unhandled:  make(map[string]int),
	}
}

// HandlePacket decodes an OSC datagram and dispatches every message in
// it. Messages without a bundle time tag are stamped with at. It returns
// the first error but still dispatches the remaining messages.
func (r *Router) HandlePacket(payload []byte, at time.Time) error {
	if r.stats != nil {
		r.stats.AddPacket(len(payload))
	}
	msgs, err := ParsePacket(payload)
	if err != nil {
		if r.stats != nil {
			r.stats.AddDropped()
		}
		return err
	}
	if r.stats != nil {
		r.stats.AddMessages(len(msgs))
	}
	var first error
	for _, m := range msgs {
		if err := r.Dispatch(m, at); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Dispatch routes one message. Readings the buffer rejects as invalid are
// already counted and logged there, so they are not reported again.
func (r *Router) Dispatch(m Message, arrival time.Time) error {
	ts := arrival
	if !m.Time.IsZero() {
		ts = m.Time
	}
	addr := m.Address
	if canonical, ok := aliases[addr]; ok {
		addr = canonical
	}

	switch addr {
	case AddrEEG:
		vals, err := m.Floats()
		if err != nil {
			return err
		}
		// Muse streams may append AUX leads; the first four are
		// TP9, AF7, AF8, TP10.
		if len(vals) > 4 {
			vals = vals[:4]
		}
		return r.push(buffer.ChannelEEG, ts, vals)
	case AddrPPG:
		vals, err := m.Floats()
		if err != nil {
			return err
		}
		// Muse PPG messages carry (ambient, infrared, red); the middle
		// value is the pulse reading.
		if len(vals) >= 2 {
			vals = vals[1:2]
		}
		return r.push(buffer.ChannelPPG, ts, vals)
	case AddrACC:
		vals, err := m.Floats()
		if err != nil {
			return err
		}
		return r.push(buffer.ChannelACC, ts, vals)
	case AddrExpression:
		label, ok := m.Text(0)
		score, okScore := m.Float(1)
		if !ok || !okScore {
			return fmt.Errorf("%s: want (label string, score number), got %d args", m.Address, len(m.Args))
		}
		if r.expression != nil {
			r.expression.Update(label, score, ts)
		}
		return nil
	}

	r.mu.Lock()
	r.unhandled[m.Address]++
	first := r.unhandled[m.Address] == 1
	r.mu.Unlock()
	if first {
		r.logf("unhandled OSC address %s (%d args)", m.Address, len(m.Args))
	}
	return nil
}

func (r *Router) push(ch buffer.Channel, ts time.Time, vals []float64) error {
	err := r.sink.Push(ch, ts, vals...)
	if errors.Is(err, buffer.ErrInvalidSample) {
		return nil
	}
	return err
}

// Unhandled returns the message count of every address seen without a
// route.
func (r *Router) Unhandled() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.unhandled))
	for k, v := range r.unhandled {
		out[k] = v
	}
	return out
}

// Routes lists the accepted addresses, canonical and aliases.
func Routes() []string {
	out := []string{AddrEEG, AddrPPG, AddrACC, AddrExpression}
	for a := range aliases {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
