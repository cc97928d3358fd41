package ingest

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/buffer"
)

var channelAddrs = map[buffer.Channel]string{
	buffer.ChannelEEG: AddrEEG,
	buffer.ChannelPPG: AddrPPG,
	buffer.ChannelACC: AddrACC,
}

// OSCSender encodes pushed samples as OSC bundles, one per sample with
// the sample time as the bundle time tag, and writes each bundle as one
// datagram. It satisfies Sink and ExpressionSink.
type OSCSender struct {
	mu      sync.Mutex
	w       io.Writer
	sent    uint64
	errors  uint64
	lastErr error
}

// NewOSCSender writes datagrams to w, typically a connected *net.UDPConn.
func NewOSCSender(w io.Writer) *OSCSender {
	return &OSCSender{w: w}
}

// DialOSC connects a sender to a UDP address such as "127.0.0.1:5001".
func DialOSC(addr string) (*OSCSender, io.Closer, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewOSCSender(conn), conn, nil
}

func (s *OSCSender) Push(ch buffer.Channel, ts time.Time, values ...float64) error {
	addr, ok := channelAddrs[ch]
	if !ok {
		return fmt.Errorf("no OSC address for channel %s", ch)
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = float32(v)
	}
	return s.send(ts, Message{Address: addr, Args: args})
}

// Update sends an expression reading; send errors are only counted.
func (s *OSCSender) Update(label string, score float64, at time.Time) {
	_ = s.send(at, Message{Address: AddrExpression, Args: []interface{}{label, float32(score)}})
}

func (s *OSCSender) send(at time.Time, m Message) error {
	b, err := EncodeBundle(at, m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(b); err != nil {
		s.errors++
		s.lastErr = err
		return err
	}
	s.sent++
	return nil
}

// Counts returns the datagrams sent and failed, and the last failure.
func (s *OSCSender) Counts() (sent, failed uint64, lastErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.errors, s.lastErr
}
