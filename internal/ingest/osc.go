// Package ingest turns sensor transports (OSC over UDP, pcap captures of
// that traffic, serial line streams) into channel buffer pushes.
package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// ErrMalformedPacket is returned for datagrams that are not valid OSC.
var ErrMalformedPacket = errors.New("malformed OSC packet")

const bundleTag = "#bundle\x00"

// ntpEpochOffset is the number of seconds between 1900-01-01 and the Unix
// epoch; OSC time tags are NTP timestamps.
const ntpEpochOffset = 2208988800

// Message is one OSC message flattened out of its packet. Args hold int32,
// int64, float32, float64 or string values. Time is the enclosing bundle's
// time tag, zero when the message was not bundled or the tag was
// "immediately".
type Message struct {
	Address string
	Args    []interface{}
	Time    time.Time
}

// Float returns argument i as a float64 when it is numeric.
func (m Message) Float(i int) (float64, bool) {
	if i < 0 || i >= len(m.Args) {
		return 0, false
	}
	switch v := m.Args[i].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Text returns argument i when it is a string.
func (m Message) Text(i int) (string, bool) {
	if i < 0 || i >= len(m.Args) {
		return "", false
	}
	s, ok := m.Args[i].(string)
	return s, ok
}

// Floats returns every numeric argument in order, failing on the first
// non-numeric one.
func (m Message) Floats() ([]float64, error) {
	out := make([]float64, len(m.Args))
	for i := range m.Args {
		v, ok := m.Float(i)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d is %T, want a number", m.Address, i, m.Args[i])
		}
		out[i] = v
	}
	return out, nil
}

// ParsePacket decodes a datagram into its messages. Bundles, including
// nested ones, are flattened; each message carries its bundle's time tag.
func ParsePacket(b []byte) ([]Message, error) {
	if err := checkFraming(b); err != nil {
		return nil, err
	}
	p, err := osc.ParsePacket(string(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	var out []Message
	switch p := p.(type) {
	case *osc.Message:
		out = append(out, fromOSC(p, time.Time{}))
	case *osc.Bundle:
		flatten(p, &out)
	default:
		return nil, fmt.Errorf("%w: unexpected packet %T", ErrMalformedPacket, p)
	}
	return out, nil
}

func flatten(b *osc.Bundle, out *[]Message) {
	at := decodeTimeTag(b.Timetag.TimeTag())
	for _, m := range b.Messages {
		*out = append(*out, fromOSC(m, at))
	}
	for _, inner := range b.Bundles {
		flatten(inner, out)
	}
}

func fromOSC(m *osc.Message, at time.Time) Message {
	msg := Message{Address: m.Address, Time: at}
	if len(m.Arguments) > 0 {
		msg.Args = append([]interface{}(nil), m.Arguments...)
	}
	return msg
}

// checkFraming rejects unaligned datagrams and bundle elements whose size
// prefix runs past the packet; the decoder reads elements without
// checking their declared sizes.
func checkFraming(b []byte) error {
	if len(b) == 0 || len(b)%4 != 0 {
		return fmt.Errorf("%w: length %d is not a positive multiple of 4", ErrMalformedPacket, len(b))
	}
	if b[0] != '#' {
		if b[0] != '/' {
			return fmt.Errorf("%w: address does not start with /", ErrMalformedPacket)
		}
		return nil
	}
	if len(b) < 16 || string(b[:8]) != bundleTag {
		return fmt.Errorf("%w: bad bundle header", ErrMalformedPacket)
	}
	for rest := b[16:]; len(rest) > 0; {
		if len(rest) < 4 {
			return fmt.Errorf("%w: truncated bundle element size", ErrMalformedPacket)
		}
		size := int(binary.BigEndian.Uint32(rest))
		rest = rest[4:]
		if size <= 0 || size > len(rest) {
			return fmt.Errorf("%w: bundle element size %d exceeds %d remaining bytes", ErrMalformedPacket, size, len(rest))
		}
		if err := checkFraming(rest[:size]); err != nil {
			return err
		}
		rest = rest[size:]
	}
	return nil
}

// toOSC converts the message for encoding. Go ints become 'i' when they fit
// in 32 bits and 'h' otherwise.
func (m Message) toOSC() (*osc.Message, error) {
	out := osc.NewMessage(m.Address)
	for _, a := range m.Args {
		switch v := a.(type) {
		case int:
			if v >= math.MinInt32 && v <= math.MaxInt32 {
				out.Append(int32(v))
			} else {
				out.Append(int64(v))
			}
		case int32, int64, float32, float64, string:
			out.Append(v)
		default:
			return nil, fmt.Errorf("%s: unsupported argument type %T", m.Address, a)
		}
	}
	return out, nil
}

// MarshalBinary encodes the message on its own, outside any bundle.
func (m Message) MarshalBinary() ([]byte, error) {
	om, err := m.toOSC()
	if err != nil {
		return nil, err
	}
	return om.MarshalBinary()
}

// newBundle builds a bundle with time tag at; a zero at is "immediately".
func newBundle(at time.Time, msgs ...Message) (*osc.Bundle, error) {
	b := osc.NewBundle(time.Now())
	b.Timetag = *osc.NewTimetagFromTimetag(encodeTimeTag(at))
	for _, m := range msgs {
		om, err := m.toOSC()
		if err != nil {
			return nil, err
		}
		if err := b.Append(om); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// EncodeBundle encodes msgs as one bundle with time tag at; a zero at
// encodes "immediately".
func EncodeBundle(at time.Time, msgs ...Message) ([]byte, error) {
	b, err := newBundle(at, msgs...)
	if err != nil {
		return nil, err
	}
	return b.MarshalBinary()
}

// Time tags are converted here so sub-second fractions follow NTP.
func encodeTimeTag(t time.Time) uint64 {
	if t.IsZero() {
		return 1
	}
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

func decodeTimeTag(v uint64) time.Time {
	if v <= 1 {
		return time.Time{}
	}
	secs := int64(v>>32) - ntpEpochOffset
	nanos := int64((v & 0xffffffff) * uint64(time.Second) >> 32)
	return time.Unix(secs, nanos)
}
