package ingest

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_RoundTrip(t *testing.T) {
	t.Parallel()

	in := Message{Address: "/eeg", Args: []interface{}{float32(1.5), int32(-3), 2.25, int64(1) << 40, "ok"}}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	assert.Zero(t, len(b)%4, "packets are 4-byte aligned")

	msgs, err := ParsePacket(b)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	if diff := cmp.Diff(in, msgs[0]); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMessage_MarshalInt(t *testing.T) {
	t.Parallel()

	b, err := Message{Address: "/n", Args: []interface{}{7, 1 << 40}}.MarshalBinary()
	require.NoError(t, err)
	msgs, err := ParsePacket(b)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int32(7), int64(1 << 40)}, msgs[0].Args)

	_, err = Message{Address: "/x", Args: []interface{}{true}}.MarshalBinary()
	assert.Error(t, err)
}

func TestMessage_Accessors(t *testing.T) {
	t.Parallel()

	m := Message{Address: "/expression", Args: []interface{}{"sad", float32(0.75), int64(2)}}

	label, ok := m.Text(0)
	assert.True(t, ok)
	assert.Equal(t, "sad", label)
	_, ok = m.Text(1)
	assert.False(t, ok)

	score, ok := m.Float(1)
	assert.True(t, ok)
	assert.InDelta(t, 0.75, score, 1e-9)
	_, ok = m.Float(0)
	assert.False(t, ok)
	_, ok = m.Float(9)
	assert.False(t, ok)

	_, err := m.Floats()
	assert.Error(t, err)

	vals, err := Message{Address: "/acc", Args: []interface{}{float32(0), int32(1), 2.0}}.Floats()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2}, vals)
}

func TestEncodeBundle_NestedAndTimeTag(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 8, 0, 0, 250_000_000, time.UTC)
	inner, err := newBundle(time.Time{}, Message{Address: "/ppg", Args: []interface{}{1.0, 2.0, 3.0}})
	require.NoError(t, err)
	outer, err := newBundle(at, Message{Address: "/eeg", Args: []interface{}{1.0, 2.0, 3.0, 4.0}})
	require.NoError(t, err)
	require.NoError(t, outer.Append(inner))
	b, err := outer.MarshalBinary()
	require.NoError(t, err)

	msgs, err := ParsePacket(b)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "/eeg", msgs[0].Address)
	assert.WithinDuration(t, at, msgs[0].Time, time.Microsecond)
	assert.Equal(t, "/ppg", msgs[1].Address)
	assert.True(t, msgs[1].Time.IsZero(), "an immediate inner bundle carries no time")
}

func TestEncodeBundle_NTPTimeTag(t *testing.T) {
	t.Parallel()

	at := time.Unix(1_750_000_000, 500_000_000)
	b, err := EncodeBundle(at, Message{Address: "/acc", Args: []interface{}{0.0, 0.0, 1.0}})
	require.NoError(t, err)
	require.Equal(t, bundleTag, string(b[:8]))
	assert.Equal(t, uint32(1_750_000_000+ntpEpochOffset), binary.BigEndian.Uint32(b[8:]))
	assert.Equal(t, uint32(1)<<31, binary.BigEndian.Uint32(b[12:]), "half a second is half the fraction range")

	p, err := osc.ParsePacket(string(b))
	require.NoError(t, err)
	bundle, ok := p.(*osc.Bundle)
	require.True(t, ok)
	require.Len(t, bundle.Messages, 1)
	assert.Equal(t, []interface{}{0.0, 0.0, 1.0}, bundle.Messages[0].Arguments)
}

func TestParsePacket_Malformed(t *testing.T) {
	t.Parallel()

	good, err := Message{Address: "/eeg", Args: []interface{}{float32(1)}}.MarshalBinary()
	require.NoError(t, err)
	bundle, err := EncodeBundle(time.Time{}, Message{Address: "/acc"})
	require.NoError(t, err)

	badSize := append([]byte(nil), bundle...)
	binary.BigEndian.PutUint32(badSize[16:], 4096)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"unaligned", []byte("/eeg\x00")},
		{"no leading slash", []byte("eeg\x00,f\x00\x00\x00\x00\x00\x00")},
		{"unterminated address", []byte("/eeg")},
		{"truncated float", good[:len(good)-4]},
		{"unknown tag", []byte("/eeg\x00\x00\x00\x00,x\x00\x00")},
		{"bad bundle tag", append([]byte("#bundlx\x00"), make([]byte, 8)...)},
		{"bundle without time", []byte("#bundle\x00")},
		{"element past end", badSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePacket(tt.in)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestTimeTag_RoundTrip(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(1), encodeTimeTag(time.Time{}))
	assert.True(t, decodeTimeTag(1).IsZero())

	at := time.Unix(1_750_000_000, 123_456_789)
	got := decodeTimeTag(encodeTimeTag(at))
	assert.WithinDuration(t, at, got, 2*time.Nanosecond)
}
