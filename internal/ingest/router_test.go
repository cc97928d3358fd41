package ingest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/biostate.report/internal/buffer"
	"github.com/banshee-data/biostate.report/internal/config"
	"github.com/banshee-data/biostate.report/internal/timeutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type push struct {
	Ch     buffer.Channel
	TS     time.Time
	Values []float64
}

type recordingSink struct {
	mu     sync.Mutex
	pushes []push
	err    error
}

func (s *recordingSink) Push(ch buffer.Channel, ts time.Time, values ...float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, push{ch, ts, append([]float64(nil), values...)})
	return s.err
}

func (s *recordingSink) all() []push {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]push(nil), s.pushes...)
}

type expressionCall struct {
	Label string
	Score float64
	At    time.Time
}

type recordingExpression struct {
	calls []expressionCall
}

func (r *recordingExpression) Update(label string, score float64, at time.Time) {
	r.calls = append(r.calls, expressionCall{label, score, at})
}

var arrival = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func TestRouter_Dispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
		want []push
	}{
		{
			name: "eeg",
			msg:  Message{Address: "/eeg", Args: []interface{}{float32(1), float32(2), float32(3), float32(4)}},
			want: []push{{buffer.ChannelEEG, arrival, []float64{1, 2, 3, 4}}},
		},
		{
			name: "eeg with aux leads is truncated",
			msg:  Message{Address: "/muse/eeg", Args: []interface{}{1.0, 2.0, 3.0, 4.0, 5.0, 6.0}},
			want: []push{{buffer.ChannelEEG, arrival, []float64{1, 2, 3, 4}}},
		},
		{
			name: "ppg keeps the middle value",
			msg:  Message{Address: "/muse/ppg", Args: []interface{}{10.0, 20.0, 30.0}},
			want: []push{{buffer.ChannelPPG, arrival, []float64{20}}},
		},
		{
			name: "single ppg value",
			msg:  Message{Address: "/ppg", Args: []interface{}{int32(512)}},
			want: []push{{buffer.ChannelPPG, arrival, []float64{512}}},
		},
		{
			name: "acc uses bundle time",
			msg:  Message{Address: "/acc", Args: []interface{}{0.1, 0.2, 0.9}, Time: arrival.Add(-time.Second)},
			want: []push{{buffer.ChannelACC, arrival.Add(-time.Second), []float64{0.1, 0.2, 0.9}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			r := NewRouter(sink, nil, nil)
			require.NoError(t, r.Dispatch(tt.msg, arrival))
			if diff := cmp.Diff(tt.want, sink.all()); diff != "" {
				t.Errorf("pushes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRouter_Expression(t *testing.T) {
	t.Parallel()

	expr := &recordingExpression{}
	r := NewRouter(&recordingSink{}, expr, nil)

	require.NoError(t, r.Dispatch(Message{Address: "/expr", Args: []interface{}{"sad", float32(0.5)}}, arrival))
	require.Len(t, expr.calls, 1)
	assert.Equal(t, expressionCall{"sad", 0.5, arrival}, expr.calls[0])

	err := r.Dispatch(Message{Address: "/expression", Args: []interface{}{0.5}}, arrival)
	assert.Error(t, err)

	// a router without an expression sink accepts and discards readings
	r = NewRouter(&recordingSink{}, nil, nil)
	assert.NoError(t, r.Dispatch(Message{Address: "/expression", Args: []interface{}{"calm", 0.1}}, arrival))
}

func TestRouter_BadArguments(t *testing.T) {
	t.Parallel()

	r := NewRouter(&recordingSink{}, nil, nil)
	for _, addr := range []string{AddrEEG, AddrPPG, AddrACC} {
		err := r.Dispatch(Message{Address: addr, Args: []interface{}{"x"}}, arrival)
		assert.Error(t, err, addr)
	}
}

func TestRouter_UnhandledIsCounted(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	r := NewRouter(sink, nil, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Dispatch(Message{Address: "/muse/gyro", Args: []interface{}{1.0}}, arrival))
	}
	assert.Equal(t, map[string]int{"/muse/gyro": 3}, r.Unhandled())
	assert.Empty(t, sink.all())
}

func TestRouter_InvalidSamplesAreNotReported(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(arrival)
	store, err := buffer.NewStore(clock, buffer.SpecsFromTuning(config.EmptyTuningConfig())...)
	require.NoError(t, err)
	r := NewRouter(store, nil, nil)

	// three EEG values is the wrong arity; the store counts the drop
	assert.NoError(t, r.Dispatch(Message{Address: "/eeg", Args: []interface{}{1.0, 2.0, 3.0}}, arrival))
	assert.Equal(t, 0, store.Stats()[0].Buffered)
	assert.Equal(t, uint64(1), store.Stats()[0].Dropped)

	// other sink errors are passed through
	sink := &recordingSink{err: errors.New("closed")}
	r = NewRouter(sink, nil, nil)
	assert.EqualError(t, r.Dispatch(Message{Address: "/acc", Args: []interface{}{0.0, 0.0, 1.0}}, arrival), "closed")
}

func TestRouter_HandlePacket(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(arrival)
	stats := NewPacketStats("osc", clock)
	sink := &recordingSink{}
	r := NewRouter(sink, nil, stats)

	pkt, err := EncodeBundle(time.Time{},
		Message{Address: "/eeg", Args: []interface{}{1.0, 2.0, 3.0, 4.0}},
		Message{Address: "/ppg", Args: []interface{}{"bad"}},
		Message{Address: "/acc", Args: []interface{}{0.0, 0.0, 1.0}},
	)
	require.NoError(t, err)

	// the bad PPG message is reported but the ACC reading still lands
	assert.Error(t, r.HandlePacket(pkt, arrival))
	got := sink.all()
	require.Len(t, got, 2)
	assert.Equal(t, buffer.ChannelEEG, got[0].Ch)
	assert.Equal(t, buffer.ChannelACC, got[1].Ch)

	assert.ErrorIs(t, r.HandlePacket([]byte{1, 2, 3}, arrival), ErrMalformedPacket)

	w := stats.GetAndReset()
	assert.Equal(t, int64(2), w.Packets)
	assert.Equal(t, int64(1), w.Dropped)
	assert.Equal(t, int64(3), w.Messages)
	assert.Equal(t, int64(len(pkt)+3), w.Bytes)
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"/acc", "/eeg", "/expr", "/expression", "/muse/acc", "/muse/eeg", "/muse/ppg", "/ppg"}, Routes())
}
