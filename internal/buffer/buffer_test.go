package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSample(t *testing.T, i int) Sample {
	t.Helper()
	s, err := NewSample(ChannelPPG, time.Unix(int64(i), 0), float64(i))
	require.NoError(t, err)
	return s
}

func firstValues(samples []Sample) []float64 {
	return Column(samples, 0)
}

func TestChannelBuffer_OverflowKeepsNewestInOrder(t *testing.T) {
	t.Parallel()

	b := NewChannelBuffer(4)
	for i := 1; i <= 10; i++ {
		b.Push(mustSample(t, i))
		assert.LessOrEqual(t, b.Len(), b.Cap())
	}

	got, ok := b.Snapshot(4)
	require.True(t, ok)
	if diff := cmp.Diff([]float64{7, 8, 9, 10}, firstValues(got)); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(10), b.Total())
}

func TestChannelBuffer_SnapshotInsufficient(t *testing.T) {
	t.Parallel()

	b := NewChannelBuffer(8)
	b.Push(mustSample(t, 1))
	b.Push(mustSample(t, 2))

	got, ok := b.Snapshot(5)
	assert.False(t, ok)
	assert.Equal(t, []float64{1, 2}, firstValues(got))

	got, ok = b.Snapshot(1)
	assert.True(t, ok)
	assert.Equal(t, []float64{2}, firstValues(got))
}

func TestChannelBuffer_SnapshotIsOwnedCopy(t *testing.T) {
	t.Parallel()

	b := NewChannelBuffer(3)
	for i := 1; i <= 3; i++ {
		b.Push(mustSample(t, i))
	}
	snap, _ := b.Snapshot(3)
	b.Push(mustSample(t, 4))

	assert.Equal(t, []float64{1, 2, 3}, firstValues(snap))
	latest, ok := b.Latest()
	require.True(t, ok)
	v, ok := latest.At(0)
	assert.True(t, ok)
	assert.Equal(t, 4.0, v)
}

func TestChannelBuffer_Clear(t *testing.T) {
	t.Parallel()

	b := NewChannelBuffer(3)
	b.Push(mustSample(t, 1))
	b.Clear()
	_, ok := b.Latest()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())
}

func TestChannelBuffer_ConcurrentPushSnapshot(t *testing.T) {
	t.Parallel()

	b := NewChannelBuffer(64)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s, _ := NewSample(ChannelEEG, time.Unix(0, int64(i)), float64(p), float64(p), float64(p), float64(p))
				b.Push(s)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			snap, _ := b.Snapshot(32)
			for _, s := range snap {
				// every sample carries four copies of its producer id
				v := s.Values()
				for _, x := range v[1:] {
					if x != v[0] {
						t.Errorf("torn sample %v", v)
						return
					}
				}
			}
			assert.LessOrEqual(t, len(snap), 64)
		}
	}()

	wg.Wait()
	<-done
	assert.Equal(t, 64, b.Len())
	assert.Equal(t, uint64(4000), b.Total())
}

func TestSample_ValuesAreCopies(t *testing.T) {
	t.Parallel()

	s, err := NewSample(ChannelACC, time.Unix(1, 0), 1, 2, 3)
	require.NoError(t, err)
	v := s.Values()
	v[0] = 99
	got, ok := s.At(0)
	assert.True(t, ok)
	assert.Equal(t, 1.0, got)
	assert.Equal(t, 3, s.Len())

	_, err = NewSample(ChannelEEG, time.Unix(1, 0), 1, 2, 3, 4, 5)
	assert.ErrorIs(t, err, ErrInvalidSample)
	for _, i := range []int{-1, 3, MaxArity} {
		_, ok = s.At(i)
		assert.False(t, ok, "index %d", i)
	}
}

func TestColumn_MissingIndexIsZero(t *testing.T) {
	t.Parallel()

	a, err := NewSample(ChannelACC, time.Unix(1, 0), 1, 2, 3)
	require.NoError(t, err)
	b, err := NewSample(ChannelPPG, time.Unix(2, 0), 7)
	require.NoError(t, err)

	assert.Equal(t, []float64{3, 0}, Column([]Sample{a, b}, 2))
	assert.Equal(t, []float64{1, 7}, Column([]Sample{a, b}, 0))
}
