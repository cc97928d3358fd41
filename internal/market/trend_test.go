package market

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/banshee-data/biostate.report/internal/httputil"
	"github.com/banshee-data/biostate.report/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func TestCalculateTrend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prices []float64
		want   Trend
	}{
		{nil, TrendFlat},
		{[]float64{100}, TrendFlat},
		{[]float64{100, 101}, TrendUp},
		{[]float64{100, 99.5}, TrendDown},
		{[]float64{100, 120, 100}, TrendFlat},
		{[]float64{100, 80, 101}, TrendUp},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CalculateTrend(tt.prices), "%v", tt.prices)
	}
}

func TestTracker_Update(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"bitcoin":{"usd":67000.5}}`).
		AddResponse(http.StatusOK, `{"bitcoin":{"usd":66900}}`).
		AddResponse(http.StatusTooManyRequests, `{"error":"rate limited"}`).
		AddResponse(http.StatusOK, `{"ethereum":{"usd":3000}}`).
		AddResponse(http.StatusOK, `{"bitcoin":{"usd":67100}}`)
	clock := timeutil.NewMockClock(t0)
	tr := NewTracker(Config{}, mock, clock)
	ctx := context.Background()

	assert.Equal(t, "Flat", tr.Trend())
	_, ok := tr.Latest()
	assert.False(t, ok)

	require.NoError(t, tr.Update(ctx))
	assert.Equal(t, "Flat", tr.Trend(), "one price has no direction")

	clock.Advance(time.Minute)
	require.NoError(t, tr.Update(ctx))
	assert.Equal(t, "Down", tr.Trend())
	q, ok := tr.Latest()
	require.True(t, ok)
	assert.Equal(t, Quote{Price: 66900, At: t0.Add(time.Minute)}, q)

	err := tr.Update(ctx)
	var se *httputil.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, "Down", tr.Trend(), "a failed fetch keeps the trend")
	assert.Error(t, tr.Err())

	assert.ErrorContains(t, tr.Update(ctx), "no bitcoin/usd price")

	require.NoError(t, tr.Update(ctx))
	assert.NoError(t, tr.Err())
	assert.Equal(t, "Up", tr.Trend(), "window of two compares 66900 with 67100")

	require.Equal(t, 5, mock.RequestCount())
	assert.Equal(t, "api.coingecko.com", mock.Requests[0].URL.Host)
	assert.Equal(t, "bitcoin", mock.Requests[0].URL.Query().Get("ids"))
}

func TestTracker_Run(t *testing.T) {
	t.Parallel()

	mock := httputil.NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"bitcoin":{"usd":10}}`).
		AddErrorResponse(errors.New("connection reset")).
		AddResponse(http.StatusOK, `{"bitcoin":{"usd":12}}`)
	clock := timeutil.NewMockClock(t0)
	tr := NewTracker(Config{Interval: 30 * time.Second, Window: 3}, mock, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	require.True(t, clock.WaitForTicker(time.Second))
	for i := 0; i < 2; i++ {
		want := i + 2
		clock.Advance(30 * time.Second)
		require.Eventually(t, func() bool { return mock.RequestCount() == want }, time.Second, time.Millisecond)
	}
	assert.Eventually(t, func() bool { return tr.Trend() == "Up" }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("tracker did not stop")
	}
}
