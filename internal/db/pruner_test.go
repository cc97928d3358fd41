package db

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/biostate.report/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTicks(t *testing.T, db *DB, n int, every time.Duration) {
	t.Helper()
	rec := NewRecorder(db, "")
	for i := 0; i < n; i++ {
		require.NoError(t, rec.RecordTick(testSnapshot("s1", uint64(i+1), t0.Add(time.Duration(i)*every))))
	}
}

func countTicks(t *testing.T, db *DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM ticks`).Scan(&n))
	return n
}

func TestPruner_RunOnce(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	seedTicks(t, db, 10, time.Hour)

	clock := timeutil.NewMockClock(t0.Add(10 * time.Hour))
	p := NewPruner(db, 4*time.Hour, time.Hour, clock)
	n, err := p.RunOnce()
	require.NoError(t, err)
	// the cutoff is 6h; the ticks at 0h..5h go
	assert.Equal(t, int64(6), n)
	assert.Equal(t, 4, countTicks(t, db))

	s := p.Status()
	assert.True(t, s.Enabled)
	assert.Equal(t, "4h0m0s", s.MaxAge)
	assert.Equal(t, int64(1), s.RunCount)
	assert.Equal(t, int64(6), s.LastDeleted)
	assert.True(t, s.LastRunAt.Equal(t0.Add(10*time.Hour)))
}

func TestPruner_Run(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	seedTicks(t, db, 4, time.Hour)

	clock := timeutil.NewMockClock(t0.Add(2*time.Hour + time.Minute))
	p := NewPruner(db, time.Hour, 30*time.Minute, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// the first pass runs before the ticker is created
	require.True(t, clock.WaitForTicker(2*time.Second))
	assert.Equal(t, 2, countTicks(t, db))

	clock.Advance(time.Hour)
	waitStatus(t, p, func(s PrunerStatus) bool { return s.RunCount >= 2 })
	assert.Equal(t, 1, countTicks(t, db))

	assert.True(t, p.Trigger())
	waitStatus(t, p, func(s PrunerStatus) bool { return s.RunCount >= 3 })

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPruner_Disabled(t *testing.T) {
	t.Parallel()

	p := NewPruner(newTestDB(t), 0, 0, nil)
	assert.NoError(t, p.Run(context.Background()))
	assert.False(t, p.Status().Enabled)
	assert.Equal(t, time.Hour, p.Interval)
}

func TestPruner_TriggerCoalesces(t *testing.T) {
	t.Parallel()

	p := NewPruner(newTestDB(t), time.Hour, time.Hour, nil)
	assert.True(t, p.Trigger())
	assert.False(t, p.Trigger(), "a pending trigger absorbs the next")
}

func TestPruner_AdminRoute(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	seedTicks(t, db, 3, time.Hour)

	p := NewPruner(db, time.Hour, time.Hour, timeutil.NewMockClock(t0.Add(24*time.Hour)))
	_, err := p.RunOnce()
	require.NoError(t, err)

	mux := http.NewServeMux()
	p.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/debug/prune", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var s PrunerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, int64(3), s.LastDeleted)
	assert.False(t, p.Trigger(), "the POST queued a run")
}

func waitStatus(t *testing.T, p *Pruner, cond func(PrunerStatus) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond(p.Status()) {
		if time.Now().After(deadline) {
			t.Fatalf("pruner status not reached: %+v", p.Status())
		}
		time.Sleep(2 * time.Millisecond)
	}
}
