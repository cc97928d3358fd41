package db

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/monitoring"
	"github.com/banshee-data/biostate.report/internal/timeutil"
	"tailscale.com/tsweb"
)

// Pruner deletes ticks older than MaxAge, once at start, then every
// Interval and whenever Trigger is called.
type Pruner struct {
	db       *DB
	MaxAge   time.Duration
	Interval time.Duration
	clock    timeutil.Clock
	logf     func(string, ...interface{})

	// Buffered channel of size 1 to coalesce rapid trigger requests.
	trigger chan struct{}

	mu          sync.RWMutex
	lastRunAt   time.Time
	lastDeleted int64
	lastErr     error
	runCount    int64
}

// PrunerStatus is the JSON view of a pruner.
type PrunerStatus struct {
	Enabled      bool      `json:"enabled"`
	MaxAge       string    `json:"max_age"`
	LastRunAt    time.Time `json:"last_run_at"`
	LastDeleted  int64     `json:"last_deleted"`
	LastRunError string    `json:"last_run_error,omitempty"`
	RunCount     int64     `json:"run_count"`
}

// NewPruner creates a pruner. A maxAge <= 0 disables it.
func NewPruner(db *DB, maxAge, interval time.Duration, clock timeutil.Clock) *Pruner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		db:       db,
		MaxAge:   maxAge,
		Interval: interval,
		clock:    clock,
		logf:     monitoring.Component("prune"),
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger asks a running pruner for an immediate pass. It never blocks.
func (p *Pruner) Trigger() bool {
	select {
	case p.trigger <- struct{}{}:
		return true
	default:
		p.logf("manual run skipped (already pending)")
		return false
	}
}

// RunOnce deletes the ticks that are past retention now.
func (p *Pruner) RunOnce() (int64, error) {
	now := p.clock.Now()
	n, err := p.db.PruneTicks(now.Add(-p.MaxAge))

	p.mu.Lock()
	p.lastRunAt = now
	p.lastDeleted = n
	p.lastErr = err
	p.runCount++
	p.mu.Unlock()

	if err != nil {
		p.logf("failed: %v", err)
	} else if n > 0 {
		p.logf("deleted %d ticks older than %s", n, p.MaxAge)
	}
	return n, err
}

// Run prunes until ctx is cancelled. A disabled pruner returns at once.
func (p *Pruner) Run(ctx context.Context) error {
	if p.MaxAge <= 0 {
		p.logf("disabled")
		return nil
	}
	p.RunOnce()

	ticker := p.clock.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			p.RunOnce()
		case <-p.trigger:
			p.RunOnce()
		}
	}
}

// Status reports the last pass.
func (p *Pruner) Status() PrunerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := PrunerStatus{
		Enabled:     p.MaxAge > 0,
		MaxAge:      p.MaxAge.String(),
		LastRunAt:   p.lastRunAt,
		LastDeleted: p.lastDeleted,
		RunCount:    p.runCount,
	}
	if p.lastErr != nil {
		s.LastRunError = p.lastErr.Error()
	}
	return s
}

// AttachAdminRoutes adds a debug page showing the pruner status; a POST
// triggers a pass.
func (p *Pruner) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("prune", "Tick retention status (POST to prune now)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			p.Trigger()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p.Status())
	}))
}
