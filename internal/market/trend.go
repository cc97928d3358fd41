// Package market polls a spot price and reduces its recent history to a
// coarse trend that is published next to the physiological state.
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/httputil"
	"github.com/banshee-data/biostate.report/internal/monitoring"
	"github.com/banshee-data/biostate.report/internal/timeutil"
)

// Trend is the direction of the price over the tracked window.
type Trend string

const (
	TrendUp   Trend = "Up"
	TrendDown Trend = "Down"
	TrendFlat Trend = "Flat"
)

// DefaultURL is CoinGecko's simple price endpoint for BTC in USD.
const DefaultURL = "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd"

// CalculateTrend compares the newest price with the oldest one kept.
// Fewer than two prices is Flat.
func CalculateTrend(prices []float64) Trend {
	if len(prices) < 2 {
		return TrendFlat
	}
	first, last := prices[0], prices[len(prices)-1]
	switch {
	case last > first:
		return TrendUp
	case last < first:
		return TrendDown
	}
	return TrendFlat
}

// Config controls a Tracker.
type Config struct {
	URL      string        // simple price endpoint (default: DefaultURL)
	Coin     string        // response key (default: "bitcoin")
	Currency string        // response key (default: "usd")
	Interval time.Duration // poll interval (default: 60s)
	Window   int           // prices kept, oldest compared with newest (default: 2)
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Coin == "" {
		c.Coin = "bitcoin"
	}
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Window < 2 {
		c.Window = 2
	}
	return c
}

// Quote is one fetched price.
type Quote struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

// Tracker keeps the recent price history. A failed fetch keeps the
// previous trend.
type Tracker struct {
	cfg    Config
	client httputil.HTTPClient
	clock  timeutil.Clock
	logf   func(string, ...interface{})

	mu      sync.RWMutex
	history []Quote
	trend   Trend
	lastErr error
}

// NewTracker creates a tracker. A nil client uses the standard HTTP client
// and a nil clock the wall clock.
func NewTracker(cfg Config, client httputil.HTTPClient, clock timeutil.Clock) *Tracker {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tracker{
		cfg:    cfg.withDefaults(),
		client: client,
		clock:  clock,
		logf:   monitoring.Component("market"),
		trend:  TrendFlat,
	}
}

// Update fetches one price and recomputes the trend.
func (t *Tracker) Update(ctx context.Context) error {
	var body map[string]map[string]float64
	err := httputil.GetJSON(ctx, t.client, t.cfg.URL, &body)
	if err == nil {
		price, ok := body[t.cfg.Coin][t.cfg.Currency]
		if !ok {
			err = fmt.Errorf("no %s/%s price in response", t.cfg.Coin, t.cfg.Currency)
		} else {
			t.add(Quote{Price: price, At: t.clock.Now()})
			return nil
		}
	}

	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	t.logf("failed to fetch price, keeping trend: %v", err)
	return err
}

func (t *Tracker) add(q Quote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, q)
	if n := len(t.history); n > t.cfg.Window {
		t.history = append([]Quote(nil), t.history[n-t.cfg.Window:]...)
	}
	prices := make([]float64, len(t.history))
	for i, h := range t.history {
		prices[i] = h.Price
	}
	t.trend = CalculateTrend(prices)
	t.lastErr = nil
}

// Run fetches immediately and then once per interval until ctx ends.
// Fetch errors are logged, never returned.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		_ = t.Update(ctx)
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// Trend returns the current trend as a string.
func (t *Tracker) Trend() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return string(t.trend)
}

// Latest returns the newest quote.
func (t *Tracker) Latest() (Quote, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.history) == 0 {
		return Quote{}, false
	}
	return t.history[len(t.history)-1], true
}

// Err returns the last fetch error, cleared by the next success.
func (t *Tracker) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}
