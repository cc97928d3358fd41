// Command report renders a recorded session as PNG plots, reading either
// the SQLite history directly or a running server's /api routes.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/banshee-data/biostate.report/internal/config"
	"github.com/banshee-data/biostate.report/internal/db"
	"github.com/banshee-data/biostate.report/internal/features"
	"github.com/banshee-data/biostate.report/internal/report"
)

var (
	dbPath     = flag.String("db-path", "biostate.db", "Path to the SQLite history")
	apiURL     = flag.String("api", "", "Read from a running server instead, e.g. http://localhost:8080")
	sessionID  = flag.String("session", "", "Session to plot (empty picks the most recent)")
	startFlag  = flag.String("start", "", "Range start, RFC3339 or unix seconds")
	endFlag    = flag.String("end", "", "Range end, RFC3339 or unix seconds")
	limit      = flag.Int("limit", 20000, "Maximum ticks to read")
	outDir     = flag.String("out", "reports", "Output directory for the PNGs")
	configPath = flag.String("config", "", "Tuning config JSON; its threshold_k sets the band widths")
)

// sessionLister finds the newest session when -session is empty.
type sessionLister interface {
	ListSessions(limit int) ([]db.Session, error)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or unix seconds, got %q", s)
	}
	return t, nil
}

func latestSession(l sessionLister) (string, error) {
	sessions, err := l.ListSessions(1)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", errors.New("no sessions recorded")
	}
	return sessions[0].ID, nil
}

// thresholdK reads band widths from the tuning config.
func thresholdK(cfg *config.TuningConfig) func(features.Metric) float64 {
	return func(m features.Metric) float64 { return cfg.GetThresholdK(m.String()) }
}

func printSummary(w io.Writer, res *report.Result) {
	fmt.Fprintf(w, "session %s: %d ticks, %d transitions, %s to %s\n",
		res.SessionID, res.Ticks, res.Transitions,
		res.Start.Format(time.RFC3339), res.End.Format(time.RFC3339))
	for _, st := range report.SortedStates(res.TimeInState) {
		fmt.Fprintf(w, "  %-10s %s\n", st, res.TimeInState[st].Round(time.Second))
	}
	for _, f := range res.Files {
		fmt.Fprintf(w, "wrote %s\n", f)
	}
}

func run() error {
	start, err := parseTime(*startFlag)
	if err != nil {
		return fmt.Errorf("invalid -start: %w", err)
	}
	end, err := parseTime(*endFlag)
	if err != nil {
		return fmt.Errorf("invalid -end: %w", err)
	}
	cfg := config.DefaultTuningConfig()
	if *configPath != "" {
		if cfg, err = config.LoadTuningConfig(*configPath); err != nil {
			return err
		}
	}

	var (
		src    report.Source
		lister sessionLister
	)
	if *apiURL != "" {
		remote := report.NewRemoteSource(*apiURL)
		src, lister = remote, remote
	} else {
		if _, err := os.Stat(*dbPath); err != nil {
			return fmt.Errorf("cannot open history: %w", err)
		}
		store, err := db.NewDB(*dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
		src, lister = store, store
	}

	id := *sessionID
	if id == "" {
		if id, err = latestSession(lister); err != nil {
			return err
		}
	}

	res, err := report.Generate(src, id, db.TimeRange{Start: start, End: end, Limit: *limit}, report.Options{
		OutputDir: *outDir,
		K:         thresholdK(cfg),
	})
	if err != nil {
		return err
	}
	printSummary(os.Stdout, res)
	return nil
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
