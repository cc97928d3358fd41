// Command synth-sender streams synthetic headband data as OSC over UDP, for
// exercising a biostate process without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/biostate.report/internal/config"
	"github.com/banshee-data/biostate.report/internal/ingest"
	"github.com/banshee-data/biostate.report/internal/synth"
	"github.com/banshee-data/biostate.report/internal/timeutil"
)

var (
	addr       = flag.String("addr", "127.0.0.1:5001", "UDP address of the biostate OSC listener")
	configPath = flag.String("config", "", "Tuning config JSON for the sample rates (empty uses defaults)")
	schedule   = flag.String("schedule", "calm", "Scenarios to cycle through, e.g. \"calm:90s,stressed:30s\"")
	step       = flag.Duration("step", 20*time.Millisecond, "Emit interval")
	duration   = flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	seed       = flag.Uint64("seed", 0, "Generator seed (0 uses the current time)")
)

// phase is one scenario held for a duration; a zero duration holds it
// forever.
type phase struct {
	scenario synth.Scenario
	hold     time.Duration
}

// parseSchedule reads "name[:duration],..." into phases.
func parseSchedule(s string) ([]phase, error) {
	var out []phase
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, hold, hasHold := strings.Cut(part, ":")
		sc, ok := synth.Scenarios[name]
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
		p := phase{scenario: sc}
		if hasHold {
			d, err := time.ParseDuration(hold)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("bad duration for %s: %q", name, hold)
			}
			p.hold = d
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty schedule")
	}
	return out, nil
}

// cycle switches f through phases until ctx ends. A single phase, or one
// without a duration, is held.
func cycle(ctx context.Context, f *synth.Feeder, phases []phase, clock timeutil.Clock) {
	for i := 0; ; i = (i + 1) % len(phases) {
		p := phases[i]
		f.SetScenario(p.scenario)
		if p.hold == 0 || len(phases) == 1 {
			<-ctx.Done()
			return
		}
		t := clock.NewTimer(p.hold)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C():
		}
	}
}

func main() {
	flag.Parse()

	phases, err := parseSchedule(*schedule)
	if err != nil {
		log.Fatalf("invalid -schedule: %v", err)
	}
	cfg := config.DefaultTuningConfig()
	if *configPath != "" {
		if cfg, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}

	sender, conn, err := ingest.DialOSC(*addr)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	clock := timeutil.RealClock{}
	rates := synth.Rates{EEG: cfg.GetEEGSampleRateHz(), PPG: cfg.GetPPGSampleRateHz(), ACC: cfg.GetACCSampleRateHz()}
	feeder := synth.NewFeeder(sender, sender, clock, rates, *seed)
	go cycle(ctx, feeder, phases, clock)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sent, failed, lastErr := sender.Counts()
				if lastErr != nil {
					log.Printf("%s: sent %s datagrams, %d failed (last: %v)", feeder.Scenario().Name, ingest.FormatWithCommas(int64(sent)), failed, lastErr)
				} else {
					log.Printf("%s: sent %s datagrams", feeder.Scenario().Name, ingest.FormatWithCommas(int64(sent)))
				}
			}
		}
	}()

	log.Printf("sending synthetic OSC to %s (seed %d)", *addr, *seed)
	if err := feeder.Run(ctx, *step); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Fatalf("feeder stopped: %v", err)
	}
	sent, failed, _ := sender.Counts()
	log.Printf("done: %d datagrams sent, %d failed", sent, failed)
}
