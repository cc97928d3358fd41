package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/biostate.report/internal/api"
	"github.com/banshee-data/biostate.report/internal/buffer"
	"github.com/banshee-data/biostate.report/internal/config"
	"github.com/banshee-data/biostate.report/internal/db"
	"github.com/banshee-data/biostate.report/internal/engine"
	"github.com/banshee-data/biostate.report/internal/ingest"
	"github.com/banshee-data/biostate.report/internal/market"
	"github.com/banshee-data/biostate.report/internal/rpc"
	"github.com/banshee-data/biostate.report/internal/serialmux"
	"github.com/banshee-data/biostate.report/internal/synth"
	"github.com/banshee-data/biostate.report/internal/timeutil"
	"github.com/banshee-data/biostate.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Tuning config JSON (empty uses built-in defaults)")
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen  = flag.String("grpc-listen", "", "gRPC listen address (empty disables gRPC)")
	oscListen   = flag.String("osc-listen", ":5001", "OSC UDP listen address (empty disables OSC)")
	oscRcvBuf   = flag.Int("osc-rcvbuf", 4<<20, "OSC socket receive buffer in bytes")
	serialPort  = flag.String("serial-port", "", "Serial sensor bridge device, or \"mock\" for synthetic lines (empty disables)")
	baud        = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	dbPath      = flag.String("db-path", "biostate.db", "sqlite database path (empty disables history)")
	retention   = flag.Duration("retention", 7*24*time.Hour, "Delete stored ticks older than this (0 keeps everything)")
	devMode     = flag.Bool("dev", false, "Run in dev mode: feed synthetic sensor data straight into the buffers")
	scenario    = flag.String("scenario", "calm", "Synthetic scenario for -dev and -serial-port=mock")
	pcapFile    = flag.String("pcap", "", "Replay an OSC capture instead of listening on -osc-listen")
	pcapSpeed   = flag.Float64("pcap-speed", 1, "PCAP replay speed multiple (0 replays as fast as possible)")
	marketURL   = flag.String("market-url", "", "Price endpoint for the market trend, e.g. \"coingecko\" for BTC/USD (empty disables)")
	marketEvery = flag.Duration("market-interval", time.Minute, "Market price poll interval")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		path := fs.String("db-path", "biostate.db", "sqlite database path")
		fs.Parse(os.Args[2:])
		if err := db.RunMigrateCommand(fs.Args(), *path, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	flag.Parse()
	if *showVersion {
		fmt.Println(versionString())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if err := run(); err != nil {
		log.Printf("exiting: %v", err)
		os.Exit(1)
	}
}

// run wires and serves everything until a signal arrives. It returns the
// engine's error when the engine stops on its own, after the other
// subsystems have shut down and the session has been closed.
func run() error {
	log.Printf("starting %s", versionString())

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	engineCfg, err := engine.ConfigFromTuning(cfg)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	sc, ok := synth.Scenarios[*scenario]
	if !ok {
		log.Fatalf("unknown scenario %q", *scenario)
	}

	clock := timeutil.RealClock{}
	store, err := buffer.NewStore(clock, buffer.SpecsFromTuning(cfg)...)
	if err != nil {
		log.Fatalf("failed to create buffers: %v", err)
	}
	expression := ingest.NewExpressionHolder(cfg.GetExpressionStaleAfter())
	rates := synth.Rates{EEG: cfg.GetEEGSampleRateHz(), PPG: cfg.GetPPGSampleRateHz(), ACC: cfg.GetACCSampleRateHz()}

	sessionID := db.NewSessionID()
	source := sourceName(*devMode, *pcapFile, *serialPort, *oscListen)
	opts := []engine.Option{engine.WithSessionID(sessionID)}

	var history *db.DB
	if *dbPath != "" {
		history, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer history.Close()
		if err := history.StartSession(&db.Session{ID: sessionID, Source: source}); err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
		defer func() {
			if err := history.EndSession(sessionID, time.Now()); err != nil {
				log.Printf("failed to end session: %v", err)
			}
		}()
		opts = append(opts, engine.WithRecorder(db.NewRecorder(history, source)))
	}
	log.Printf("session %s (source %s)", sessionID, source)

	var tracker *market.Tracker
	if *marketURL != "" {
		tracker = market.NewTracker(market.Config{URL: marketEndpoint(*marketURL), Interval: *marketEvery}, nil, clock)
		opts = append(opts, engine.WithMarket(tracker))
	}

	eng := engine.New(engineCfg, store, expression, clock, opts...)

	var (
		wg        sync.WaitGroup
		engineErr error
	)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// serial sensor bridge
	var bridge serialmux.Mux = serialmux.NewDisabled()
	if *serialPort != "" {
		portOpts := serialmux.PortOptions{BaudRate: *baud}
		if bridge, err = openSerial(*serialPort, portOpts, sc, rates); err != nil {
			return fmt.Errorf("failed to open serial port: %w", err)
		}
		if err := bridge.Initialize(); err != nil {
			bridge.Close()
			return fmt.Errorf("failed to initialize device: %w", err)
		}
		log.Printf("initialized serial bridge %s (%s)", *serialPort, portOpts)

		// run the monitor routine to manage IO on the serial port
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor serial port: %v", err)
			}
			log.Print("monitor routine terminated")
		}()

		// parse the bridge's lines into the buffers
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, c := bridge.Subscribe(serialmux.EventTypeEEG, serialmux.EventTypePPG, serialmux.EventTypeACC, serialmux.EventTypeExpression)
			defer bridge.Unsubscribe(id)
			parser := ingest.NewLineParser(store, expression)
			if err := parser.Consume(ctx, c, time.Now); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("serial parser stopped: %v", err)
			}
			lines, failed := parser.Counts()
			log.Printf("subscribe routine terminated (%d lines, %d failed)", lines, failed)
		}()
	}
	defer bridge.Close()

	// OSC over UDP, live or replayed
	stats := ingest.NewPacketStats("osc", clock)
	router := ingest.NewRouter(store, expression, stats)
	switch {
	case *pcapFile != "":
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ingest.ReplayPCAP(ctx, *pcapFile, ingest.ReplayOptions{
				Port:    udpPort(*oscListen),
				Speed:   *pcapSpeed,
				Handler: router,
				Clock:   clock,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("PCAP replay failed: %v", err)
				return
			}
			log.Printf("PCAP replay finished: %d packets, %d skipped, %d rejected in %v",
				res.Packets, res.Skipped, res.Errors, res.Duration)
		}()
	case *oscListen != "":
		listener := ingest.NewUDPListener(ingest.UDPListenerConfig{
			Address:     *oscListen,
			RcvBuf:      *oscRcvBuf,
			LogInterval: time.Minute,
			Handler:     router,
			Stats:       stats,
			Clock:       clock,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("OSC listener stopped: %v", err)
			}
		}()
	}

	if *devMode {
		feeder := synth.NewFeeder(store, expression, clock, rates, uint64(time.Now().UnixNano()))
		feeder.SetScenario(sc)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := feeder.Run(ctx, 50*time.Millisecond); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("synthetic feeder stopped: %v", err)
			}
		}()
	}

	var pruner *db.Pruner
	if history != nil {
		pruner = db.NewPruner(history, *retention, time.Hour, clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pruner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("pruner stopped: %v", err)
			}
		}()
	}

	if tracker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tracker.Run(ctx); err != nil {
				log.Printf("market tracker stopped: %v", err)
			}
		}()
	}

	// the engine: calibration, then one tick per interval
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engineResult(eng.Run(ctx)); err != nil {
			log.Printf("engine stopped: %v", err)
			// a failed startup calibration halts the process
			engineErr = err
			stop()
		}
	}()

	if *grpcListen != "" {
		gs := rpc.NewServer(eng)
		if err := gs.Start(*grpcListen); err != nil {
			log.Fatalf("failed to start gRPC server: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			gs.Stop()
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		var hist api.History
		if history != nil {
			hist = history
		}
		mux := api.NewServer(eng, hist, bridge).ServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		if history != nil {
			if err := history.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach db admin routes: %v", err)
			}
			pruner.AttachAdminRoutes(mux)
		}
		bridge.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
	return engineErr
}

// engineResult drops the cancellation a signal causes; anything else is a
// failure the operator must see.
func engineResult(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// marketEndpoint expands the "coingecko" shorthand.
func marketEndpoint(flagValue string) string {
	if flagValue == "coingecko" {
		return market.DefaultURL
	}
	return flagValue
}

func versionString() string {
	return version.String("biostate")
}

// loadConfig reads the tuning file, or returns the built-in defaults.
func loadConfig(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// sourceName labels the session with where its samples come from.
func sourceName(dev bool, pcap, serialPort, oscAddr string) string {
	switch {
	case dev:
		return "synthetic"
	case pcap != "":
		return "pcap:" + pcap
	case serialPort != "":
		return "serial:" + serialPort
	case oscAddr != "":
		return "osc:" + oscAddr
	}
	return "none"
}

// openSerial opens the sensor bridge. "mock" serves synthetic lines in
// the bridge's protocol from a feeder running the given scenario.
func openSerial(port string, opts serialmux.PortOptions, sc synth.Scenario, rates synth.Rates) (serialmux.Mux, error) {
	if port == "mock" {
		return serialmux.NewMockBridge(nil, 100*time.Millisecond, mockLineSource(sc, rates, uint64(time.Now().UnixNano()))), nil
	}
	b, err := serialmux.OpenBridge(nil, port, opts)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// mockLineSource renders a synthetic feeder's samples as protocol lines.
func mockLineSource(sc synth.Scenario, rates synth.Rates, seed uint64) serialmux.LineSource {
	lw := &ingest.LineWriter{}
	feeder := synth.NewFeeder(lw, lw, nil, rates, seed)
	feeder.SetScenario(sc)
	return func(w io.Writer, now time.Time) {
		lw.W = w
		feeder.EmitUntil(now)
	}
}

// udpPort extracts the port of a listen address; 0 when there is none.
func udpPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
