// Package serialmux shares one serial link to the sensor bridge between
// several line consumers (the ingest line parser, the admin tail) and
// serialises the commands written back to it.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/banshee-data/biostate.report/internal/monitoring"
	"github.com/banshee-data/biostate.report/internal/timeutil"
)

// ErrWriteFailed is returned when a command was only partly written.
var ErrWriteFailed = errors.New("failed to write to serial port")

// DefaultStreams are the sensor streams Initialize starts.
var DefaultStreams = []string{EventTypeEEG, EventTypePPG, EventTypeACC}

// Mux is the sensor bridge as seen by the server and the ingest wiring.
type Mux interface {
	// Subscribe returns a channel of bridge lines. With kinds given, only
	// lines of those ClassifyPayload kinds are delivered. The id is passed
	// to Unsubscribe.
	Subscribe(kinds ...string) (string, <-chan string)
	Unsubscribe(id string)
	// SendCommand writes one newline terminated command to the bridge.
	SendCommand(command string) error
	// Initialize syncs the bridge clock and starts the sensor streams.
	Initialize() error
	// Monitor reads lines until ctx ends, the port closes or a read fails.
	Monitor(ctx context.Context) error
	// Close closes every subscription and the port.
	Close() error
	// AttachAdminRoutes mounts the bridge console under /debug/.
	AttachAdminRoutes(mux *http.ServeMux)
}

// Bridge multiplexes the line stream of one port.
type Bridge[T Port] struct {
	port  T
	clock timeutil.Clock
	subs  *fanout
	stats *LineStats
	logf  func(string, ...interface{})

	writeMu sync.Mutex
}

// NewBridge wraps port. A nil clock uses the wall clock.
func NewBridge[T Port](port T, clock timeutil.Clock) *Bridge[T] {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Bridge[T]{
		port:  port,
		clock: clock,
		subs:  newFanout(),
		stats: NewLineStats(),
		logf:  monitoring.Component("serial"),
	}
}

func (b *Bridge[T]) Subscribe(kinds ...string) (string, <-chan string) {
	return b.subs.subscribe(kinds)
}

func (b *Bridge[T]) Unsubscribe(id string) { b.subs.unsubscribe(id) }

// Stats returns the line counters gathered by Monitor.
func (b *Bridge[T]) Stats() *LineStats { return b.stats }

// Initialize starts DefaultStreams.
func (b *Bridge[T]) Initialize() error { return b.Start(DefaultStreams...) }

// Start sets the bridge clock to our UNIX time so line timestamps line up
// with arrival times, switches it to CSV output and starts streams.
func (b *Bridge[T]) Start(streams ...string) error {
	if err := b.SendCommand(fmt.Sprintf("T=%d", b.clock.Now().Unix())); err != nil {
		return fmt.Errorf("failed to synchronize clock: %w", err)
	}
	commands := []string{"STOP", "FORMAT CSV"}
	for _, s := range streams {
		commands = append(commands, "START "+s)
	}
	for _, c := range commands {
		if err := b.SendCommand(c); err != nil {
			return fmt.Errorf("failed to send %q: %w", c, err)
		}
	}
	b.logf("started streams %s", strings.Join(streams, ","))
	return nil
}

func (b *Bridge[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	n, err := b.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrWriteFailed, n, len(command))
	}
	return nil
}

// Monitor scans the port on its own goroutine so that cancellation does not
// wait for a blocking read. A read error after Close is not reported.
func (b *Bridge[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(b.port)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				var err error
				select {
				case err = <-scanErr:
				default:
					err = ctx.Err()
				}
				if b.subs.isClosed() {
					return nil
				}
				return err
			}
			b.dispatch(line)
		}
	}
}

func (b *Bridge[T]) dispatch(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	kind := ClassifyPayload(line)
	missed := b.subs.publish(kind, line)
	b.stats.Record(kind, b.clock.Now(), missed)
}

func (b *Bridge[T]) Close() error {
	if !b.subs.close() {
		return nil
	}
	return b.port.Close()
}
