package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/timeutil"
)

// LineSource writes the bridge lines produced up to now into w.
type LineSource func(w io.Writer, now time.Time)

// pipePort feeds Monitor from a pipe and records the commands written.
type pipePort struct {
	*io.PipeReader
	out *io.PipeWriter

	mu       sync.Mutex
	commands bytes.Buffer
}

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commands.Write(b)
}

func (p *pipePort) Close() error {
	p.out.Close()
	return p.PipeReader.Close()
}

// Commands returns everything written to the port so far.
func (p *pipePort) Commands() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commands.String()
}

// NewMockBridge serves lines from source on every clock tick of interval,
// for running without hardware. The feed stops when the bridge is closed.
func NewMockBridge(clock timeutil.Clock, interval time.Duration, source LineSource) *Bridge[*pipePort] {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	r, w := io.Pipe()
	port := &pipePort{PipeReader: r, out: w}

	ticker := clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		var buf bytes.Buffer
		for now := range ticker.C() {
			buf.Reset()
			source(&buf, now)
			if buf.Len() == 0 {
				continue
			}
			if _, err := w.Write(buf.Bytes()); err != nil {
				return
			}
		}
	}()

	return NewBridge(port, clock)
}

// errPortClosed is returned by FakePort after Close.
var errPortClosed = errors.New("port closed")

// FakePort is an in-memory Port for tests. Reads block until Feed supplies
// data or the port is closed.
type FakePort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	in      bytes.Buffer
	written bytes.Buffer
	closed  bool

	// WriteErr, when set, fails every Write.
	WriteErr error
	// ShortWrite, when set, reports one byte less than was written.
	ShortWrite bool
}

func NewFakePort() *FakePort {
	p := &FakePort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Feed queues data for Read.
func (p *FakePort) Feed(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.WriteString(data)
	p.cond.Broadcast()
}

func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.in.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.in.Len() == 0 {
		return 0, errPortClosed
	}
	return p.in.Read(b)
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if p.WriteErr != nil {
		return 0, p.WriteErr
	}
	p.written.Write(b)
	if p.ShortWrite {
		return len(b) - 1, nil
	}
	return len(b), nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// Written returns everything written to the port.
func (p *FakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// Closed reports whether Close was called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
