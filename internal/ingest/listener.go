package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/biostate.report/internal/monitoring"
	"github.com/banshee-data/biostate.report/internal/timeutil"
)

// UDPSocket is the subset of *net.UDPConn the listener uses, so tests can
// run without real network connections.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// ListenFunc opens a UDP socket.
type ListenFunc func(network string, laddr *net.UDPAddr) (UDPSocket, error)

func listenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string // default ":5001"
	RcvBuf      int    // socket receive buffer in bytes; 0 keeps the OS default
	LogInterval time.Duration
	Handler     PacketHandler
	Stats       *PacketStats
	Clock       timeutil.Clock
	Listen      ListenFunc // defaults to net.ListenUDP
}

// UDPListener receives OSC datagrams and hands them to a PacketHandler.
type UDPListener struct {
	cfg  UDPListenerConfig
	logf func(string, ...interface{})

	mu    sync.Mutex
	sock  UDPSocket
	ready chan struct{}
}

// NewUDPListener creates a listener; Start opens the socket.
func NewUDPListener(cfg UDPListenerConfig) *UDPListener {
	if cfg.Address == "" {
		cfg.Address = ":5001"
	}
	if cfg.LogInterval == 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Listen == nil {
		cfg.Listen = listenUDP
	}
	return &UDPListener{cfg: cfg, logf: monitoring.Component("ingest"), ready: make(chan struct{})}
}

// Start listens until ctx is cancelled, returning ctx.Err() on a clean
// stop.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	sock, err := l.cfg.Listen("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer sock.Close()

	if l.cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			l.logf("Warning: failed to set UDP receive buffer size to %d: %v", l.cfg.RcvBuf, err)
		}
	}
	l.mu.Lock()
	l.sock = sock
	close(l.ready)
	l.mu.Unlock()
	l.logf("OSC listener started on %s", sock.LocalAddr())

	if l.cfg.Stats != nil {
		go l.logStats(ctx)
	}

	// OSC datagrams from a headband are small; 64 KiB covers any UDP payload.
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			l.logf("OSC listener stopping")
			return ctx.Err()
		default:
		}

		// Set read deadline to allow checking context cancellation
		_ = sock.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			l.logf("UDP read error: %v", err)
			continue
		}

		if l.cfg.Handler == nil {
			continue
		}
		if err := l.cfg.Handler.HandlePacket(buf[:n], l.cfg.Clock.Now()); err != nil {
			l.logf("error handling packet from %v: %v", from, err)
		}
	}
}

// Addr returns the bound address once Start has opened the socket.
func (l *UDPListener) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-l.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sock.LocalAddr(), nil
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := l.cfg.Clock.NewTicker(l.cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			l.cfg.Stats.LogStats()
		}
	}
}
