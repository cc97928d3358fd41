package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/biostate.report/internal/monitoring"
	"github.com/banshee-data/biostate.report/internal/timeutil"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReplayOptions configures ReplayPCAP.
type ReplayOptions struct {
	Port    int     // UDP destination port to replay; 0 replays every UDP packet
	Speed   float64 // 1 replays in capture time, 2 twice as fast; 0 as fast as possible
	Handler PacketHandler
	Clock   timeutil.Clock
}

// ReplayResult summarises a replay.
type ReplayResult struct {
	Packets  int // UDP payloads handed to the handler
	Skipped  int // non-UDP or other-port packets
	Errors   int // payloads the handler rejected
	Duration time.Duration
}

// ReplayPCAP reads a capture of OSC traffic and hands each matching UDP
// payload to the handler, stamped with its capture time. It uses the pure
// Go pcapgo reader, so no libpcap is needed.
func ReplayPCAP(ctx context.Context, path string, opts ReplayOptions) (ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("failed to read PCAP header: %w", err)
	}
	return replay(ctx, r, r.LinkType(), opts)
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

func replay(ctx context.Context, r packetReader, link layers.LinkType, opts ReplayOptions) (ReplayResult, error) {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	logf := monitoring.Component("pcap")

	var res ReplayResult
	var first time.Time
	wallStart := clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			logf("replay stopping (processed %d packets)", res.Packets)
			return res, err
		}

		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			res.Duration = clock.Since(wallStart)
			logf("replay complete: %d packets in %v", res.Packets, res.Duration)
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("failed to read packet %d: %w", res.Packets+res.Skipped+1, err)
		}

		pkt := gopacket.NewPacket(data, link, gopacket.Default)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 || (opts.Port != 0 && int(udp.DstPort) != opts.Port) {
			res.Skipped++
			continue
		}

		if first.IsZero() {
			first = ci.Timestamp
		}
		if opts.Speed > 0 {
			due := wallStart.Add(time.Duration(float64(ci.Timestamp.Sub(first)) / opts.Speed))
			if wait := due.Sub(clock.Now()); wait > 0 {
				timer := clock.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return res, ctx.Err()
				case <-timer.C():
				}
			}
		}

		res.Packets++
		if opts.Handler == nil {
			continue
		}
		if err := opts.Handler.HandlePacket(udp.Payload, ci.Timestamp); err != nil {
			res.Errors++
			if res.Errors == 1 || res.Errors%1000 == 0 {
				logf("error handling packet %d: %v", res.Packets, err)
			}
		}
		if res.Packets%10000 == 0 {
			logf("replay progress: %d packets", res.Packets)
		}
	}
}
