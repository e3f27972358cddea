package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/dronewatch/internal/monitoring"
	"github.com/banshee-data/dronewatch/internal/timeutil"
)

// PcapConfig configures replay of a packet capture. Only UDP payloads are
// ingested; Port filters on source or destination port when non-zero.
type PcapConfig struct {
	Path string
	Port uint16
	// Speed scales the gaps between capture timestamps: 1 replays in real
	// time, 0 replays as fast as the engine accepts.
	Speed float64
	Clock timeutil.Clock
}

// PcapSource replays UDP payloads from a pcap or pcapng file, for example a
// capture of a receiver's multicast CoT stream.
type PcapSource struct {
	counters
	cfg PcapConfig
	ing Ingestor
}

func NewPcapSource(cfg PcapConfig, ing Ingestor) *PcapSource {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &PcapSource{cfg: cfg, ing: ing}
}

func (s *PcapSource) Name() string { return "pcap" }

func (s *PcapSource) Run(ctx context.Context) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", s.cfg.Path, err)
	}
	defer f.Close()

	src, err := openCapture(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("failed to read PCAP file %s: %w", s.cfg.Path, err)
	}

	packets := gopacket.NewPacketSource(src, src.LinkType())
	packets.NoCopy = true
	start := s.cfg.Clock.Now()
	count := 0
	var prev time.Time
	for {
		packet, err := packets.NextPacket()
		if err == io.EOF {
			monitoring.Logf("[ingest/pcap] %s complete: %d UDP payloads in %v", s.cfg.Path, count, s.cfg.Clock.Since(start))
			return nil
		}
		if err != nil {
			// A truncated trailing record ends the replay early.
			monitoring.Logf("[ingest/pcap] %s stopped after %d payloads: %v", s.cfg.Path, count, err)
			return nil
		}

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if s.cfg.Port != 0 && uint16(udp.DstPort) != s.cfg.Port && uint16(udp.SrcPort) != s.cfg.Port {
			continue
		}

		ts := packet.Metadata().Timestamp
		if err := s.pace(ctx, prev, ts); err != nil {
			return err
		}
		prev = ts

		payload := append([]byte(nil), udp.Payload...)
		if err := s.deliver(ctx, s.ing, s.Name(), payload); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		count++
	}
}

// pace waits out the capture gap between two packets, scaled by Speed.
func (s *PcapSource) pace(ctx context.Context, prev, ts time.Time) error {
	if s.cfg.Speed <= 0 || prev.IsZero() || !ts.After(prev) {
		return ctx.Err()
	}
	gap := time.Duration(float64(ts.Sub(prev)) / s.cfg.Speed)
	timer := s.cfg.Clock.NewTimer(gap)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

type captureSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// openCapture accepts classic pcap and pcapng, told apart by magic number.
func openCapture(r *bufio.Reader) (captureSource, error) {
	magic, err := r.Peek(4)
	if err != nil {
		return nil, err
	}
	// pcapng files open with a section header block, type 0x0A0D0D0A.
	if magic[0] == 0x0A && magic[1] == 0x0D && magic[2] == 0x0D && magic[3] == 0x0A {
		return pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(r)
}
