package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/position.report/internal/monitoring"
)

const pcapngMagic = 0x0A0D0D0A

// ReplayConfig configures capture replay.
type ReplayConfig struct {
	// Port keeps only UDP datagrams to this destination port; 0 keeps all.
	Port uint16
	// SpeedMultiplier paces replay against capture timestamps (1.0 is real
	// time, 2.0 twice as fast). Zero replays as fast as possible.
	SpeedMultiplier float64
	Stats           *PacketStats
}

// ReplayResult summarises a finished replay.
type ReplayResult struct {
	Packets  int // every packet in the capture
	Frames   int // UDP payloads handed to the sink
	Rejected int // payloads the sink refused
}

type packetDataSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// ReadPCAPFile replays the UDP payloads of a pcap or pcapng capture into
// sink, tagged with source "pcap".
func ReadPCAPFile(ctx context.Context, path string, sink FrameSink, cfg ReplayConfig) (ReplayResult, error) {
	var res ReplayResult

	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	src, err := openCapture(bufio.NewReader(f))
	if err != nil {
		return res, fmt.Errorf("failed to read PCAP file %s: %w", path, err)
	}
	stats := cfg.Stats
	if stats == nil {
		stats = NewPacketStats()
	}

	packets := gopacket.NewPacketSource(src, src.LinkType())
	packets.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	start := time.Now()
	var first time.Time
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		packet, err := packets.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Truncated captures end with a short record.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				monitoring.Logf("PCAP %s truncated after %d packets", path, res.Packets)
				break
			}
			return res, fmt.Errorf("packet %d: %w", res.Packets+1, err)
		}
		res.Packets++

		if cfg.SpeedMultiplier > 0 {
			captured := packet.Metadata().Timestamp
			if first.IsZero() {
				first = captured
			}
			due := start.Add(time.Duration(float64(captured.Sub(first)) / cfg.SpeedMultiplier))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return res, ctx.Err()
				case <-time.After(wait):
				}
			}
		}

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if cfg.Port != 0 && uint16(udp.DstPort) != cfg.Port {
			continue
		}

		res.Frames++
		stats.AddPacket(len(udp.Payload))
		if err := sink.IngestFrame("pcap", udp.Payload); err != nil {
			res.Rejected++
			stats.AddRejected()
		}
	}

	monitoring.Logf("PCAP replay complete: %d packets, %d frames, %d rejected in %v",
		res.Packets, res.Frames, res.Rejected, time.Since(start))
	return res, nil
}

func openCapture(r *bufio.Reader) (packetDataSource, error) {
	magic, err := r.Peek(4)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		return pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(r)
}
