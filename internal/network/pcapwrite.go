package network

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65536

// PCAPWriter records frames as UDP datagrams in a classic pcap stream, in
// the form ReadPCAPFile replays.
type PCAPWriter struct {
	mu   sync.Mutex
	w    *pcapgo.Writer
	eth  layers.Ethernet
	ip   layers.IPv4
	port uint16
	buf  gopacket.SerializeBuffer
}

// NewPCAPWriter writes the file header to out. Datagrams are addressed from
// src to dst on the given destination port.
func NewPCAPWriter(out io.Writer, src, dst net.IP, port uint16) (*PCAPWriter, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &PCAPWriter{
		w: w,
		eth: layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src.To4(),
			DstIP:    dst.To4(),
		},
		port: port,
		buf:  gopacket.NewSerializeBuffer(),
	}, nil
}

// WriteFrame appends one datagram carrying frame, captured at ts.
func (p *PCAPWriter) WriteFrame(ts time.Time, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	eth, ip := p.eth, p.ip
	udp := layers.UDP{SrcPort: layers.UDPPort(p.port), DstPort: layers.UDPPort(p.port)}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return err
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(p.buf, opts, &eth, &ip, &udp, gopacket.Payload(frame)); err != nil {
		return fmt.Errorf("failed to serialise datagram: %w", err)
	}
	data := p.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	return p.w.WritePacket(ci, data)
}
