package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/position.report/internal/monitoring"
)

// maxDatagram comfortably exceeds the largest host protocol frame.
const maxDatagram = 2048

// FrameSink accepts raw host protocol frames. It must not retain frame after
// returning. engine.Engine satisfies it.
type FrameSink interface {
	IngestFrame(source string, frame []byte) error
}

// UDPListener receives DistanceReport frames from anchors over UDP and hands
// them to a FrameSink.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	sink        FrameSink
	stats       *PacketStats
	forwarder   *PacketForwarder

	mu    sync.Mutex
	conn  *net.UDPConn
	ready chan struct{}
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Sink        FrameSink
	Stats       *PacketStats
	// Forwarder, when set, mirrors every datagram to another host.
	Forwarder *PacketForwarder
}

func NewUDPListener(config UDPListenerConfig) *UDPListener {
	stats := config.Stats
	if stats == nil {
		stats = NewPacketStats()
	}
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		sink:        config.Sink,
		stats:       stats,
		forwarder:   config.Forwarder,
		ready:       make(chan struct{}),
	}
}

// Ready is closed once the socket is bound.
func (l *UDPListener) Ready() <-chan struct{} { return l.ready }

// LocalAddr returns the bound address, or nil before Ready.
func (l *UDPListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start binds the socket and processes datagrams until ctx is done.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	close(l.ready)
	monitoring.Logf("UDP report listener started on %s", conn.LocalAddr())

	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}
	go l.logStats(ctx)

	buffer := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The deadline bounds how long a cancelled ctx goes unnoticed.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Logf("UDP read error: %v", err)
			continue
		}
		if err := l.handlePacket(buffer[:n]); err != nil {
			monitoring.Debugf("frame from %v rejected: %v", from, err)
		}
	}
}

func (l *UDPListener) handlePacket(packet []byte) error {
	l.stats.AddPacket(len(packet))
	if l.forwarder != nil {
		l.forwarder.ForwardAsync(packet)
	}
	if err := l.sink.IngestFrame("udp", packet); err != nil {
		l.stats.AddRejected()
		return err
	}
	return nil
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}
