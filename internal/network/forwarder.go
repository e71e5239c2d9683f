package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/position.report/internal/monitoring"
)

// forwardQueue is the number of frames buffered for the writer goroutine.
const forwardQueue = 1000

// PacketForwarder sends frames to a UDP destination without blocking the
// caller. It mirrors received reports to a second host and is how the
// simulator delivers reports to the host.
type PacketForwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	stats       *PacketStats
	logInterval time.Duration
	address     string

	startOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewPacketForwarder dials address. stats may be nil.
func NewPacketForwarder(address string, stats *PacketStats, logInterval time.Duration) (*PacketForwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	if stats == nil {
		stats = NewPacketStats()
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, forwardQueue),
		stats:       stats,
		logInterval: logInterval,
		address:     address,
		done:        make(chan struct{}),
	}, nil
}

// Start runs the writer goroutine until ctx is done or Close is called.
// Later calls are no-ops.
func (f *PacketForwarder) Start(ctx context.Context) {
	f.startOnce.Do(func() {
		go f.run(ctx)
		monitoring.Logf("Forwarding frames to %s", f.address)
	})
}

func (f *PacketForwarder) run(ctx context.Context) {
	failed := 0
	var lastError error
	ticker := time.NewTicker(f.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case packet := <-f.channel:
			if _, err := f.conn.Write(packet); err != nil {
				failed++
				lastError = err
			}
		case <-ticker.C:
			if failed > 0 {
				monitoring.Logf("\033[93mFailed to forward %d frames (latest: %v)\033[0m", failed, lastError)
				failed = 0
				lastError = nil
			}
		}
	}
}

// ForwardAsync queues a copy of packet. When the queue is full the frame is
// dropped and counted.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	packetCopy := append([]byte(nil), packet...)
	select {
	case f.channel <- packetCopy:
	default:
		f.stats.AddDropped()
	}
}

// Close stops the writer and closes the connection. Queued frames that have
// not been written are discarded.
func (f *PacketForwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.conn.Close()
	})
	return err
}
