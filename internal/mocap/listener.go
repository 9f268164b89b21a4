package mocap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/swarmflight/internal/monitoring"
)

// maxDatagram comfortably holds a frame of a few dozen markers.
const maxDatagram = 8192

// Tap observes every raw datagram accepted by a listener, for example to
// record a capture.
type Tap func(at time.Time, src *net.UDPAddr, payload []byte)

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	Address string
	RcvBuf  int
	// LogInterval defaults to one minute.
	LogInterval time.Duration
	Store       *Store
	Tap         Tap
}

// UDPListener receives tracker frames and applies them to a Store.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	store       *Store
	tap         Tap

	mu   sync.Mutex
	conn *net.UDPConn

	packets atomic.Uint64
	dropped atomic.Uint64
}

// NewUDPListener creates a listener; call Start to run it.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		store:       config.Store,
		tap:         config.Tap,
	}
}

// Bind opens the socket. Start calls it when it has not been called yet.
func (l *UDPListener) Bind() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("Warning: failed to set mocap receive buffer to %d: %v", l.rcvBuf, err)
		}
	}
	l.conn = conn
	return nil
}

// LocalAddr is the bound address, or nil before Bind.
func (l *UDPListener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start receives frames until ctx is done.
func (l *UDPListener) Start(ctx context.Context) error {
	if err := l.Bind(); err != nil {
		return err
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	defer conn.Close()

	monitoring.Logf("mocap listener started on %s", conn.LocalAddr())
	go l.logStats(ctx)

	buffer := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("mocap listener stopping: %d frames, %d dropped", l.packets.Load(), l.dropped.Load())
			return ctx.Err()
		default:
		}

		// A short deadline lets the loop notice cancellation.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, src, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Logf("mocap read error: %v", err)
			continue
		}
		if l.tap != nil {
			l.tap(time.Now(), src, append([]byte(nil), buffer[:n]...))
		}
		if err := l.handlePacket(buffer[:n]); err != nil {
			l.dropped.Add(1)
			if d := l.dropped.Load(); d == 1 || d%1000 == 0 {
				monitoring.Logf("dropping mocap frame from %v (%d dropped): %v", src, d, err)
			}
		}
	}
}

func (l *UDPListener) handlePacket(payload []byte) error {
	frame, err := ParseDatagram(payload)
	if err != nil {
		return err
	}
	l.packets.Add(1)
	l.store.Apply(frame)
	return nil
}

// Stats returns the number of frames applied and dropped.
func (l *UDPListener) Stats() (frames, dropped uint64) {
	return l.packets.Load(), l.dropped.Load()
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frames, dropped := l.Stats()
			monitoring.Logf("mocap: %d frames, %d dropped, markers %v", frames, dropped, l.store.Markers())
		}
	}
}
