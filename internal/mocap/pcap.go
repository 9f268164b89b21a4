package mocap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/swarmflight/internal/monitoring"
	"github.com/banshee-data/swarmflight/internal/timeutil"
)

// ReplayOptions controls ReplayPCAP.
type ReplayOptions struct {
	// Port keeps only UDP datagrams sent to this port. Zero keeps all.
	Port int
	// Pace sleeps between frames to reproduce the capture timing on Clock.
	Pace  bool
	Clock timeutil.Clock
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets int
	Frames  int
	Skipped int
}

// ReplayPCAP feeds the tracker frames recorded in a pcap capture into store.
func ReplayPCAP(ctx context.Context, r io.Reader, store *Store, opts ReplayOptions) (ReplayStats, error) {
	var stats ReplayStats
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to read pcap header: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	var prev time.Time
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("mocap replay complete: %d packets, %d frames, %d skipped", stats.Packets, stats.Frames, stats.Skipped)
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 || (opts.Port != 0 && int(udp.DstPort) != opts.Port) {
			stats.Skipped++
			continue
		}

		if ts := packet.Metadata().Timestamp; opts.Pace && !ts.IsZero() {
			if !prev.IsZero() && ts.After(prev) {
				if err := timeutil.SleepContext(ctx, clock, ts.Sub(prev)); err != nil {
					return stats, err
				}
			}
			prev = ts
		}

		frame, err := ParseDatagram(udp.Payload)
		if err != nil {
			stats.Skipped++
			monitoring.Logf("mocap replay: packet %d: %v", stats.Packets, err)
			continue
		}
		store.Apply(frame)
		stats.Frames++
	}
}

// CaptureWriter records tracker datagrams as an Ethernet pcap capture that
// ReplayPCAP and common packet tools can read. It is safe for concurrent use.
type CaptureWriter struct {
	mu  sync.Mutex
	w   *pcapgo.Writer
	dst *net.UDPAddr
}

// NewCaptureWriter writes the pcap file header to w. dst is recorded as the
// destination of every datagram.
func NewCaptureWriter(w io.Writer, dst *net.UDPAddr) (*CaptureWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	if dst == nil {
		dst = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
	}
	return &CaptureWriter{w: pw, dst: dst}, nil
}

// WriteDatagram appends one datagram captured at the given time.
func (c *CaptureWriter) WriteDatagram(at time.Time, src *net.UDPAddr, payload []byte) error {
	if src == nil {
		src = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
	}
	srcIP, dstIP := src.IP.To4(), c.dst.IP.To4()
	if srcIP == nil || dstIP == nil {
		return fmt.Errorf("capture supports IPv4 only: %v -> %v", src, c.dst)
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(c.dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize datagram: %w", err)
	}
	data := buf.Bytes()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     at,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

// Tap adapts the writer for UDPListenerConfig.Tap. Write errors are logged.
func (c *CaptureWriter) Tap() Tap {
	return func(at time.Time, src *net.UDPAddr, payload []byte) {
		if err := c.WriteDatagram(at, src, payload); err != nil {
			monitoring.Logf("mocap capture: %v", err)
		}
	}
}
