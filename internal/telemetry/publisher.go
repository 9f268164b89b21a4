package telemetry

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/swarmflight/internal/flight"
	"github.com/banshee-data/swarmflight/internal/monitoring"
)

// Config holds configuration for the telemetry gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// Buffer is the per-client event queue length
	Buffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:50061",
		MaxClients: 8,
		Buffer:     256,
	}
}

// Publisher is a flight.Recorder that fans every observation out to the
// connected telemetry streams. A client that falls behind loses events rather
// than stalling the control loop.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	clientsMu sync.RWMutex
	clients   map[string]*subscriber

	published atomic.Uint64
	dropped   atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var (
	_ flight.Recorder = (*Publisher)(nil)
	_ TelemetryServer = (*Publisher)(nil)
)

type subscriber struct {
	id     string
	unit   string
	events chan *structpb.Struct
}

// NewPublisher creates a Publisher. Zero fields in cfg take their defaults.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	return &Publisher{
		config:  cfg,
		clients: make(map[string]*subscriber),
		stopCh:  make(chan struct{}),
	}
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := p.Serve(lis); err != nil {
		lis.Close()
		return err
	}
	return nil
}

// Serve serves the telemetry service on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	p.server.RegisterService(&ServiceDesc, p)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		monitoring.Logf("telemetry server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("telemetry server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop flushes queued events to every client, ends their streams and stops
// the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.server.GracefulStop()
	p.wg.Wait()
	monitoring.Logf("telemetry server stopped (published=%d dropped=%d)", p.published.Load(), p.dropped.Load())
}

// RecordTick publishes one control tick.
func (p *Publisher) RecordTick(s flight.TickSample) {
	p.publish(s.Unit, tickEvent(s))
}

// RecordTransition publishes one phase change.
func (p *Publisher) RecordTransition(t flight.Transition) {
	p.publish(t.Unit, transitionEvent(t))
}

func (p *Publisher) publish(unit string, ev *structpb.Struct) {
	if !p.running.Load() {
		return
	}
	p.published.Add(1)
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for _, c := range p.clients {
		if c.unit != "" && c.unit != unit {
			continue
		}
		select {
		case c.events <- ev:
		default:
			p.dropped.Add(1)
		}
	}
}

// Stream implements TelemetryServer.
func (p *Publisher) Stream(req *structpb.Struct, stream grpc.ServerStream) error {
	c, err := p.addClient(req.GetFields()["unit"].GetStringValue())
	if err != nil {
		return err
	}
	defer p.removeClient(c.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			if err := stream.SendMsg(ev); err != nil {
				return err
			}
		case <-p.stopCh:
			for {
				select {
				case ev := <-c.events:
					if err := stream.SendMsg(ev); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

func (p *Publisher) addClient(unit string) (*subscriber, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return nil, status.Errorf(codes.ResourceExhausted, "telemetry: %d clients already connected", len(p.clients))
	}
	c := &subscriber{
		id:     uuid.NewString(),
		unit:   unit,
		events: make(chan *structpb.Struct, p.config.Buffer),
	}
	p.clients[c.id] = c
	monitoring.Logf("telemetry client connected: %s unit=%q (total: %d)", c.id, unit, len(p.clients))
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	delete(p.clients, id)
	n := len(p.clients)
	p.clientsMu.Unlock()
	monitoring.Logf("telemetry client disconnected: %s (remaining: %d)", id, n)
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() Stats {
	p.clientsMu.RLock()
	n := len(p.clients)
	p.clientsMu.RUnlock()
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   n,
		Running:   p.running.Load(),
	}
}

// Stats contains publisher statistics.
type Stats struct {
	Published uint64
	Dropped   uint64
	Clients   int
	Running   bool
}
