package sim

import (
	"bytes"
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/swarmflight/internal/radio"
)

// outboundBuffer bounds how many telemetry lines may wait for a reader.
const outboundBuffer = 256

// Port emulates a vehicle's radio link over a Vehicle. Command lines written
// to it drive the vehicle; telemetry lines are read back. It satisfies
// serialmux.SerialPorter.
type Port struct {
	vehicle *Vehicle

	r *io.PipeReader
	w *io.PipeWriter

	out  chan string
	done chan struct{}

	mu        sync.Mutex
	partial   []byte
	flowDeck  bool
	stopLog   context.CancelFunc
	closeOnce sync.Once
}

// NewPort returns a port for v with a flow deck attached.
func NewPort(v *Vehicle) *Port {
	r, w := io.Pipe()
	p := &Port{
		vehicle:  v,
		r:        r,
		w:        w,
		out:      make(chan string, outboundBuffer),
		done:     make(chan struct{}),
		flowDeck: true,
	}
	go p.pump()
	return p
}

// SetFlowDeck changes what the port reports for the flow deck parameter.
func (p *Port) SetFlowDeck(attached bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flowDeck = attached
}

func (p *Port) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// Write applies every complete command line in b.
func (p *Port) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}

	p.mu.Lock()
	p.partial = append(p.partial, b...)
	var lines []string
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(p.partial[:i], "\r")))
		p.partial = p.partial[i+1:]
	}
	p.mu.Unlock()

	for _, line := range lines {
		p.handle(line)
	}
	return len(b), nil
}

func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		if p.stopLog != nil {
			p.stopLog()
		}
		p.mu.Unlock()
		p.w.Close()
	})
	return nil
}

func (p *Port) handle(line string) {
	if line == "" {
		return
	}
	cmd, err := radio.ParseCommand(line)
	if err != nil {
		p.emit("console " + err.Error())
		return
	}

	switch cmd.Kind {
	case radio.CommandVelocity:
		p.vehicle.SendVelocity(cmd.VX, cmd.VY, cmd.VZ, cmd.YawRate)
	case radio.CommandStop:
		p.vehicle.SendStop()
	case radio.CommandParamGet:
		if cmd.Name != radio.ParamFlowDeck {
			p.emit("console unknown param " + cmd.Name)
			return
		}
		p.mu.Lock()
		value := "0"
		if p.flowDeck {
			value = "1"
		}
		p.mu.Unlock()
		p.emit(radio.FormatParam(cmd.Name, value))
	case radio.CommandLogStart:
		if cmd.Name != radio.VarRange {
			p.emit("console unknown log variable " + cmd.Name)
			return
		}
		p.startRangeLog(cmd.Period)
	}
}

// startRangeLog streams the vehicle altitude in millimetres every period,
// replacing any earlier stream.
func (p *Port) startRangeLog(period time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if p.stopLog != nil {
		p.stopLog()
	}
	p.stopLog = cancel
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-ticker.C:
				mm := math.Round(p.vehicle.LatestAltitude() * 1000)
				p.emit(radio.FormatLog(radio.VarRange, mm))
			}
		}
	}()
}

// emit queues a telemetry line, dropping it when nobody is reading.
func (p *Port) emit(line string) {
	select {
	case p.out <- line:
	case <-p.done:
	default:
	}
}

func (p *Port) pump() {
	for {
		select {
		case <-p.done:
			return
		case line := <-p.out:
			if _, err := io.WriteString(p.w, line+"\n"); err != nil {
				return
			}
		}
	}
}
