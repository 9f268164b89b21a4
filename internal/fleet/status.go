package fleet

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/swarmflight/internal/flight"
	"github.com/banshee-data/swarmflight/internal/httputil"
)

// UnitStatus is the live view of one unit.
type UnitStatus struct {
	Unit     string     `json:"unit"`
	Phase    string     `json:"phase"`
	Ticks    int        `json:"ticks"`
	LastTick time.Time  `json:"last_tick"`
	Position [3]float64 `json:"position"`
	Desired  [3]float64 `json:"desired"`
	Altitude float64    `json:"altitude"`
	Done     bool       `json:"done"`
	Error    string     `json:"error,omitempty"`
}

// StatusBoard implements flight.Recorder and keeps the latest state of every
// unit for the debug server.
type StatusBoard struct {
	mu    sync.RWMutex
	units map[string]*UnitStatus
}

// NewStatusBoard returns an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{units: make(map[string]*UnitStatus)}
}

func (b *StatusBoard) entry(unit string) *UnitStatus {
	s, ok := b.units[unit]
	if !ok {
		s = &UnitStatus{Unit: unit, Phase: flight.PhaseIdle.String()}
		b.units[unit] = s
	}
	return s
}

// Register lists a unit before its first tick.
func (b *StatusBoard) Register(u Unit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entry(u.Name)
}

// RecordTick implements flight.Recorder.
func (b *StatusBoard) RecordTick(t flight.TickSample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.entry(t.Unit)
	s.Phase = t.Phase.String()
	s.Ticks++
	s.LastTick = t.At
	s.Position = [3]float64{t.Position.X, t.Position.Y, t.Position.Z}
	s.Desired = [3]float64{t.Desired.X, t.Desired.Y, t.Desired.Z}
	s.Altitude = t.Altitude
}

// RecordTransition implements flight.Recorder.
func (b *StatusBoard) RecordTransition(t flight.Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entry(t.Unit).Phase = t.To.String()
}

// Finish stores a unit's final outcome. It has the shape of Options.OnFinish.
func (b *StatusBoard) Finish(r Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.entry(r.Unit)
	s.Done = true
	s.Phase = r.Phase.String()
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
}

// Snapshot returns a copy of every unit's status sorted by unit name.
func (b *StatusBoard) Snapshot() []UnitStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]UnitStatus, 0, len(b.units))
	for _, s := range b.units {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out
}

// AttachAdminRoutes mounts the fleet status as JSON under /debug/fleet.
func (b *StatusBoard) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("fleet", "Live unit status (JSON)", http.HandlerFunc(b.serveStatus))
}

func (b *StatusBoard) serveStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.OnlyGet(w, r) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, b.Snapshot())
}
