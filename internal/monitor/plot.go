package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/swarmflight/internal/flight"
	"github.com/banshee-data/swarmflight/internal/monitoring"
)

var (
	colorActual   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	colorDesired  = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	colorRaw      = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	colorMarker   = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	markerDashes  = []vg.Length{vg.Points(4), vg.Points(3)}
	plotWidth     = 14 * vg.Inch
	plotHeight    = 6 * vg.Inch
	trackPlotSide = 8 * vg.Inch
)

// WritePNG renders a ground track and an altitude plot for every unit with
// recorded ticks, plus a fleet overview when more than one unit flew. Units
// that only recorded transitions are skipped. It returns the files written.
func (tp *TrackPlotter) WritePNG(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plot dir: %w", err)
	}

	var written, flown []string
	for _, unit := range tp.Units() {
		ticks := tp.Track(unit)
		if len(ticks) == 0 {
			continue
		}
		flown = append(flown, unit)
		transitions := tp.Transitions(unit)

		trackFile := filepath.Join(dir, fileSafe(unit)+"_track.png")
		if err := writeTrackPlot(unit, ticks, trackFile); err != nil {
			return written, err
		}
		written = append(written, trackFile)

		altFile := filepath.Join(dir, fileSafe(unit)+"_altitude.png")
		if err := writeAltitudePlot(unit, ticks, transitions, altFile); err != nil {
			return written, err
		}
		written = append(written, altFile)
	}

	if len(flown) > 1 {
		fleetFile := filepath.Join(dir, "fleet_track.png")
		if err := tp.writeFleetPlot(flown, fleetFile); err != nil {
			return written, err
		}
		written = append(written, fleetFile)
	}

	monitoring.Logf("monitor: wrote %d plots to %s", len(written), dir)
	return written, nil
}

func writeTrackPlot(unit string, ticks []flight.TickSample, file string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s ground track", unit)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	actual := make(plotter.XYs, 0, len(ticks))
	desired := make(plotter.XYs, 0, len(ticks))
	for _, s := range ticks {
		actual = append(actual, plotter.XY{X: s.Position.X, Y: s.Position.Y})
		desired = append(desired, plotter.XY{X: s.Desired.X, Y: s.Desired.Y})
	}

	if err := addLine(p, "actual", actual, colorActual, nil); err != nil {
		return err
	}
	if err := addLine(p, "desired", desired, colorDesired, markerDashes); err != nil {
		return err
	}
	legendTopRight(p)

	if err := p.Save(trackPlotSide, trackPlotSide, file); err != nil {
		return fmt.Errorf("save track plot: %w", err)
	}
	return nil
}

func writeAltitudePlot(unit string, ticks []flight.TickSample, transitions []flight.Transition, file string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s altitude", unit)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Altitude (m)"

	origin := ticks[0].At
	raw := make(plotter.XYs, 0, len(ticks))
	filtered := make(plotter.XYs, 0, len(ticks))
	desired := make(plotter.XYs, 0, len(ticks))
	top := 0.0
	for _, s := range ticks {
		t := s.At.Sub(origin).Seconds()
		raw = append(raw, plotter.XY{X: t, Y: s.RawAltitude})
		filtered = append(filtered, plotter.XY{X: t, Y: s.Altitude})
		desired = append(desired, plotter.XY{X: t, Y: s.Desired.Z})
		top = max(top, s.RawAltitude, s.Altitude, s.Desired.Z)
	}

	if err := addLine(p, "raw", raw, colorRaw, nil); err != nil {
		return err
	}
	if err := addLine(p, "filtered", filtered, colorActual, nil); err != nil {
		return err
	}
	if err := addLine(p, "desired", desired, colorDesired, markerDashes); err != nil {
		return err
	}

	// Phase changes are drawn as vertical markers spanning the data.
	for _, tr := range transitions {
		t := tr.At.Sub(origin).Seconds()
		if t < 0 {
			continue
		}
		marker, err := plotter.NewLine(plotter.XYs{{X: t, Y: 0}, {X: t, Y: top}})
		if err != nil {
			return err
		}
		marker.Color = colorMarker
		marker.Width = vg.Points(0.5)
		marker.Dashes = markerDashes
		p.Add(marker)
	}
	legendTopRight(p)

	if err := p.Save(plotWidth, plotHeight, file); err != nil {
		return fmt.Errorf("save altitude plot: %w", err)
	}
	return nil
}

func (tp *TrackPlotter) writeFleetPlot(units []string, file string) error {
	p := plot.New()
	p.Title.Text = "Fleet ground tracks"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	for i, unit := range units {
		ticks := tp.Track(unit)
		if len(ticks) == 0 {
			continue
		}
		pts := make(plotter.XYs, 0, len(ticks))
		for _, s := range ticks {
			pts = append(pts, plotter.XY{X: s.Position.X, Y: s.Position.Y})
		}
		if err := addLine(p, unit, pts, plotutil.Color(i), nil); err != nil {
			return err
		}
	}
	legendTopRight(p)

	if err := p.Save(trackPlotSide, trackPlotSide, file); err != nil {
		return fmt.Errorf("save fleet plot: %w", err)
	}
	return nil
}

func addLine(p *plot.Plot, label string, pts plotter.XYs, c color.Color, dashes []vg.Length) error {
	if len(pts) == 0 {
		return nil
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("%s line: %w", label, err)
	}
	line.Color = c
	line.Width = vg.Points(1)
	line.Dashes = dashes
	p.Add(line)
	p.Legend.Add(label, line)
	return nil
}

func legendTopRight(p *plot.Plot) {
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
}

// fileSafe maps a unit name onto characters that are safe in a file name.
func fileSafe(name string) string {
	if name == "" {
		return "unit"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
