package monitor

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/swarmflight/internal/flight"
)

// echartsAssetsHost serves the echarts javascript. Debug pages are only ever
// opened from a browser on the operator's machine, which has network access.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// maxChartPoints caps the points sent to the browser per series.
const maxChartPoints = 4000

// AttachAdminRoutes mounts the live altitude chart under /debug/.
func (tp *TrackPlotter) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("altitude", "Altitude chart per unit (?unit= to select one)", tp.AltitudeChartHandler())
}

// AltitudeChartHandler renders raw, filtered and desired altitude for one
// unit, or for every unit when the unit query parameter is empty.
func (tp *TrackPlotter) AltitudeChartHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		units := tp.Units()
		if unit := r.URL.Query().Get("unit"); unit != "" {
			units = []string{unit}
		}

		page := components.NewPage()
		page.SetAssetsHost(echartsAssetsHost)
		charted := 0
		for _, unit := range units {
			ticks := tp.Track(unit)
			if len(ticks) == 0 {
				continue
			}
			page.AddCharts(altitudeChart(unit, ticks, tp.Transitions(unit)))
			charted++
		}
		if charted == 0 {
			http.Error(w, "no flight data recorded", http.StatusNotFound)
			return
		}

		var buf bytes.Buffer
		if err := page.Render(&buf); err != nil {
			http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}

func altitudeChart(unit string, ticks []flight.TickSample, transitions []flight.Transition) *charts.Line {
	stride := chartStride(len(ticks))
	origin := ticks[0].At
	var (
		x        []string
		raw      []opts.LineData
		filtered []opts.LineData
		desired  []opts.LineData
	)
	for i := 0; i < len(ticks); i += stride {
		s := ticks[i]
		x = append(x, fmt.Sprintf("%.2f", s.At.Sub(origin).Seconds()))
		raw = append(raw, opts.LineData{Value: s.RawAltitude})
		filtered = append(filtered, opts.LineData{Value: s.Altitude})
		desired = append(desired, opts.LineData{Value: s.Desired.Z})
	}

	// Category axes only accept existing labels, so each transition is
	// pinned to the first plotted tick at or after it.
	var marks []opts.MarkLineNameXAxisItem
	for _, tr := range transitions {
		for i := 0; i < len(ticks); i += stride {
			if !ticks[i].At.Before(tr.At) {
				marks = append(marks, opts.MarkLineNameXAxisItem{Name: tr.To.String(), XAxis: x[i/stride]})
				break
			}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Swarm altitude", Theme: "dark", Width: "100%", Height: "480px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: unit, Subtitle: origin.Format("2006-01-02 15:04:05")}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "altitude (m)"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	noSymbols := charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})
	line.SetXAxis(x).
		AddSeries("raw", raw, noSymbols).
		AddSeries("filtered", filtered, noSymbols, charts.WithMarkLineNameXAxisItemOpts(marks...)).
		AddSeries("desired", desired, noSymbols)
	return line
}

// chartStride returns the step that keeps n samples within maxChartPoints.
func chartStride(n int) int {
	if n <= maxChartPoints {
		return 1
	}
	return (n + maxChartPoints - 1) / maxChartPoints
}
