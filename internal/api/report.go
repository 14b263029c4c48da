package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/pedal.guard/internal/db"
	"github.com/banshee-data/pedal.guard/internal/httputil"
)

// echarts treats "-" as a gap in a line series.
const missingPoint = "-"

// showReport renders an HTML report of one run: pedal raw vs commanded
// with the cap, and TTC with the risk thresholds.
// Query params:
//   - run (optional; defaults to the latest run)
//   - limit (optional; default all cycles of the run)
func (s *Server) showReport(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "no database configured")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 0, 0, maxCycleLimit*10)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runID, err := s.resolveRun(r.URL.Query().Get("run"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	cycles, err := s.db.Cycles(runID, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve cycles: %v", err))
		return
	}
	if len(cycles) == 0 {
		httputil.NotFound(w, "run has no cycles")
		return
	}

	page := components.NewPage()
	page.SetPageTitle("Pedal Guard Run " + runID)
	page.AddCharts(throttleChart(runID, cycles), ttcChart(cycles))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// elapsedAxis labels each cycle with seconds since the first one.
func elapsedAxis(cycles []db.Cycle) []string {
	x := make([]string, len(cycles))
	start := cycles[0].Timestamp
	for i, c := range cycles {
		x[i] = fmt.Sprintf("%.1f", c.Timestamp.Sub(start).Seconds())
	}
	return x
}

func throttleChart(runID string, cycles []db.Cycle) *charts.Line {
	raw := make([]opts.LineData, len(cycles))
	cmd := make([]opts.LineData, len(cycles))
	capped := make([]opts.LineData, len(cycles))
	lockouts := 0
	for i, c := range cycles {
		raw[i] = opts.LineData{Value: c.RawPercent}
		cmd[i] = opts.LineData{Value: c.CommandedPercent}
		capped[i] = opts.LineData{Value: c.Cap}
		if c.Lockout {
			lockouts++
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Throttle RAW vs CMD",
			Subtitle: fmt.Sprintf("run=%s scenario=%d cycles=%d lockout_cycles=%d", runID, cycles[0].ScenarioID, len(cycles), lockouts),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Percent (%)", Min: 0, Max: 100}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(elapsedAxis(cycles)).
		AddSeries("raw", raw).
		AddSeries("commanded", cmd).
		AddSeries("cap", capped, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}

func ttcChart(cycles []db.Cycle) *charts.Line {
	ttc := make([]opts.LineData, len(cycles))
	cmd := make([]opts.LineData, len(cycles))
	for i, c := range cycles {
		if math.IsInf(c.TTC, 0) || math.IsNaN(c.TTC) {
			ttc[i] = opts.LineData{Value: missingPoint}
		} else {
			ttc[i] = opts.LineData{Value: c.TTC}
		}
		cmd[i] = opts.LineData{Value: c.CommandedPercent}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "TTC vs Throttle CMD", Subtitle: "gaps mark infinite TTC"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(elapsedAxis(cycles)).
		AddSeries("ttc (s)", ttc).
		AddSeries("commanded (%)", cmd)
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}
