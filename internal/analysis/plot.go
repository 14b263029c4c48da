package analysis

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/pedal.guard/internal/cyclelog"
	"github.com/banshee-data/pedal.guard/internal/security"
)

// Plot file names written by PlotRun.
const (
	RawVsCmdFile = "raw_vs_cmd.png"
	TTCVsCmdFile = "ttc_vs_cmd.png"
)

var (
	rawColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	cmdColor = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	capColor = color.RGBA{R: 128, G: 128, B: 128, A: 255}
)

// PlotRun writes the throttle and TTC plots of records into dir, with the
// sample index on the x axis. Infinite TTC samples leave a gap. It returns
// the written paths.
func PlotRun(records []cyclelog.Record, dir string, extraDirs ...string) ([]string, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to plot")
	}
	for _, name := range []string{RawVsCmdFile, TTCVsCmdFile} {
		if err := security.ValidateOutputPath(filepath.Join(dir, name), extraDirs...); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plot dir: %w", err)
	}

	raw := make(plotter.XYs, len(records))
	cmd := make(plotter.XYs, len(records))
	capped := make(plotter.XYs, len(records))
	var ttc []plotter.XYs
	var seg plotter.XYs
	for i, r := range records {
		x := float64(i)
		raw[i] = plotter.XY{X: x, Y: r.RawPercent}
		cmd[i] = plotter.XY{X: x, Y: r.CommandedPercent}
		capped[i] = plotter.XY{X: x, Y: r.Cap}
		if math.IsInf(r.TTC, 0) || math.IsNaN(r.TTC) {
			if len(seg) > 0 {
				ttc = append(ttc, seg)
				seg = nil
			}
			continue
		}
		seg = append(seg, plotter.XY{X: x, Y: r.TTC})
	}
	if len(seg) > 0 {
		ttc = append(ttc, seg)
	}

	pRaw := plot.New()
	pRaw.Title.Text = "Throttle RAW vs CMD"
	pRaw.X.Label.Text = "Sample index"
	pRaw.Y.Label.Text = "Percent (%)"
	pRaw.Add(plotter.NewGrid())
	if err := addLine(pRaw, raw, "Throttle RAW (%)", rawColor, false); err != nil {
		return nil, err
	}
	if err := addLine(pRaw, cmd, "Throttle CMD (%)", cmdColor, false); err != nil {
		return nil, err
	}
	if err := addLine(pRaw, capped, "Cap (%)", capColor, true); err != nil {
		return nil, err
	}

	pTTC := plot.New()
	pTTC.Title.Text = "TTC vs Throttle CMD"
	pTTC.X.Label.Text = "Sample index"
	pTTC.Y.Label.Text = "Value"
	pTTC.Add(plotter.NewGrid())
	for i, s := range ttc {
		label := ""
		if i == 0 {
			label = "TTC (s)"
		}
		if err := addLine(pTTC, s, label, rawColor, false); err != nil {
			return nil, err
		}
	}
	if err := addLine(pTTC, cmd, "Throttle CMD (%)", cmdColor, false); err != nil {
		return nil, err
	}

	for _, p := range []*plot.Plot{pRaw, pTTC} {
		p.Legend.Top = true
		p.Legend.Left = false
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10
	}

	var written []string
	for _, out := range []struct {
		p    *plot.Plot
		name string
	}{{pRaw, RawVsCmdFile}, {pTTC, TTCVsCmdFile}} {
		path := filepath.Join(dir, out.name)
		if err := out.p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
			return written, fmt.Errorf("save %s: %w", out.name, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func addLine(p *plot.Plot, pts plotter.XYs, label string, c color.Color, dashed bool) error {
	l, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("%s line: %w", label, err)
	}
	l.Color = c
	l.Width = vg.Points(1)
	if dashed {
		l.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	}
	p.Add(l)
	if label != "" {
		p.Legend.Add(label, l)
	}
	return nil
}
