package record

import (
	"log"
	"sync"

	"github.com/rflab/anglesweep/sweep"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Plot draws the valid samples, value against sweep angle, to an image on Close.
// The format follows the file extension (.png, .svg, .pdf).
type Plot struct {
	mu    sync.Mutex
	path  string
	Title string
	YUnit string
	pts   plotter.XYs
}

// NewPlot writes to path on Close
func NewPlot(path, title string) *Plot {
	return &Plot{path: path, Title: title, YUnit: "dBm"}
}

// Record keeps s if it is valid
func (p *Plot) Record(s sweep.Sample) error {
	if !s.Valid {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pts = append(p.pts, plotter.XY{X: s.Absolute, Y: s.Value})
	return nil
}

// Close renders the plot.  Nothing is written if there were no valid samples.
func (p *Plot) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pts) == 0 {
		log.Printf("record: no valid samples, not writing %s", p.path)
		return nil
	}
	pl := plot.New()
	pl.Title.Text = p.Title
	pl.X.Label.Text = "Angle (deg)"
	pl.Y.Label.Text = "Peak magnitude (" + p.YUnit + ")"
	pl.Add(plotter.NewGrid())

	line, err := plotter.NewLine(p.pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	pts, err := plotter.NewScatter(p.pts)
	if err != nil {
		return err
	}
	pts.GlyphStyle.Radius = vg.Points(1.5)
	pl.Add(line, pts)
	return pl.Save(8*vg.Inch, 5*vg.Inch, p.path)
}
