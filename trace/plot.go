package trace

import (
	"fmt"
	"image/color"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"slam3d-go/particlefilter"
)

// PlotTrajectory saves a top-down (x/y) PNG of a tag track, optional
// reference track, and beacon estimates keyed by beacon number.
func PlotTrajectory(path, title string, track, ref []particlefilter.Estimate, beacons map[int]particlefilter.Estimate) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"

	if len(track) > 0 {
		line, err := plotter.NewLine(xys(track))
		if err != nil {
			return fmt.Errorf("track line: %w", err)
		}
		line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("estimate", line)
	}

	if len(ref) > 0 {
		line, err := plotter.NewLine(xys(ref))
		if err != nil {
			return fmt.Errorf("reference line: %w", err)
		}
		line.Color = color.RGBA{R: 127, G: 127, B: 127, A: 255}
		line.Width = vg.Points(1)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add("reference", line)
	}

	if len(beacons) > 0 {
		ids := make([]int, 0, len(beacons))
		for b := range beacons {
			ids = append(ids, b)
		}
		sort.Ints(ids)
		pts := make(plotter.XYs, 0, len(ids))
		for _, b := range ids {
			pts = append(pts, plotter.XY{X: beacons[b].X, Y: beacons[b].Y})
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return fmt.Errorf("beacon scatter: %w", err)
		}
		sc.GlyphStyle.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
		sc.GlyphStyle.Radius = vg.Points(4)
		p.Add(sc)
		p.Legend.Add("beacons", sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.Add(plotter.NewGrid())

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

func xys(es []particlefilter.Estimate) plotter.XYs {
	pts := make(plotter.XYs, len(es))
	for i, e := range es {
		pts[i] = plotter.XY{X: e.X, Y: e.Y}
	}
	return pts
}
