package trace

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"slam3d-go/particlefilter"
)

// CompareRMSE aligns each reference sample with the prediction nearest in
// time (no further than maxGap seconds) and returns the RMS position error
// and the number of matched samples. pred must be sorted by time.
func CompareRMSE(pred, ref []particlefilter.Estimate, maxGap float64) (float64, int) {
	if len(pred) == 0 {
		return math.NaN(), 0
	}
	sq := make([]float64, 0, len(ref))
	for _, r := range ref {
		i := sort.Search(len(pred), func(i int) bool { return pred[i].T >= r.T })
		best := -1
		for _, c := range []int{i - 1, i} {
			if c < 0 || c >= len(pred) {
				continue
			}
			if best < 0 || math.Abs(pred[c].T-r.T) < math.Abs(pred[best].T-r.T) {
				best = c
			}
		}
		if best < 0 || math.Abs(pred[best].T-r.T) > maxGap {
			continue
		}
		d := []float64{pred[best].X - r.X, pred[best].Y - r.Y, pred[best].Z - r.Z}
		sq = append(sq, floats.Dot(d, d))
	}
	if len(sq) == 0 {
		return math.NaN(), 0
	}
	return math.Sqrt(stat.Mean(sq, nil)), len(sq)
}

// Mismatch describes the first row where two tracks disagree.
type Mismatch struct {
	Row   int
	Field string
	Got   float64
	Want  float64
}

func (m Mismatch) Error() string {
	return fmt.Sprintf("row %d: %s = %f, want %f", m.Row, m.Field, m.Got, m.Want)
}

// CompareTracks checks a track against a golden track row by row with an
// absolute tolerance. Headings are compared on the circle.
func CompareTracks(got, want []particlefilter.Estimate, tol float64) error {
	if len(got) != len(want) {
		return fmt.Errorf("track length %d, want %d", len(got), len(want))
	}
	for i := range got {
		g, w := got[i], want[i]
		fields := []struct {
			name      string
			got, want float64
			diff      float64
		}{
			{"t", g.T, w.T, math.Abs(g.T - w.T)},
			{"x", g.X, w.X, math.Abs(g.X - w.X)},
			{"y", g.Y, w.Y, math.Abs(g.Y - w.Y)},
			{"z", g.Z, w.Z, math.Abs(g.Z - w.Z)},
			{"theta", g.Heading, w.Heading, angleDiff(g.Heading, w.Heading)},
		}
		for _, f := range fields {
			if f.diff > tol || math.IsNaN(f.diff) {
				return Mismatch{Row: i, Field: f.name, Got: f.got, Want: f.want}
			}
		}
	}
	return nil
}

func angleDiff(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 2*math.Pi)
	return math.Min(d, 2*math.Pi-d)
}
