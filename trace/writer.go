package trace

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"slam3d-go/frame"
	"slam3d-go/particlefilter"
)

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }

// TagWriter writes "t,x,y,z,theta" rows with positions in device order.
type TagWriter struct {
	w      *csv.Writer
	axes   frame.Axes
	header bool
}

func NewTagWriter(w io.Writer, axes frame.Axes) *TagWriter {
	return &TagWriter{w: csv.NewWriter(w), axes: axes}
}

// Write appends one estimate.
func (tw *TagWriter) Write(e particlefilter.Estimate) error {
	if !tw.header {
		if err := tw.w.Write([]string{"t", "x", "y", "z", "theta"}); err != nil {
			return err
		}
		tw.header = true
	}
	a, b, c := tw.axes.FromFilter(e.X, e.Y, e.Z)
	return tw.w.Write([]string{formatFloat(e.T), formatFloat(a), formatFloat(b), formatFloat(c), formatFloat(e.Heading)})
}

// Flush writes buffered rows and reports any write error.
func (tw *TagWriter) Flush() error {
	tw.w.Flush()
	return tw.w.Error()
}

// BeaconWriter writes "b,x,y,z,theta" rows.
type BeaconWriter struct {
	w      *csv.Writer
	axes   frame.Axes
	header bool
}

func NewBeaconWriter(w io.Writer, axes frame.Axes) *BeaconWriter {
	return &BeaconWriter{w: csv.NewWriter(w), axes: axes}
}

// Write appends the estimate of beacon b.
func (bw *BeaconWriter) Write(b int, e particlefilter.Estimate) error {
	if !bw.header {
		if err := bw.w.Write([]string{"b", "x", "y", "z", "theta"}); err != nil {
			return err
		}
		bw.header = true
	}
	x, y, z := bw.axes.FromFilter(e.X, e.Y, e.Z)
	return bw.w.Write([]string{strconv.Itoa(b), formatFloat(x), formatFloat(y), formatFloat(z), formatFloat(e.Heading)})
}

func (bw *BeaconWriter) Flush() error {
	bw.w.Flush()
	return bw.w.Error()
}

// ReadTrack reads a file written by TagWriter back into filter order.
func ReadTrack(r io.Reader, axes frame.Axes) ([]particlefilter.Estimate, error) {
	cr := newCSV(r)
	var out []particlefilter.Estimate
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("track line %d: %w", line, err)
		}
		if isHeader(rec) {
			continue
		}
		if len(rec) < 5 {
			return out, fmt.Errorf("track line %d: want 5 fields, got %d", line, len(rec))
		}
		vals, err := parseFloats(rec[:5])
		if err != nil {
			return out, fmt.Errorf("track line %d: %w", line, err)
		}
		x, y, z := axes.ToFilter(vals[1], vals[2], vals[3])
		out = append(out, particlefilter.Estimate{T: vals[0], X: x, Y: y, Z: z, Heading: vals[4]})
	}
}
