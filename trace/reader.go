// Package trace reads recorded VIO and UWB traces, replays them through a
// filter in timestamp order and writes the resulting tracks.
package trace

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"slam3d-go/frame"
	"slam3d-go/particlefilter"
)

// Format selects the column layout of a trace.
type Format int

const (
	// FormatPlain is "t,a,b,c" for VIO and "t,beacon,range" for UWB.
	FormatPlain Format = iota
	// FormatWaypoint is the survey layout: VIO rows
	// "t,position,waypoint,accuracy,a,b,c" each followed by an orientation
	// row, UWB rows "t,uwb_range,waypoint,letter,range" with beacons
	// named a, b, c, ...
	FormatWaypoint
)

// ParseFormat maps a flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "plain":
		return FormatPlain, nil
	case "waypoint":
		return FormatWaypoint, nil
	}
	return FormatPlain, fmt.Errorf("unknown trace format %q", s)
}

// VioSample is one odometry pose in filter order.
type VioSample struct {
	T        float64
	X, Y, Z  float64
	Waypoint int
}

// UwbSample is one range to a numbered beacon.
type UwbSample struct {
	T        float64
	Beacon   int
	Range    float64
	Waypoint int
}

func newCSV(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return cr
}

// isHeader reports whether a record is a column header rather than data.
func isHeader(rec []string) bool {
	if len(rec) == 0 {
		return true
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
	return err != nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// waypointNumber reads the leading digit of a waypoint column.
func waypointNumber(s string) int {
	s = strings.TrimSpace(s)
	if s == "" || s[0] < '0' || s[0] > '9' {
		return 0
	}
	return int(s[0] - '0')
}

// ReadVio reads an odometry trace, reordering device axes into filter order.
func ReadVio(r io.Reader, format Format, axes frame.Axes) ([]VioSample, error) {
	cr := newCSV(r)
	var out []VioSample
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("vio line %d: %w", line, err)
		}
		if isHeader(rec) {
			continue
		}

		var t float64
		var cols []string
		wp := 0
		switch format {
		case FormatWaypoint:
			if len(rec) < 7 {
				return out, fmt.Errorf("vio line %d: want 7 fields, got %d", line, len(rec))
			}
			if strings.TrimSpace(rec[1]) != "position" {
				continue
			}
			wp = waypointNumber(rec[2])
			cols = []string{rec[0], rec[4], rec[5], rec[6]}
		default:
			if len(rec) < 4 {
				return out, fmt.Errorf("vio line %d: want 4 fields, got %d", line, len(rec))
			}
			cols = rec[:4]
		}
		vals, err := parseFloats(cols)
		if err != nil {
			return out, fmt.Errorf("vio line %d: %w", line, err)
		}
		t = vals[0]
		x, y, z := axes.ToFilter(vals[1], vals[2], vals[3])
		out = append(out, VioSample{T: t, X: x, Y: y, Z: z, Waypoint: wp})
	}
}

// ReadUwb reads a range trace.
func ReadUwb(r io.Reader, format Format) ([]UwbSample, error) {
	cr := newCSV(r)
	var out []UwbSample
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("uwb line %d: %w", line, err)
		}
		if isHeader(rec) {
			continue
		}

		s := UwbSample{}
		var tStr, rStr string
		switch format {
		case FormatWaypoint:
			if len(rec) < 5 {
				return out, fmt.Errorf("uwb line %d: want 5 fields, got %d", line, len(rec))
			}
			name := strings.TrimSpace(rec[3])
			if name == "" || name[0] < 'a' || name[0] > 'z' {
				return out, fmt.Errorf("uwb line %d: bad beacon name %q", line, rec[3])
			}
			s.Beacon = int(name[0] - 'a')
			s.Waypoint = waypointNumber(rec[2])
			tStr, rStr = rec[0], rec[4]
		default:
			if len(rec) < 3 {
				return out, fmt.Errorf("uwb line %d: want 3 fields, got %d", line, len(rec))
			}
			b, err := strconv.Atoi(strings.TrimSpace(rec[1]))
			if err != nil || b < 0 {
				return out, fmt.Errorf("uwb line %d: bad beacon %q", line, rec[1])
			}
			s.Beacon = b
			tStr, rStr = rec[0], rec[2]
		}
		vals, err := parseFloats([]string{tStr, rStr})
		if err != nil {
			return out, fmt.Errorf("uwb line %d: %w", line, err)
		}
		s.T, s.Range = vals[0], vals[1]
		out = append(out, s)
	}
}

// ReadDeployment reads "beacon,a,b,c" anchor positions.
func ReadDeployment(r io.Reader, axes frame.Axes) (map[int]particlefilter.Point, error) {
	cr := newCSV(r)
	out := map[int]particlefilter.Point{}
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("deploy line %d: %w", line, err)
		}
		if isHeader(rec) {
			continue
		}
		if len(rec) < 4 {
			return out, fmt.Errorf("deploy line %d: want 4 fields, got %d", line, len(rec))
		}
		b, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return out, fmt.Errorf("deploy line %d: bad beacon %q", line, rec[0])
		}
		vals, err := parseFloats(rec[1:4])
		if err != nil {
			return out, fmt.Errorf("deploy line %d: %w", line, err)
		}
		x, y, z := axes.ToFilter(vals[0], vals[1], vals[2])
		out[b] = particlefilter.Point{X: x, Y: y, Z: z}
	}
}

// SkipToWaypoint drops samples recorded before the given waypoint. The
// leading segments of survey traces walk to the start position.
func SkipToWaypoint(vio []VioSample, uwb []UwbSample, wp int) ([]VioSample, []UwbSample) {
	i := 0
	for i < len(vio) && vio[i].Waypoint < wp {
		i++
	}
	j := 0
	for j < len(uwb) && uwb[j].Waypoint < wp {
		j++
	}
	return vio[i:], uwb[j:]
}
