package trace

import (
	"errors"
	"fmt"

	"slam3d-go/monitoring"
	"slam3d-go/particlefilter"
)

// EventKind tells motion and range events apart.
type EventKind int

const (
	EventMotion EventKind = iota
	EventRange
)

// Event is one entry of a merged trace.
type Event struct {
	Kind EventKind
	T    float64
	Vio  VioSample
	Uwb  UwbSample
}

// Merge interleaves both streams by timestamp. On equal timestamps the
// range goes first.
func Merge(vio []VioSample, uwb []UwbSample) []Event {
	out := make([]Event, 0, len(vio)+len(uwb))
	i, j := 0, 0
	for i < len(vio) || j < len(uwb) {
		if i < len(vio) && (j >= len(uwb) || vio[i].T < uwb[j].T) {
			out = append(out, Event{Kind: EventMotion, T: vio[i].T, Vio: vio[i]})
			i++
			continue
		}
		out = append(out, Event{Kind: EventRange, T: uwb[j].T, Uwb: uwb[j]})
		j++
	}
	return out
}

// Tracker is the part of a filter the runner drives directly.
type Tracker interface {
	DepositMotion(t, x, y, z, dist float64) error
	TagEstimate() (particlefilter.Estimate, bool)
}

// RangeFunc deposits a corrected range to a numbered beacon.
type RangeFunc func(beacon int, rng, stdRange float64) error

// LocRanges resolves beacon numbers against a deployment.
func LocRanges(f *particlefilter.LocFilter, deploy map[int]particlefilter.Point) RangeFunc {
	return func(beacon int, rng, stdRange float64) error {
		p, ok := deploy[beacon]
		if !ok {
			return fmt.Errorf("%w: beacon %d not in deployment", particlefilter.ErrUnknownBeacon, beacon)
		}
		return f.DepositRange(p, rng, stdRange)
	}
}

// SlamBeacons registers beacons with a SLAM filter the first time their
// number shows up in a trace.
type SlamBeacons struct {
	f   *particlefilter.SlamFilter
	ids map[int]particlefilter.BeaconID
}

func NewSlamBeacons(f *particlefilter.SlamFilter) *SlamBeacons {
	return &SlamBeacons{f: f, ids: map[int]particlefilter.BeaconID{}}
}

// Register makes sure beacon numbers 0..n-1 exist, in order.
func (s *SlamBeacons) Register(n int) {
	for b := 0; b < n; b++ {
		s.ID(b)
	}
}

// ID returns the filter handle of a beacon number.
func (s *SlamBeacons) ID(beacon int) particlefilter.BeaconID {
	id, ok := s.ids[beacon]
	if !ok {
		id = s.f.AddBeacon()
		s.ids[beacon] = id
	}
	return id
}

// Numbers returns the known beacon numbers.
func (s *SlamBeacons) Numbers() map[int]particlefilter.BeaconID { return s.ids }

// Ranges returns the RangeFunc for the runner.
func (s *SlamBeacons) Ranges() RangeFunc {
	return func(beacon int, rng, stdRange float64) error {
		return s.f.DepositRange(s.ID(beacon), rng, stdRange)
	}
}

// Runner replays a merged trace.
type Runner struct {
	Bias     float64 // subtracted from every range
	Std      float64
	MinRange float64 // corrected ranges must lie in (MinRange, MaxRange)
	MaxRange float64

	// OnTag, if set, receives the estimate after every motion event.
	OnTag func(particlefilter.Estimate) error
}

// Summary counts what a run consumed.
type Summary struct {
	Motion   int
	Ranges   int
	Rejected int // outside the valid window
	Failed   int // refused by the filter
	Track    []particlefilter.Estimate
}

// Run replays events through the filter.
func (r *Runner) Run(f Tracker, deposit RangeFunc, events []Event) (Summary, error) {
	var s Summary
	for _, ev := range events {
		switch ev.Kind {
		case EventMotion:
			v := ev.Vio
			// Traces carry no odometer; the filter integrates displacement.
			if err := f.DepositMotion(v.T, v.X, v.Y, v.Z, 0); err != nil {
				s.Failed++
				monitoring.Logf("trace: motion at %.3f: %v", v.T, err)
				continue
			}
			s.Motion++
			e, ok := f.TagEstimate()
			if !ok {
				continue
			}
			s.Track = append(s.Track, e)
			if r.OnTag != nil {
				if err := r.OnTag(e); err != nil {
					return s, err
				}
			}
		case EventRange:
			u := ev.Uwb
			rng := u.Range - r.Bias
			if !(rng > r.MinRange && rng < r.MaxRange) {
				s.Rejected++
				continue
			}
			if err := deposit(u.Beacon, rng, r.Std); err != nil {
				if errors.Is(err, particlefilter.ErrUnknownBeacon) || errors.Is(err, particlefilter.ErrInvalidInput) {
					s.Failed++
					monitoring.Logf("trace: range at %.3f: %v", u.T, err)
					continue
				}
				return s, err
			}
			s.Ranges++
		}
	}
	return s, nil
}
