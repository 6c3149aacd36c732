package server

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"slam3d-go/config"
	"slam3d-go/particlefilter"
)

// Mode selects the filter variant run for every device.
type Mode int

const (
	ModeLoc Mode = iota
	ModeSlam
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "loc":
		return ModeLoc, nil
	case "slam":
		return ModeSlam, nil
	}
	return ModeLoc, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) String() string {
	if m == ModeSlam {
		return "slam"
	}
	return "loc"
}

var errFarRssi = errors.New("rssi too weak for proximity")

// session is the filter state of one tag, keyed by its device address.
// All fields below mu are guarded by it.
type session struct {
	addr uint32

	mu       sync.Mutex
	loc      *particlefilter.LocFilter
	slam     *particlefilter.SlamFilter
	beacons  map[int]particlefilter.BeaconID
	gw       *net.UDPAddr
	lastSeen time.Time
	last     *TagPosition
}

func newSession(addr uint32, mode Mode, cfg particlefilter.Config) (*session, error) {
	// Distinct but reproducible streams per device.
	if cfg.Seed != nil {
		seed := *cfg.Seed + uint64(addr)
		cfg.Seed = &seed
	}
	s := &session{addr: addr}
	var err error
	if mode == ModeSlam {
		s.slam, err = particlefilter.NewSlamFilter(cfg)
		s.beacons = map[int]particlefilter.BeaconID{}
	} else {
		s.loc, err = particlefilter.NewLocFilter(cfg)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) motion(t, x, y, z, dist float64) error {
	if s.slam != nil {
		return s.slam.DepositMotion(t, x, y, z, dist)
	}
	return s.loc.DepositMotion(t, x, y, z, dist)
}

// beaconID returns the SLAM handle of an anchor id, registering it on sight.
func (s *session) beaconID(anchor int) particlefilter.BeaconID {
	id, ok := s.beacons[anchor]
	if !ok {
		id = s.slam.AddBeacon()
		s.beacons[anchor] = id
	}
	return id
}

func (s *session) rangeTo(anchors map[int]config.Anchor, anchor int, rng, std float64) error {
	if s.slam != nil {
		return s.slam.DepositRange(s.beaconID(anchor), rng, std)
	}
	a, ok := anchors[anchor]
	if !ok {
		return fmt.Errorf("%w: anchor 0x%04x", particlefilter.ErrUnknownBeacon, anchor)
	}
	return s.loc.DepositRange(a.Point(), rng, std)
}

func (s *session) rssiTo(anchors map[int]config.Anchor, model *particlefilter.RssiModel, anchor, dbm int) error {
	if !model.Near(dbm) {
		return errFarRssi
	}
	if s.slam != nil {
		return s.slam.DepositRssi(s.beaconID(anchor), float64(dbm))
	}
	a, ok := anchors[anchor]
	if !ok {
		return fmt.Errorf("%w: anchor 0x%04x", particlefilter.ErrUnknownBeacon, anchor)
	}
	return s.loc.DepositRssi(a.Point(), float64(dbm))
}

func (s *session) tagEstimate() (particlefilter.Estimate, bool) {
	if s.slam != nil {
		return s.slam.TagEstimate()
	}
	return s.loc.TagEstimate()
}

func (s *session) beaconEstimate(anchor int) (particlefilter.Estimate, bool) {
	if s.slam == nil {
		return particlefilter.Estimate{}, false
	}
	id, ok := s.beacons[anchor]
	if !ok {
		return particlefilter.Estimate{}, false
	}
	e, ok, err := s.slam.BeaconEstimate(id)
	if err != nil {
		return particlefilter.Estimate{}, false
	}
	return e, ok
}

func (s *session) stats() particlefilter.Stats {
	if s.slam != nil {
		return s.slam.Stats()
	}
	return s.loc.Stats()
}
