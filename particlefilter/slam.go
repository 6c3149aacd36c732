package particlefilter

import (
	"fmt"

	"slam3d-go/monitoring"
)

// BeaconID is the handle of a beacon registered with a SlamFilter.
type BeaconID int

// SlamFilter jointly estimates the tag pose and the position of every
// registered beacon. Each tag particle owns one row of beacon particles per
// beacon, so a beacon hypothesis is always conditioned on a tag hypothesis.
type SlamFilter struct {
	cfg     Config
	rng     *Random
	tag     *tagState
	beacons []*beaconState
	stats   Stats
}

// NewSlamFilter returns a filter whose tag particles all sit at the origin
// with zero heading; the origin of the estimate is wherever the tag starts.
func NewSlamFilter(cfg Config) (*SlamFilter, error) {
	if err := cfg.Validate(true); err != nil {
		return nil, err
	}
	f := &SlamFilter{
		cfg: cfg,
		rng: NewRandom(cfg.seed()),
		tag: newTagState(cfg.TagParticles),
	}
	ps := f.tag.particles()
	for i := range ps {
		ps[i] = spawnTagZero()
	}
	return f, nil
}

// AddBeacon registers a new, uninitialized beacon.
func (f *SlamFilter) AddBeacon() BeaconID {
	f.beacons = append(f.beacons, newBeaconState(f.cfg.TagParticles, f.cfg.BeaconParticles))
	return BeaconID(len(f.beacons) - 1)
}

// Beacons returns the number of registered beacons.
func (f *SlamFilter) Beacons() int { return len(f.beacons) }

func (f *SlamFilter) beacon(id BeaconID) (*beaconState, error) {
	if id < 0 || int(id) >= len(f.beacons) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBeacon, id)
	}
	return f.beacons[id], nil
}

// DepositMotion buffers a tag odometry sample.
func (f *SlamFilter) DepositMotion(t, x, y, z, dist float64) error {
	if err := checkMotion(t, x, y, z, dist); err != nil {
		return err
	}
	f.tag.odo.deposit(t, x, y, z, dist)
	return nil
}

// DepositBeaconMotion buffers an odometry sample reported by a mobile
// beacon. Beacons that never report motion are treated as static.
func (f *SlamFilter) DepositBeaconMotion(id BeaconID, t, x, y, z, dist float64) error {
	b, err := f.beacon(id)
	if err != nil {
		return err
	}
	if err := checkMotion(t, x, y, z, dist); err != nil {
		return err
	}
	b.odo.deposit(t, x, y, z, dist)
	return nil
}

// DepositRange applies a tag-to-beacon range observation. The first
// observation of a beacon initializes it instead of reweighting.
func (f *SlamFilter) DepositRange(id BeaconID, rng, stdRange float64) error {
	b, err := f.beacon(id)
	if err != nil {
		return err
	}
	if err := checkObservation(rng, stdRange); err != nil {
		return err
	}
	f.update(b, rng, stdRange)
	return nil
}

// DepositRssi applies a proximity observation of a beacon.
func (f *SlamFilter) DepositRssi(id BeaconID, rssi float64) error {
	b, err := f.beacon(id)
	if err != nil {
		return err
	}
	if err := checkRssi(rssi); err != nil {
		return err
	}
	f.update(b, RssiRange, RssiStdRange)
	return nil
}

// TagEstimate returns the current tag pose.
func (f *SlamFilter) TagEstimate() (Estimate, bool) {
	return tagEstimate(f.tag)
}

// BeaconEstimate returns the position of a beacon, or false until the
// beacon has been observed.
func (f *SlamFilter) BeaconEstimate(id BeaconID) (Estimate, bool, error) {
	b, err := f.beacon(id)
	if err != nil {
		return Estimate{}, false, err
	}
	if !b.initialized {
		return Estimate{}, false, nil
	}
	e, ok := beaconEstimate(f.tag, b)
	return e, ok, nil
}

// Initialized is always true: the tag layer starts at the zero pose.
func (f *SlamFilter) Initialized() bool { return true }
func (f *SlamFilter) Stats() Stats      { return f.stats }

func (f *SlamFilter) update(obs *beaconState, rng, stdRange float64) {
	f.stats.Updates++
	f.commitMotion()

	if !obs.initialized {
		f.spawnBeacon(obs, rng, stdRange)
		obs.initialized = true
		return
	}

	weighRangeSlam(f.tag.particles(), obs, rng, stdRange)
	f.resample(obs, rng, stdRange)
}

func (f *SlamFilter) commitMotion() {
	if f.tag.odo.started {
		d := f.tag.odo.commit()
		moveTags(f.rng, f.tag.particles(), d, f.cfg.StdXyz, f.cfg.StdTheta)
	}
	for _, b := range f.beacons {
		if !b.odo.started {
			continue
		}
		d := b.odo.commit()
		if b.initialized {
			moveBeacon(f.rng, b, d, f.cfg.StdXyz, f.cfg.StdTheta)
		}
	}
}

// spawnBeacon scatters every row of b around its tag particle.
func (f *SlamFilter) spawnBeacon(b *beaconState, rng, stdRange float64) {
	tags := f.tag.particles()
	for k := range tags {
		b.spawnRow(f.rng, b.row(k), tags[k], rng, stdRange)
	}
	f.stats.Spawned += b.nTag * b.nBcn
}

func (f *SlamFilter) resample(obs *beaconState, rng, stdRange float64) {
	st := f.tag.stats()
	if !st.healthy() {
		f.stats.Degeneracies++
		monitoring.Logf("particlefilter: tag weights collapsed (sum=%g), resetting tag weights and respawning beacon r=%.2f",
			st.sum, rng)
		f.tag.resetWeights()
		f.spawnBeacon(obs, rng, stdRange)
		f.stats.LastESS = float64(f.tag.size())
		return
	}
	f.stats.LastESS = st.ess()

	if !f.cfg.wantsResample(st) {
		f.tag.renormalize(st)
		f.resampleBeacon(obs, true, false, rng, stdRange)
		return
	}

	f.tag.resample(f.rng, st, f.cfg.JitterXyz)
	f.stats.Resamples++
	for _, b := range f.beacons {
		if b.initialized {
			f.resampleBeacon(b, b == obs, true, rng, stdRange)
		}
	}
}

// resampleBeacon runs the per-row resampling of b. When forced, the tag layer
// has just been resampled: row k is redrawn from the row of tag particle k's
// ancestor, so every row is written to scratch and all flags flip together.
// Otherwise each row decides on its own and is renormalized in place when
// healthy. Spawning only happens for the observed beacon.
func (f *SlamFilter) resampleBeacon(b *beaconState, observed, forced bool, rng, stdRange float64) {
	tags := f.tag.particles()
	collapsed := 0
	for k := 0; k < b.nTag; k++ {
		src := k
		if forced {
			src = f.tag.ancestors[k]
		}
		st := beaconStats(b.row(src), b.cdf)
		out := b.scratchRow(k)

		switch {
		case !st.healthy():
			collapsed++
			if observed {
				b.spawnRow(f.rng, out, tags[k], rng, stdRange)
				f.stats.Spawned += len(out)
			} else {
				b.carryRow(src, k)
			}
		default:
			spawn := 0
			if observed {
				spawn = f.cfg.spawnCount(st, rng)
			}
			if !forced && spawn == 0 && !f.cfg.wantsResample(st) {
				b.renormalizeRow(k, st)
				continue
			}
			b.resampleRow(f.rng, st, src, k, f.cfg.JitterXyz)
			b.spawnRow(f.rng, out[:spawn], tags[k], rng, stdRange)
			f.stats.BeaconResamples++
			f.stats.Spawned += spawn
		}
		if !forced {
			b.flipRow(k)
		}
	}
	if forced {
		for k := 0; k < b.nTag; k++ {
			b.flipRow(k)
		}
	}
	if collapsed > 0 {
		f.stats.Degeneracies += collapsed
		monitoring.Logf("particlefilter: %d beacon rows collapsed, recovered", collapsed)
	}
}
