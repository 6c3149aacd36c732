package particlefilter

import (
	"fmt"

	"slam3d-go/monitoring"
)

// LocFilter localizes a tag against anchors whose positions are supplied
// with every observation.
type LocFilter struct {
	cfg         Config
	rng         *Random
	tag         *tagState
	initialized bool
	stats       Stats
}

// NewLocFilter returns an uninitialized filter. The population is spawned
// around the anchor of the first range or RSSI observation.
func NewLocFilter(cfg Config) (*LocFilter, error) {
	if err := cfg.Validate(false); err != nil {
		return nil, err
	}
	return &LocFilter{
		cfg: cfg,
		rng: NewRandom(cfg.seed()),
		tag: newTagState(cfg.TagParticles),
	}, nil
}

// DepositMotion buffers an odometry sample. It is applied to the particles
// on the next observation.
func (f *LocFilter) DepositMotion(t, x, y, z, dist float64) error {
	if err := checkMotion(t, x, y, z, dist); err != nil {
		return err
	}
	f.tag.odo.deposit(t, x, y, z, dist)
	return nil
}

// DepositRange applies a range observation to the anchor at a.
func (f *LocFilter) DepositRange(a Point, rng, stdRange float64) error {
	if err := checkAnchor(a); err != nil {
		return err
	}
	if err := checkObservation(rng, stdRange); err != nil {
		return err
	}
	f.update(a, rng, stdRange)
	return nil
}

// DepositRssi applies a proximity observation to the anchor at a.
func (f *LocFilter) DepositRssi(a Point, rssi float64) error {
	if err := checkAnchor(a); err != nil {
		return err
	}
	if err := checkRssi(rssi); err != nil {
		return err
	}
	f.update(a, RssiRange, RssiStdRange)
	return nil
}

// TagEstimate returns the current pose, or false before the first
// observation.
func (f *LocFilter) TagEstimate() (Estimate, bool) {
	if !f.initialized {
		return Estimate{}, false
	}
	return tagEstimate(f.tag)
}

func (f *LocFilter) Initialized() bool { return f.initialized }
func (f *LocFilter) Stats() Stats      { return f.stats }

func (f *LocFilter) update(a Point, rng, stdRange float64) {
	f.stats.Updates++
	d := f.tag.odo.commit()
	if !f.initialized {
		f.spawnAll(a, rng, stdRange)
		f.initialized = true
		return
	}

	moveTags(f.rng, f.tag.particles(), d, f.cfg.StdXyz, f.cfg.StdTheta)
	weighRangeKnown(f.tag.particles(), a, rng, stdRange)
	f.resample(a, rng, stdRange)
}

func (f *LocFilter) spawnAll(a Point, rng, stdRange float64) {
	ps := f.tag.particles()
	for i := range ps {
		ps[i] = spawnTagFromRange(f.rng, a, rng, stdRange)
	}
}

func (f *LocFilter) resample(a Point, rng, stdRange float64) {
	st := f.tag.stats()
	if !st.healthy() {
		f.stats.Degeneracies++
		monitoring.Logf("particlefilter: tag weights collapsed (sum=%g), respawning around anchor (%.2f,%.2f,%.2f) r=%.2f",
			st.sum, a.X, a.Y, a.Z, rng)
		f.spawnAll(a, rng, stdRange)
		f.stats.Spawned += f.tag.size()
		f.stats.LastESS = float64(f.tag.size())
		return
	}
	f.stats.LastESS = st.ess()

	spawn := f.cfg.spawnCount(st, rng)
	if spawn == 0 && !f.cfg.wantsResample(st) {
		f.tag.renormalize(st)
		return
	}

	f.tag.resample(f.rng, st, f.cfg.JitterXyz)
	f.stats.Resamples++
	ps := f.tag.particles()
	for i := 0; i < spawn; i++ {
		ps[i] = spawnTagFromRange(f.rng, a, rng, stdRange)
	}
	f.stats.Spawned += spawn
}

func checkAnchor(a Point) error {
	if !finite(a.X, a.Y, a.Z) {
		return fmt.Errorf("%w: non-finite anchor position", ErrInvalidInput)
	}
	return nil
}
