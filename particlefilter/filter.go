// Package particlefilter estimates the pose of a mobile tag, and optionally
// the positions of beacons around it, by fusing odometry deltas with range
// and RSSI observations in a sequential Monte Carlo filter.
//
// Two variants share the same machinery. LocFilter localizes a tag against
// anchors at known positions. SlamFilter estimates the tag and every beacon
// jointly, holding one set of beacon particles per tag particle.
//
// Filters are not safe for concurrent use.
package particlefilter

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidConfig = errors.New("invalid filter config")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownBeacon = errors.New("unknown beacon")
)

// Config holds the tunables of a filter.
type Config struct {
	TagParticles    int
	BeaconParticles int // SLAM only

	StdXyz   float64 // position noise per sqrt(metre) travelled
	StdTheta float64 // heading noise per sqrt(second) elapsed

	ResampleThresh float64 // resample when ESS/N < ResampleThresh
	SpawnRadius    float64 // spawn only when the observed range is below this
	SpawnWeight    float64 // spawn when the mean weight is below this
	SpawnFraction  float64 // share of the population respawned
	JitterXyz      float64 // position jitter after resampling

	// Seed overrides the process-wide seed set by SetSeed.
	Seed *uint64
}

func baseConfig() Config {
	return Config{
		StdXyz:         VioStdXyz,
		StdTheta:       VioStdTheta,
		ResampleThresh: ResampleThresh,
		SpawnRadius:    RadiusSpawnThresh,
		SpawnWeight:    WeightSpawnThresh,
		SpawnFraction:  PctSpawn,
		JitterXyz:      HXyz,
	}
}

// DefaultLocConfig returns the configuration of the known-anchor variant.
func DefaultLocConfig() Config {
	c := baseConfig()
	c.TagParticles = DefaultTagParticlesLoc
	return c
}

// DefaultSlamConfig returns the configuration of the joint variant.
func DefaultSlamConfig() Config {
	c := baseConfig()
	c.TagParticles = DefaultTagParticlesSlam
	c.BeaconParticles = DefaultBeaconParticles
	return c
}

// Validate checks the config. slam selects the joint variant's requirements.
func (c *Config) Validate(slam bool) error {
	if c.TagParticles < 1 {
		return fmt.Errorf("%w: tag particles must be positive, got %d", ErrInvalidConfig, c.TagParticles)
	}
	if slam && c.BeaconParticles < 1 {
		return fmt.Errorf("%w: beacon particles must be positive, got %d", ErrInvalidConfig, c.BeaconParticles)
	}
	if !finite(c.StdXyz, c.StdTheta, c.ResampleThresh, c.SpawnRadius, c.SpawnWeight, c.SpawnFraction, c.JitterXyz) {
		return fmt.Errorf("%w: non-finite parameter", ErrInvalidConfig)
	}
	if c.StdXyz < 0 || c.StdTheta < 0 || c.JitterXyz < 0 {
		return fmt.Errorf("%w: noise terms must be non-negative", ErrInvalidConfig)
	}
	if c.ResampleThresh < 0 || c.ResampleThresh > 1 {
		return fmt.Errorf("%w: resample threshold must be in [0,1], got %g", ErrInvalidConfig, c.ResampleThresh)
	}
	if c.SpawnFraction < 0 || c.SpawnFraction > 1 {
		return fmt.Errorf("%w: spawn fraction must be in [0,1], got %g", ErrInvalidConfig, c.SpawnFraction)
	}
	return nil
}

func (c *Config) seed() uint64 {
	if c.Seed != nil {
		return *c.Seed
	}
	return defaultSeed()
}

// Estimate is a point estimate in the filter's working frame.
type Estimate struct {
	T       float64
	X, Y, Z float64
	Heading float64
}

// Stats counts what the filter has done since construction.
type Stats struct {
	Updates         int     // range/RSSI observations applied
	Resamples       int     // tag-layer resamples
	BeaconResamples int     // beacon rows resampled
	Spawned         int     // particles injected from observations
	Degeneracies    int     // weight collapses recovered from
	LastESS         float64 // tag-layer ESS at the last update
}

func checkObservation(rng, std float64) error {
	if !finite(rng, std) {
		return fmt.Errorf("%w: non-finite range %g ± %g", ErrInvalidInput, rng, std)
	}
	if rng < 0 || std < 0 {
		return fmt.Errorf("%w: negative range %g ± %g", ErrInvalidInput, rng, std)
	}
	return nil
}

func checkMotion(t, x, y, z, dist float64) error {
	if !finite(t, x, y, z, dist) {
		return fmt.Errorf("%w: non-finite motion sample", ErrInvalidInput)
	}
	if math.Abs(x) > math.MaxFloat32 || math.Abs(y) > math.MaxFloat32 ||
		math.Abs(z) > math.MaxFloat32 || math.Abs(dist) > math.MaxFloat32 {
		return fmt.Errorf("%w: motion sample out of range", ErrInvalidInput)
	}
	return nil
}

func checkRssi(rssi float64) error {
	if !finite(rssi) {
		return fmt.Errorf("%w: non-finite rssi", ErrInvalidInput)
	}
	return nil
}
