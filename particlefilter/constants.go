package particlefilter

import "math"

// Population sizes used by the reference deployments.
const (
	DefaultTagParticlesLoc  = 10000
	DefaultTagParticlesSlam = 100
	DefaultBeaconParticles  = 1000
)

// Estimator constants. Noise terms are per sqrt(metre) of odometer distance
// and per sqrt(second) of elapsed time respectively.
const (
	VioStdXyz   = 1e-3
	VioStdTheta = 1e-6

	ResampleThresh    = 0.5  // resample when ESS/N drops below this
	RadiusSpawnThresh = 4.0  // metres; spawn only for close observations
	WeightSpawnThresh = 0.4  // mean weight below which the cloud is starving
	PctSpawn          = 0.05 // fraction of the population respawned
	HXyz              = 0.1  // position jitter applied on resample

	// RSSI observations carry no metric range; they are scored as a
	// proximity fix against this placeholder band.
	RssiRange    = 1.5
	RssiStdRange = 0.5

	nearFieldRange   = 3.0
	nearFieldPenalty = 0.1
	farFieldPenalty  = 0.5

	stdGate = 3.0 // observation band half-width in std units

	resultantFloor = 1e-10
	sphereRetries  = 10
)

const twoPi = 2 * math.Pi

// minWeight returns the multiplicative penalty for a particle outside the
// observation band. Near-field ranges are trusted more and penalized harder.
func minWeight(rng float64) float32 {
	if rng < nearFieldRange {
		return nearFieldPenalty
	}
	return farFieldPenalty
}

// clamp returns x within [min, max].
func clamp(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}

// wrapAngle maps theta into [0, 2π). Non-finite input maps to 0.
func wrapAngle(theta float64) float32 {
	if !finite(theta) {
		return 0
	}
	t := math.Mod(theta, twoPi)
	if t < 0 {
		t += twoPi
	}
	w := float32(t)
	// float32 rounding can land exactly on 2π.
	if w >= float32(twoPi) || w < 0 {
		return 0
	}
	return w
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
