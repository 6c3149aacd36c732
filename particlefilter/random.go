package particlefilter

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	uniformBits  = 24
	uniformScale = 1 << uniformBits
	pcgStream    = 0x9e3779b97f4a7c15
)

var processSeed struct {
	mu   sync.Mutex
	seed uint64
	set  bool
}

// SetSeed fixes the seed used by every filter constructed afterwards without
// an explicit Config.Seed. Without it, filters seed from wall-clock time and
// runs are not reproducible.
func SetSeed(seed uint64) {
	processSeed.mu.Lock()
	processSeed.seed = seed
	processSeed.set = true
	processSeed.mu.Unlock()
}

func defaultSeed() uint64 {
	processSeed.mu.Lock()
	defer processSeed.mu.Unlock()
	if processSeed.set {
		return processSeed.seed
	}
	return uint64(time.Now().UnixNano())
}

// Random is the sample generator owned by a single filter.
type Random struct {
	r *rand.Rand
}

func NewRandom(seed uint64) *Random {
	return &Random{r: rand.New(rand.NewPCG(seed, seed^pcgStream))}
}

// Uniform returns a sample in [0, 1).
func (g *Random) Uniform() float32 {
	return float32(g.r.Uint32()>>(32-uniformBits)) / uniformScale
}

// uniformNonzero returns a sample in (0, 1], safe to pass to log.
func (g *Random) uniformNonzero() float64 {
	return (float64(g.r.Uint32()>>(32-uniformBits)) + 1) / uniformScale
}

// NormalPair returns two independent standard normal samples (Box-Muller).
func (g *Random) NormalPair() (float32, float32) {
	f := math.Sqrt(-2 * math.Log(g.uniformNonzero()))
	a := g.uniformNonzero() * twoPi
	return float32(f * math.Cos(a)), float32(f * math.Sin(a))
}

// SpherePoint samples an offset whose radius is range ± 3·stdRange and whose
// direction is uniform on the sphere.
func (g *Random) SpherePoint(rng, stdRange float64) (dx, dy, dz float64) {
	rad := 0.0
	for i := 0; i < sphereRetries; i++ {
		r := rng + stdGate*stdRange*(float64(g.Uniform())*2-1)
		if r < 0 {
			continue
		}
		rad = r
		break
	}

	elev := math.Asin(float64(g.Uniform())*2 - 1)
	azim := float64(g.Uniform()) * twoPi

	c := rad * math.Cos(elev)
	return c * math.Cos(azim), c * math.Sin(azim), rad * math.Sin(elev)
}
