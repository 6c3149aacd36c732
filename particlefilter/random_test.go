package particlefilter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestRandomDeterministic(t *testing.T) {
	a, b := NewRandom(123456789), NewRandom(123456789)
	for i := 0; i < 1000; i++ {
		require.Equal(t, a.Uniform(), b.Uniform())
	}
	x1, y1 := a.NormalPair()
	x2, y2 := b.NormalPair()
	assert.Equal(t, x1, x2)
	assert.Equal(t, y1, y2)
}

func TestUniformRange(t *testing.T) {
	g := NewRandom(1)
	for i := 0; i < 100000; i++ {
		u := g.Uniform()
		require.GreaterOrEqual(t, u, float32(0))
		require.Less(t, u, float32(1))

		v := g.uniformNonzero()
		require.Greater(t, v, 0.0)
		require.LessOrEqual(t, v, 1.0)
	}
}

func TestNormalPairMoments(t *testing.T) {
	g := NewRandom(42)
	xs := make([]float64, 0, 40000)
	for i := 0; i < 20000; i++ {
		a, b := g.NormalPair()
		require.False(t, math.IsNaN(float64(a)) || math.IsInf(float64(a), 0))
		require.False(t, math.IsNaN(float64(b)) || math.IsInf(float64(b), 0))
		xs = append(xs, float64(a), float64(b))
	}
	mean, std := stat.MeanStdDev(xs, nil)
	assert.InDelta(t, 0, mean, 0.03)
	assert.InDelta(t, 1, std, 0.03)
}

func TestSpherePoint(t *testing.T) {
	g := NewRandom(7)

	t.Run("radius within band", func(t *testing.T) {
		for i := 0; i < 5000; i++ {
			dx, dy, dz := g.SpherePoint(5, 0.1)
			r := math.Sqrt(dx*dx + dy*dy + dz*dz)
			require.InDelta(t, 5, r, 0.3+1e-9)
		}
	})

	t.Run("direction is uniform", func(t *testing.T) {
		var zs []float64
		for i := 0; i < 20000; i++ {
			_, _, dz := g.SpherePoint(1, 0)
			zs = append(zs, dz)
		}
		// z of a uniform point on the unit sphere is uniform on [-1, 1].
		mean, std := stat.MeanStdDev(zs, nil)
		assert.InDelta(t, 0, mean, 0.02)
		assert.InDelta(t, 1/math.Sqrt(3), std, 0.02)
	})

	t.Run("negative radius clamps to zero", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			dx, dy, dz := g.SpherePoint(-10, 0.1)
			assert.Zero(t, dx)
			assert.Zero(t, dy)
			assert.Zero(t, dz)
		}
	})
}

func TestSetSeed(t *testing.T) {
	SetSeed(99)
	t.Cleanup(func() {
		processSeed.mu.Lock()
		processSeed.set = false
		processSeed.mu.Unlock()
	})

	cfg := DefaultLocConfig()
	cfg.TagParticles = 10
	f1, err := NewLocFilter(cfg)
	require.NoError(t, err)
	f2, err := NewLocFilter(cfg)
	require.NoError(t, err)
	assert.Equal(t, f1.rng.Uniform(), f2.rng.Uniform())

	explicit := uint64(5)
	cfg.Seed = &explicit
	f3, err := NewLocFilter(cfg)
	require.NoError(t, err)
	assert.Equal(t, NewRandom(5).Uniform(), f3.rng.Uniform())
}
