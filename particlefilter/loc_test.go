package particlefilter

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(seed uint64) *uint64 { return &seed }

func newTestLoc(t *testing.T, n int, seed uint64) *LocFilter {
	t.Helper()
	cfg := DefaultLocConfig()
	cfg.TagParticles = n
	cfg.Seed = seeded(seed)
	f, err := NewLocFilter(cfg)
	require.NoError(t, err)
	return f
}

// assertNormalized checks that weights are either all exactly one (resampled)
// or average to one (renormalized).
func assertNormalized(t *testing.T, ps []TagParticle) {
	t.Helper()
	allOne := true
	var sum float64
	for _, p := range ps {
		require.False(t, math.IsNaN(float64(p.W)))
		if p.W != 1 {
			allOne = false
		}
		sum += float64(p.W)
	}
	if !allOne {
		assert.InDelta(t, 1, sum/float64(len(ps)), 1e-4)
	}
}

func TestLocUninitialized(t *testing.T) {
	f := newTestLoc(t, 1000, 1)
	require.NoError(t, f.DepositMotion(0, 0, 0, 0, 0))
	_, ok := f.TagEstimate()
	assert.False(t, ok)
	assert.False(t, f.Initialized())

	require.NoError(t, f.DepositRange(Point{X: 1, Y: 2, Z: 3}, 2, 0.1))
	assert.True(t, f.Initialized())

	e, ok := f.TagEstimate()
	require.True(t, ok)
	// Spawned on a sphere around the anchor, so the mean is near its centre.
	assert.InDelta(t, 1, e.X, 0.3)
	assert.InDelta(t, 2, e.Y, 0.3)
	assert.InDelta(t, 3, e.Z, 0.3)
}

// cloudAt replaces the population by a Gaussian cloud around c.
func cloudAt(f *LocFilter, c Point, std float64) {
	ps := f.tag.particles()
	for i := range ps {
		dx, dy := f.rng.NormalPair()
		dz, _ := f.rng.NormalPair()
		ps[i] = TagParticle{
			W: 1,
			X: float32(c.X + std*float64(dx)),
			Y: float32(c.Y + std*float64(dy)),
			Z: float32(c.Z + std*float64(dz)),
		}
	}
	f.initialized = true
}

func TestLocConvergesOnStationaryTag(t *testing.T) {
	f := newTestLoc(t, 1000, 123456789)
	cloudAt(f, Point{X: 5}, 0.5)

	beacon := Point{}
	for i := 0; i < 50; i++ {
		require.NoError(t, f.DepositRange(beacon, 5.0, 0.1))
		assertNormalized(t, f.tag.particles())
	}

	e, ok := f.TagEstimate()
	require.True(t, ok)
	err := math.Sqrt((e.X-5)*(e.X-5) + e.Y*e.Y + e.Z*e.Z)
	assert.Less(t, err, 0.5, "estimate %+v", e)
	assert.Greater(t, f.Stats().Resamples, 0)
}

func TestLocDeterministic(t *testing.T) {
	run := func() []Estimate {
		f := newTestLoc(t, 500, 42)
		var out []Estimate
		for i := 0; i < 30; i++ {
			ts := float64(i) * 0.1
			require.NoError(t, f.DepositMotion(ts, 0.05*float64(i), 0, 0, 0.05*float64(i)))
			require.NoError(t, f.DepositRange(Point{X: float64(i % 3)}, 2+0.01*float64(i), 0.1))
			e, ok := f.TagEstimate()
			require.True(t, ok)
			out = append(out, e)
		}
		return out
	}
	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Errorf("runs differ (-first +second):\n%s", diff)
	}
}

func TestLocIdempotentQuery(t *testing.T) {
	f := newTestLoc(t, 200, 8)
	require.NoError(t, f.DepositMotion(0, 0, 0, 0, 0))
	require.NoError(t, f.DepositRange(Point{}, 3, 0.2))
	require.NoError(t, f.DepositMotion(1, 0.5, 0.2, 0, 0.6))

	a, okA := f.TagEstimate()
	b, okB := f.TagEstimate()
	assert.True(t, okA && okB)
	assert.Equal(t, a, b)
	assert.Equal(t, 1.0, a.T)
}

func TestLocHeadingWrapsAfterMotion(t *testing.T) {
	cfg := DefaultLocConfig()
	cfg.TagParticles = 500
	cfg.StdTheta = 50
	cfg.Seed = seeded(5)
	f, err := NewLocFilter(cfg)
	require.NoError(t, err)

	require.NoError(t, f.DepositRange(Point{}, 1, 0.1))
	for i := 1; i <= 20; i++ {
		require.NoError(t, f.DepositMotion(float64(i)*10, float64(i), 0, 0, float64(i)))
		require.NoError(t, f.DepositRange(Point{}, 1, 0.1))
		for _, p := range f.tag.particles() {
			require.GreaterOrEqual(t, p.Theta, float32(0))
			require.Less(t, p.Theta, float32(twoPi))
		}
	}
}

func TestLocOutlierKeepsEstimateFinite(t *testing.T) {
	f := newTestLoc(t, 1000, 77)
	cloudAt(f, Point{X: 5}, 0.5)
	for i := 0; i < 10; i++ {
		require.NoError(t, f.DepositRange(Point{}, 5, 0.1))
	}
	before := f.tag.stats().ess()

	require.NoError(t, f.DepositRange(Point{}, 10000, 0.1))
	after := f.Stats().LastESS
	assert.LessOrEqual(t, after, before+1e-6)
	assert.GreaterOrEqual(t, after, 1.0)

	e, ok := f.TagEstimate()
	require.True(t, ok)
	for _, v := range []float64{e.X, e.Y, e.Z, e.Heading} {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
	assertNormalized(t, f.tag.particles())
}

func TestLocRecoversFromCollapse(t *testing.T) {
	f := newTestLoc(t, 100, 3)
	require.NoError(t, f.DepositRange(Point{}, 2, 0.1))
	for i := range f.tag.particles() {
		f.tag.particles()[i].W = 0
	}

	require.NoError(t, f.DepositRange(Point{X: 10}, 2, 0.1))
	assert.Equal(t, 1, f.Stats().Degeneracies)

	e, ok := f.TagEstimate()
	require.True(t, ok)
	assert.InDelta(t, 10, e.X, 0.5)
}

func TestLocRejectsInvalidInput(t *testing.T) {
	f := newTestLoc(t, 50, 9)
	require.NoError(t, f.DepositMotion(0, 0, 0, 0, 0))
	require.NoError(t, f.DepositRange(Point{}, 2, 0.1))

	snapshot := append([]TagParticle(nil), f.tag.particles()...)
	odo := f.tag.odo
	stats := f.Stats()

	nan := math.NaN()
	errs := []error{
		f.DepositRange(Point{}, -1, 0.1),
		f.DepositRange(Point{}, 1, -0.1),
		f.DepositRange(Point{}, nan, 0.1),
		f.DepositRange(Point{X: math.Inf(1)}, 1, 0.1),
		f.DepositRssi(Point{}, nan),
		f.DepositMotion(nan, 0, 0, 0, 0),
		f.DepositMotion(1, 0, math.Inf(-1), 0, 0),
		f.DepositMotion(1, 0, 0, 0, 1e300),
	}
	for i, err := range errs {
		assert.True(t, errors.Is(err, ErrInvalidInput), "case %d: %v", i, err)
	}

	assert.Equal(t, snapshot, f.tag.particles())
	assert.Equal(t, odo, f.tag.odo)
	assert.Equal(t, stats, f.Stats())
}

func TestLocRssiUsesProximityBand(t *testing.T) {
	f := newTestLoc(t, 2000, 21)
	require.NoError(t, f.DepositRssi(Point{X: 1, Y: 1}, -60))
	for _, p := range f.tag.particles() {
		r := math.Sqrt(math.Pow(float64(p.X)-1, 2) + math.Pow(float64(p.Y)-1, 2) + float64(p.Z*p.Z))
		require.InDelta(t, RssiRange, r, stdGate*RssiStdRange+1e-4)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		slam   bool
	}{
		{"zero tag particles", func(c *Config) { c.TagParticles = 0 }, false},
		{"zero beacon particles", func(c *Config) { c.BeaconParticles = 0 }, true},
		{"negative noise", func(c *Config) { c.StdXyz = -1 }, false},
		{"nan jitter", func(c *Config) { c.JitterXyz = math.NaN() }, false},
		{"threshold above one", func(c *Config) { c.ResampleThresh = 1.5 }, false},
		{"spawn fraction negative", func(c *Config) { c.SpawnFraction = -0.1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSlamConfig()
			tt.mutate(&cfg)
			err := cfg.Validate(tt.slam)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	loc := DefaultLocConfig()
	assert.NoError(t, loc.Validate(false))
	assert.Error(t, loc.Validate(true), "loc config has no beacon particles")
	slam := DefaultSlamConfig()
	assert.NoError(t, slam.Validate(true))
}

func TestLocOverflowingMotionRespawns(t *testing.T) {
	f := newTestLoc(t, 100, 11)
	require.NoError(t, f.DepositRange(Point{}, 2, 0.1))

	// Both samples are in range; their difference is not.
	require.NoError(t, f.DepositMotion(0, -3e38, 0, 0, 0))
	require.NoError(t, f.DepositMotion(1, 3e38, 0, 0, 0))
	if e, ok := f.TagEstimate(); ok {
		assert.True(t, finite(e.X, e.Y, e.Z, e.Heading), "estimate %+v", e)
	}

	require.NoError(t, f.DepositRange(Point{}, 2, 0.1))
	assert.Equal(t, 1, f.Stats().Degeneracies)
	for _, p := range f.tag.particles() {
		require.True(t, finite(float64(p.X), float64(p.Y), float64(p.Z), float64(p.W)))
	}

	e, ok := f.TagEstimate()
	require.True(t, ok)
	assert.True(t, finite(e.X, e.Y, e.Z, e.Heading), "estimate %+v", e)
	assert.InDelta(t, 0, e.X, 0.5)
	assert.InDelta(t, 0, e.Y, 0.5)
}

// atPoint puts every tag particle on c with weight w and zero heading.
func atPoint(f *LocFilter, c Point, w float32) {
	ps := f.tag.particles()
	for i := range ps {
		ps[i] = TagParticle{W: w, X: float32(c.X), Y: float32(c.Y), Z: float32(c.Z)}
	}
	f.initialized = true
}

func TestLocSpawnsWhenStarvingNearObservation(t *testing.T) {
	tests := []struct {
		name      string
		rng       float64
		wantSpawn int
	}{
		{"close", 2, 10},
		{"at spawn radius", RadiusSpawnThresh, 0},
		{"far", 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestLoc(t, 200, 31)
			c := Point{X: tt.rng}
			// Uniform weights keep ESS at N; only the low mean can trigger.
			atPoint(f, c, 0.2)

			require.NoError(t, f.DepositRange(Point{}, tt.rng, 0.1))
			st := f.Stats()
			assert.Equal(t, tt.wantSpawn, st.Spawned)
			assert.InDelta(t, float64(len(f.tag.particles())), st.LastESS, 1e-6)
			for _, p := range f.tag.particles() {
				require.Equal(t, float32(1), p.W)
			}

			ps := f.tag.particles()
			if tt.wantSpawn == 0 {
				assert.Zero(t, st.Resamples)
				for _, p := range ps {
					require.Equal(t, float32(c.X), p.X)
				}
				return
			}

			assert.Equal(t, 1, st.Resamples)
			farFromCloud := 0
			for i, p := range ps {
				r := math.Sqrt(float64(p.X*p.X + p.Y*p.Y + p.Z*p.Z))
				dc := math.Sqrt(math.Pow(float64(p.X)-c.X, 2) + float64(p.Y*p.Y+p.Z*p.Z))
				if i < tt.wantSpawn {
					require.InDelta(t, tt.rng, r, stdGate*0.1+1e-4, "spawned particle %d", i)
					if dc > 1 {
						farFromCloud++
					}
					continue
				}
				require.Less(t, dc, 0.7, "resampled particle %d", i)
			}
			assert.Positive(t, farFromCloud, "spawned particles spread over the sphere")
		})
	}
}
