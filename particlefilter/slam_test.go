package particlefilter

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSlam(t *testing.T, nTag, nBcn int, seed uint64) *SlamFilter {
	t.Helper()
	cfg := DefaultSlamConfig()
	cfg.TagParticles = nTag
	cfg.BeaconParticles = nBcn
	cfg.Seed = seeded(seed)
	f, err := NewSlamFilter(cfg)
	require.NoError(t, err)
	return f
}

func TestSlamStartsAtOrigin(t *testing.T) {
	f := newTestSlam(t, 10, 10, 1)
	assert.True(t, f.Initialized())
	e, ok := f.TagEstimate()
	require.True(t, ok)
	if diff := cmp.Diff(Estimate{}, e); diff != "" {
		t.Errorf("initial estimate (-want +got):\n%s", diff)
	}
}

func TestSlamBeaconNeverObserved(t *testing.T) {
	f := newTestSlam(t, 20, 50, 2)
	seen := f.AddBeacon()
	never := f.AddBeacon()

	for i := 0; i < 20; i++ {
		require.NoError(t, f.DepositMotion(float64(i), 0.1*float64(i), 0, 0, 0.1*float64(i)))
		require.NoError(t, f.DepositRange(seen, 3, 0.1))
		_, ok, err := f.BeaconEstimate(never)
		require.NoError(t, err)
		require.False(t, ok)
	}

	_, ok, err := f.BeaconEstimate(seen)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSlamUnknownBeacon(t *testing.T) {
	f := newTestSlam(t, 5, 5, 3)
	f.AddBeacon()

	_, _, err := f.BeaconEstimate(1)
	assert.ErrorIs(t, err, ErrUnknownBeacon)
	assert.ErrorIs(t, f.DepositRange(-1, 1, 0.1), ErrUnknownBeacon)
	assert.ErrorIs(t, f.DepositRssi(7, -60), ErrUnknownBeacon)
	assert.ErrorIs(t, f.DepositBeaconMotion(2, 0, 0, 0, 0, 0), ErrUnknownBeacon)
	assert.ErrorIs(t, f.DepositRange(0, math.Inf(1), 0.1), ErrInvalidInput)
	assert.Equal(t, 0, f.Stats().Updates)
}

func TestSlamFirstObservationInitializes(t *testing.T) {
	f := newTestSlam(t, 10, 200, 4)
	id := f.AddBeacon()
	require.NoError(t, f.DepositRange(id, 2, 0.05))

	b := f.beacons[id]
	require.True(t, b.initialized)
	tags := f.tag.particles()
	for k := range tags {
		for _, bp := range b.row(k) {
			dx := float64(bp.X - tags[k].X)
			dy := float64(bp.Y - tags[k].Y)
			dz := float64(bp.Z - tags[k].Z)
			require.InDelta(t, 2, math.Sqrt(dx*dx+dy*dy+dz*dz), 0.15+1e-4)
			require.Equal(t, float32(1), bp.W)
		}
	}
	assert.Zero(t, f.Stats().Resamples, "initialization does not resample")
}

// Row k of every initialized beacon must be redrawn from the row of tag
// particle k's ancestor whenever the tag layer resamples.
func TestSlamForcedBeaconResampleFollowsAncestors(t *testing.T) {
	cfg := DefaultSlamConfig()
	cfg.TagParticles = 4
	cfg.BeaconParticles = 8
	cfg.JitterXyz = 0
	cfg.Seed = seeded(5)
	f, err := NewSlamFilter(cfg)
	require.NoError(t, err)

	observed := f.AddBeacon()
	other := f.AddBeacon()
	require.NoError(t, f.DepositRange(other, 2, 0.1))
	require.NoError(t, f.DepositRange(observed, 2, 0.1))

	ob := f.beacons[other]
	for k := 0; k < ob.nTag; k++ {
		row := ob.row(k)
		for j := range row {
			row[j] = BeaconParticle{W: 1, X: float32(10 * k)}
		}
	}
	// Only tag particle 2 keeps any weight, so every ancestor is 2.
	ps := f.tag.particles()
	for k := range ps {
		ps[k].W = 0
	}
	ps[2].W = 1

	require.NoError(t, f.DepositRange(observed, 2, 0.1))
	assert.Equal(t, 1, f.Stats().Resamples)
	assert.Equal(t, []int{2, 2, 2, 2}, f.tag.ancestors)

	for k := 0; k < ob.nTag; k++ {
		for _, bp := range ob.row(k) {
			require.Equal(t, float32(20), bp.X, "row %d", k)
			require.Equal(t, float32(1), bp.W)
		}
	}
	assertNormalized(t, f.tag.particles())
}

func TestSlamUnforcedTouchesObservedOnly(t *testing.T) {
	f := newTestSlam(t, 6, 30, 6)
	observed := f.AddBeacon()
	other := f.AddBeacon()
	require.NoError(t, f.DepositRange(other, 3, 0.1))
	require.NoError(t, f.DepositRange(observed, 3, 0.1))

	ob := f.beacons[other]
	before := append([]uint8(nil), ob.rowActive...)
	snapshot := make([][]BeaconParticle, ob.nTag)
	for k := range snapshot {
		snapshot[k] = append([]BeaconParticle(nil), ob.row(k)...)
	}

	// All tag particles sit at the origin with identical rows of weight, so
	// the tag layer stays uniform and never resamples here.
	require.NoError(t, f.DepositRange(observed, 3, 0.1))
	require.Zero(t, f.Stats().Resamples)

	assert.Equal(t, before, ob.rowActive)
	for k := range snapshot {
		assert.Equal(t, snapshot[k], ob.row(k))
	}
}

func TestSlamMobileBeaconMoves(t *testing.T) {
	cfg := DefaultSlamConfig()
	cfg.TagParticles = 5
	cfg.BeaconParticles = 20
	cfg.Seed = seeded(7)
	f, err := NewSlamFilter(cfg)
	require.NoError(t, err)

	id := f.AddBeacon()
	require.NoError(t, f.DepositBeaconMotion(id, 0, 0, 0, 0, 0))
	require.NoError(t, f.DepositRange(id, 2, 0.1))

	b := f.beacons[id]
	zBefore := make([]float32, 0, b.nTag*b.nBcn)
	for k := 0; k < b.nTag; k++ {
		for _, bp := range b.row(k) {
			zBefore = append(zBefore, bp.Z)
		}
	}

	require.NoError(t, f.DepositBeaconMotion(id, 1, 0, 0, 1, 1))
	e1, ok, err := f.BeaconEstimate(id)
	require.NoError(t, err)
	require.True(t, ok)
	f.commitMotion()

	i := 0
	for k := 0; k < b.nTag; k++ {
		for _, bp := range b.row(k) {
			assert.InDelta(t, float64(zBefore[i])+1, float64(bp.Z), 0.01)
			i++
		}
	}
	e2, _, _ := f.BeaconEstimate(id)
	assert.InDelta(t, e1.Z, e2.Z, 1e-3, "pending offset matches committed motion")
}

func TestSlamRecoversFromCollapse(t *testing.T) {
	f := newTestSlam(t, 5, 20, 8)
	id := f.AddBeacon()
	require.NoError(t, f.DepositRange(id, 2, 0.1))

	ps := f.tag.particles()
	for k := range ps {
		ps[k].W = 0
	}
	require.NoError(t, f.DepositRange(id, 2, 0.1))
	assert.Equal(t, 1, f.Stats().Degeneracies)
	for _, p := range f.tag.particles() {
		assert.Equal(t, float32(1), p.W)
	}

	b := f.beacons[id]
	for k := 0; k < b.nTag; k++ {
		row := b.row(k)
		for j := range row {
			row[j].W = 0
		}
	}
	// Every row sums to zero, so every tag weight collapses as well.
	require.NoError(t, f.DepositRange(id, 2, 0.1))
	assert.Equal(t, 2, f.Stats().Degeneracies)
	_, ok, err := f.BeaconEstimate(id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSlamRowCollapseRespawnsRow(t *testing.T) {
	f := newTestSlam(t, 4, 10, 9)
	id := f.AddBeacon()
	require.NoError(t, f.DepositRange(id, 2, 0.1))

	b := f.beacons[id]
	row := b.row(1)
	for j := range row {
		row[j].W = 0
	}
	require.NoError(t, f.DepositRange(id, 2, 0.1))

	// Tag particle 1 lost all mass; the others carry it.
	assert.Equal(t, 1, f.Stats().Degeneracies)
	for k := 0; k < b.nTag; k++ {
		var sum float64
		for _, bp := range b.row(k) {
			require.False(t, math.IsNaN(float64(bp.W)))
			sum += float64(bp.W)
		}
		assert.Greater(t, sum, 0.0, "row %d", k)
	}
}

func TestSlamDeterministic(t *testing.T) {
	run := func() []Estimate {
		f := newTestSlam(t, 20, 40, 42)
		a := f.AddBeacon()
		b := f.AddBeacon()
		var out []Estimate
		for i := 0; i < 25; i++ {
			ts := float64(i) * 0.2
			require.NoError(t, f.DepositMotion(ts, 0.1*float64(i), 0.02*float64(i), 0, 0.11*float64(i)))
			id := a
			if i%2 == 1 {
				id = b
			}
			require.NoError(t, f.DepositRange(id, 2+0.05*float64(i%5), 0.1))
			te, ok := f.TagEstimate()
			require.True(t, ok)
			be, ok, err := f.BeaconEstimate(a)
			require.NoError(t, err)
			require.True(t, ok)
			out = append(out, te, be)
		}
		return out
	}
	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Errorf("runs differ (-first +second):\n%s", diff)
	}
}

func TestSlamWeightsStayNormalized(t *testing.T) {
	f := newTestSlam(t, 30, 30, 10)
	ids := []BeaconID{f.AddBeacon(), f.AddBeacon(), f.AddBeacon()}
	for i := 0; i < 40; i++ {
		require.NoError(t, f.DepositMotion(float64(i), 0.2*float64(i), 0, 0, 0.2*float64(i)))
		require.NoError(t, f.DepositRange(ids[i%3], 1+float64(i%4), 0.2))
		assertNormalized(t, f.tag.particles())
		if i < len(ids) {
			continue // first sighting of each beacon only initializes it
		}
		st := f.Stats()
		assert.GreaterOrEqual(t, st.LastESS, 1.0)
		assert.LessOrEqual(t, st.LastESS, 30.0)
	}
	require.NoError(t, f.DepositRssi(ids[0], -70))
	assertNormalized(t, f.tag.particles())
}

func TestSlamOverflowingMotionRespawns(t *testing.T) {
	f := newTestSlam(t, 10, 20, 12)
	id := f.AddBeacon()
	require.NoError(t, f.DepositRange(id, 2, 0.1))

	require.NoError(t, f.DepositMotion(0, -3e38, 0, 0, 0))
	require.NoError(t, f.DepositMotion(1, 3e38, 0, 0, 0))
	require.NoError(t, f.DepositRange(id, 2, 0.1))
	assert.Equal(t, 1, f.Stats().Degeneracies)

	e, ok := f.TagEstimate()
	require.True(t, ok)
	assert.True(t, finite(e.X, e.Y, e.Z, e.Heading), "estimate %+v", e)
	be, ok, err := f.BeaconEstimate(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, finite(be.X, be.Y, be.Z), "beacon %+v", be)
}

func TestSlamSpawnsIntoObservedRow(t *testing.T) {
	tests := []struct {
		name      string
		rng       float64
		wantSpawn int
	}{
		{"close", 2, 5},
		{"at spawn radius", RadiusSpawnThresh, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestSlam(t, 6, 100, 13)
			id := f.AddBeacon()
			require.NoError(t, f.DepositRange(id, tt.rng, 0.1))
			initial := f.Stats().Spawned

			// Tag particles stay at the origin; every beacon particle sits
			// exactly on the observed range with a starving weight.
			b := f.beacons[id]
			for k := 0; k < b.nTag; k++ {
				row := b.row(k)
				for j := range row {
					row[j] = BeaconParticle{W: 0.2, X: float32(tt.rng)}
				}
			}

			require.NoError(t, f.DepositRange(id, tt.rng, 0.1))
			st := f.Stats()
			assert.Zero(t, st.Resamples, "tag layer stays uniform")
			assert.Equal(t, tt.wantSpawn*b.nTag, st.Spawned-initial)
			if tt.wantSpawn == 0 {
				assert.Zero(t, st.BeaconResamples)
			} else {
				assert.Equal(t, b.nTag, st.BeaconResamples)
			}

			for k := 0; k < b.nTag; k++ {
				for j, bp := range b.row(k) {
					require.Equal(t, float32(1), bp.W)
					r := math.Sqrt(float64(bp.X*bp.X + bp.Y*bp.Y + bp.Z*bp.Z))
					dc := math.Sqrt(math.Pow(float64(bp.X)-tt.rng, 2) + float64(bp.Y*bp.Y+bp.Z*bp.Z))
					if j < tt.wantSpawn {
						require.InDelta(t, tt.rng, r, stdGate*0.1+1e-4, "row %d spawned %d", k, j)
						continue
					}
					require.Less(t, dc, 0.7, "row %d particle %d", k, j)
				}
			}
		})
	}
}
