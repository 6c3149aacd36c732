package particlefilter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOdometryMonotonic(t *testing.T) {
	var o odometry
	samples := []struct {
		t, x, y, z, dist float64
	}{
		{0, 0, 0, 0, 0},
		{1, 1, 0, 0, 1},
		{2, 1, 1, 0, 1},   // odometer stalled: add displacement
		{3, 1, 1, 0, 0.5}, // odometer went backwards: still non-decreasing
		{4, 4, 5, 0, 2},   // not above the accumulated 2.0: add 5 m
		{5, 4, 5, 0, 10},
	}
	prev := -1.0
	for _, s := range samples {
		o.deposit(s.t, s.x, s.y, s.z, s.dist)
		require.GreaterOrEqual(t, o.last.Dist, prev)
		prev = o.last.Dist
	}
	assert.Equal(t, 10.0, o.last.Dist)
}

func TestOdometryCommit(t *testing.T) {
	var o odometry
	o.deposit(1, 0, 0, 0, 0)
	o.deposit(2, 3, 4, 0, 0)

	dx, dy, dz := o.pending()
	assert.Equal(t, []float64{3, 4, 0}, []float64{dx, dy, dz})

	d := o.commit()
	assert.Equal(t, motionDelta{dt: 1, dx: 3, dy: 4, dz: 0, ddist: 5}, d)

	dx, dy, dz = o.pending()
	assert.Zero(t, dx+dy+dz)
	assert.Equal(t, motionDelta{}, o.commit())
}

func TestTagStateSwap(t *testing.T) {
	s := newTagState(4)
	s.particles()[0].X = 1
	s.scratch()[0].X = 2
	s.swap()
	assert.Equal(t, float32(2), s.particles()[0].X)
	assert.Equal(t, float32(1), s.scratch()[0].X)
	assert.Equal(t, 4, s.size())
}

func TestBeaconRowsFlipIndependently(t *testing.T) {
	b := newBeaconState(3, 2)
	for k := 0; k < 3; k++ {
		b.row(k)[0].X = float32(k)
		b.scratchRow(k)[0].X = float32(10 + k)
	}
	b.flipRow(1)

	assert.Equal(t, float32(0), b.row(0)[0].X)
	assert.Equal(t, float32(11), b.row(1)[0].X)
	assert.Equal(t, float32(2), b.row(2)[0].X)
	assert.Equal(t, float32(1), b.scratchRow(1)[0].X)
	assert.Len(t, b.row(2), 2)
}

func TestWrapAngle(t *testing.T) {
	cases := []float64{0, 1, math.Pi, twoPi, -0.1, -twoPi, 7 * math.Pi, -1e6, 1e6, math.Nextafter(twoPi, 0)}
	for _, c := range cases {
		w := wrapAngle(c)
		assert.GreaterOrEqual(t, w, float32(0), "theta=%g", c)
		assert.Less(t, w, float32(twoPi), "theta=%g", c)
	}
	assert.InDelta(t, twoPi-0.1, float64(wrapAngle(-0.1)), 1e-6)

	for _, c := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.Zero(t, wrapAngle(c), "theta=%g", c)
	}
}

func TestOdometryKeepsWideDeltas(t *testing.T) {
	var o odometry
	o.deposit(0, -3e38, 0, 0, 0)
	o.deposit(1, 3e38, 0, 0, 0)

	dx, _, _ := o.pending()
	assert.Equal(t, 6e38, dx)
	d := o.commit()
	assert.True(t, finite(d.dx, d.dy, d.dz, d.ddist))
	assert.Equal(t, 1.0, d.dt)
}

func TestDisplaceRejectsOverflow(t *testing.T) {
	x, y, z, ok := displace(1, 2, 3, 0.5, -0.5, 1)
	require.True(t, ok)
	assert.Equal(t, []float32{1.5, 1.5, 4}, []float32{x, y, z})

	_, _, _, ok = displace(0, 0, 0, 6e38, 0, 0)
	assert.False(t, ok)
	_, _, _, ok = displace(0, 0, 0, 0, math.NaN(), 0)
	assert.False(t, ok)
}
