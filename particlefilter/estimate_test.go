package particlefilter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func TestTagEstimateMatchesWeightedMeans(t *testing.T) {
	g := NewRandom(17)
	s := newTagState(300)
	ps := s.particles()
	xs := make([]float64, len(ps))
	ths := make([]float64, len(ps))
	ws := make([]float64, len(ps))
	for i := range ps {
		// Headings straddle the wrap point.
		th := wrapAngle(-0.5 + float64(g.Uniform()))
		ps[i] = TagParticle{W: g.Uniform() + 0.1, X: g.Uniform() * 10, Theta: th}
		xs[i] = float64(ps[i].X)
		ths[i] = float64(th)
		ws[i] = float64(ps[i].W)
	}

	e, ok := tagEstimate(s)
	require.True(t, ok)
	assert.InDelta(t, stat.Mean(xs, ws), e.X, 1e-9)
	assert.InDelta(t, stat.CircularMean(ths, ws), e.Heading, 1e-9)
	assert.InDelta(t, 0, e.Heading, 0.1, "circular mean of headings around 0")
}

func TestTagEstimateAddsPendingOffset(t *testing.T) {
	s := newTagState(4)
	for i := range s.particles() {
		s.particles()[i] = TagParticle{W: 1, X: 1, Theta: float32(math.Pi / 2)}
	}
	s.odo.deposit(0, 0, 0, 0, 0)
	s.odo.deposit(2, 1, 0, 0.5, 1)

	e, ok := tagEstimate(s)
	require.True(t, ok)
	// Body-frame +x rotated by 90° is world +y.
	assert.InDelta(t, 1, e.X, 1e-6)
	assert.InDelta(t, 1, e.Y, 1e-6)
	assert.InDelta(t, 0.5, e.Z, 1e-6)
	assert.Equal(t, 2.0, e.T)
}

func TestTagEstimateZeroWeight(t *testing.T) {
	s := newTagState(3)
	_, ok := tagEstimate(s)
	assert.False(t, ok)
}

func TestBeaconEstimateTwoLevelMean(t *testing.T) {
	tags := newTagState(2)
	tags.particles()[0] = TagParticle{W: 3}
	tags.particles()[1] = TagParticle{W: 1}

	b := newBeaconState(2, 2)
	copy(b.row(0), []BeaconParticle{{W: 1, X: 0}, {W: 1, X: 2}}) // mean 1
	copy(b.row(1), []BeaconParticle{{W: 1, X: 4}, {W: 3, X: 8}}) // mean 7

	e, ok := beaconEstimate(tags, b)
	require.True(t, ok)
	want := floats.Dot([]float64{3, 1}, []float64{1, 7}) / 4
	assert.InDelta(t, want, e.X, 1e-9)

	// An empty row drops out with its tag weight.
	for i := range b.row(1) {
		b.row(1)[i].W = 0
	}
	e, ok = beaconEstimate(tags, b)
	require.True(t, ok)
	assert.InDelta(t, 1, e.X, 1e-9)
}

func TestEstimateWithheldWhenPoseOverflows(t *testing.T) {
	s := newTagState(2)
	s.particles()[0] = TagParticle{W: 1, X: float32(math.Inf(1))}
	s.particles()[1] = TagParticle{W: 1}
	_, ok := tagEstimate(s)
	assert.False(t, ok)

	tags := newTagState(1)
	tags.particles()[0] = TagParticle{W: 1}
	b := newBeaconState(1, 2)
	copy(b.row(0), []BeaconParticle{{W: 1, Y: float32(math.Inf(-1))}, {W: 1, Y: float32(math.Inf(1))}})
	_, ok = beaconEstimate(tags, b)
	assert.False(t, ok)
}
