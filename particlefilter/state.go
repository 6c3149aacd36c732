package particlefilter

import "math"

// odoSample is one buffered odometry reading.
type odoSample struct {
	T       float64
	X, Y, Z float64
	Dist    float64
}

// motionDelta is the relative motion accumulated between two commits.
type motionDelta struct {
	dt, dx, dy, dz, ddist float64
}

// odometry buffers motion deposits until the next measurement commits them.
type odometry struct {
	started bool
	first   odoSample
	last    odoSample
}

func (o *odometry) deposit(t, x, y, z, dist float64) {
	if !o.started {
		o.started = true
		o.first = odoSample{T: t, X: x, Y: y, Z: z, Dist: dist}
		o.last = o.first
		return
	}

	if dist > o.last.Dist {
		o.last.Dist = dist
	} else {
		// No usable odometer: fall back to straight-line displacement.
		dx := x - o.last.X
		dy := y - o.last.Y
		dz := z - o.last.Z
		o.last.Dist += math.Sqrt(dx*dx + dy*dy + dz*dz)
	}
	o.last.T = t
	o.last.X = x
	o.last.Y = y
	o.last.Z = z
}

// commit returns the pending delta and marks it as applied. A displacement
// that cannot be represented is dropped; the elapsed time still counts.
func (o *odometry) commit() motionDelta {
	d := motionDelta{
		dt:    o.last.T - o.first.T,
		dx:    o.last.X - o.first.X,
		dy:    o.last.Y - o.first.Y,
		dz:    o.last.Z - o.first.Z,
		ddist: o.last.Dist - o.first.Dist,
	}
	o.first = o.last
	if !finite(d.dx, d.dy, d.dz, d.ddist) {
		return motionDelta{dt: d.dt}
	}
	return d
}

// pending returns the uncommitted displacement.
func (o *odometry) pending() (dx, dy, dz float64) {
	return o.last.X - o.first.X, o.last.Y - o.first.Y, o.last.Z - o.first.Z
}

// tagState is the double-buffered tag population.
type tagState struct {
	buf       [2][]TagParticle
	active    int
	cdf       []float64
	ancestors []int
	odo       odometry
}

func newTagState(n int) *tagState {
	return &tagState{
		buf:       [2][]TagParticle{make([]TagParticle, n), make([]TagParticle, n)},
		cdf:       make([]float64, n),
		ancestors: make([]int, n),
	}
}

func (s *tagState) particles() []TagParticle { return s.buf[s.active] }
func (s *tagState) scratch() []TagParticle   { return s.buf[1-s.active] }
func (s *tagState) swap()                    { s.active = 1 - s.active }
func (s *tagState) size() int                { return len(s.buf[0]) }

// beaconState holds, for every tag particle, a row of beacon particles. Each
// row has its own active-buffer flag so rows can be resampled independently
// without copying.
type beaconState struct {
	nTag, nBcn  int
	buf         [2][]BeaconParticle
	rowActive   []uint8
	cdf         []float64
	initialized bool
	odo         odometry
}

func newBeaconState(nTag, nBcn int) *beaconState {
	return &beaconState{
		nTag:      nTag,
		nBcn:      nBcn,
		buf:       [2][]BeaconParticle{make([]BeaconParticle, nTag*nBcn), make([]BeaconParticle, nTag*nBcn)},
		rowActive: make([]uint8, nTag),
		cdf:       make([]float64, nBcn),
	}
}

// row returns the active beacon particles conditioned on tag particle k.
func (b *beaconState) row(k int) []BeaconParticle {
	return b.buf[b.rowActive[k]][k*b.nBcn : (k+1)*b.nBcn]
}

// scratchRow returns the inactive buffer slot for row k.
func (b *beaconState) scratchRow(k int) []BeaconParticle {
	return b.buf[1-b.rowActive[k]][k*b.nBcn : (k+1)*b.nBcn]
}

func (b *beaconState) flipRow(k int) { b.rowActive[k] = 1 - b.rowActive[k] }
