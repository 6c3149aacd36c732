package particlefilter

import "math"

// moveTags propagates every tag particle by a body-frame delta rotated into
// the particle's own heading, plus process noise.
func moveTags(g *Random, ps []TagParticle, d motionDelta, stdXyz, stdTheta float64) {
	sx := math.Sqrt(math.Max(d.ddist, 0)) * stdXyz
	st := math.Sqrt(math.Max(d.dt, 0)) * stdTheta
	for i := range ps {
		p := &ps[i]
		c, s := math.Cos(float64(p.Theta)), math.Sin(float64(p.Theta))
		pdx := d.dx*c - d.dy*s
		pdy := d.dx*s + d.dy*c

		rx, ry := g.NormalPair()
		rz, rt := g.NormalPair()

		x, y, z, ok := displace(p.X, p.Y, p.Z, pdx+sx*float64(rx), pdy+sx*float64(ry), d.dz+sx*float64(rz))
		if !ok {
			p.W = 0
			continue
		}
		p.X, p.Y, p.Z = x, y, z
		p.Theta = wrapAngle(float64(p.Theta) + st*float64(rt))
	}
}

// moveBeacon propagates every beacon particle of a mobile beacon.
func moveBeacon(g *Random, b *beaconState, d motionDelta, stdXyz, stdTheta float64) {
	sx := math.Sqrt(math.Max(d.ddist, 0)) * stdXyz
	st := math.Sqrt(math.Max(d.dt, 0)) * stdTheta
	for k := 0; k < b.nTag; k++ {
		row := b.row(k)
		for j := range row {
			p := &row[j]
			c, s := math.Cos(float64(p.Theta)), math.Sin(float64(p.Theta))
			pdx := d.dx*c - d.dy*s
			pdy := d.dx*s + d.dy*c

			rx, ry := g.NormalPair()
			rz, rt := g.NormalPair()

			x, y, z, ok := displace(p.X, p.Y, p.Z, pdx+sx*float64(rx), pdy+sx*float64(ry), d.dz+sx*float64(rz))
			if !ok {
				p.W = 0
				continue
			}
			p.X, p.Y, p.Z = x, y, z
			p.Theta = wrapAngle(float64(p.Theta) + st*float64(rt))
		}
	}
}

// displace moves a particle by (dx, dy, dz). It reports false when the result
// leaves the float32 range, leaving the particle unusable.
func displace(x, y, z float32, dx, dy, dz float64) (float32, float32, float32, bool) {
	nx, ny, nz := float64(x)+dx, float64(y)+dy, float64(z)+dz
	if !finite(nx, ny, nz) ||
		math.Abs(nx) > math.MaxFloat32 || math.Abs(ny) > math.MaxFloat32 || math.Abs(nz) > math.MaxFloat32 {
		return x, y, z, false
	}
	return float32(nx), float32(ny), float32(nz), true
}
