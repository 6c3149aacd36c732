package particlefilter

import "math"

// withPending adds the uncommitted odometry offset, rotated by heading, so
// estimates between observations follow the device.
func withPending(e Estimate, o *odometry) Estimate {
	dx, dy, dz := o.pending()
	c, s := math.Cos(e.Heading), math.Sin(e.Heading)
	e.X += dx*c - dy*s
	e.Y += dx*s + dy*c
	e.Z += dz
	e.T = o.last.T
	return e
}

func tagEstimate(s *tagState) (Estimate, bool) {
	var sum, x, y, z, c, sn float64
	for _, p := range s.particles() {
		w := float64(p.W)
		sum += w
		x += w * float64(p.X)
		y += w * float64(p.Y)
		z += w * float64(p.Z)
		c += w * math.Cos(float64(p.Theta))
		sn += w * math.Sin(float64(p.Theta))
	}
	if !(sum > 0) || !finite(sum) {
		return Estimate{}, false
	}
	e := Estimate{
		X:       x / sum,
		Y:       y / sum,
		Z:       z / sum,
		Heading: math.Atan2(sn, c),
	}
	return finiteEstimate(withPending(e, &s.odo))
}

// beaconEstimate averages each row by beacon weight, then the row means by
// tag weight. Rows with no usable weight are skipped.
func beaconEstimate(tags *tagState, b *beaconState) (Estimate, bool) {
	var sum, x, y, z, c, sn float64
	for k, tp := range tags.particles() {
		var rs, rx, ry, rz, rc, rsn float64
		for _, bp := range b.row(k) {
			w := float64(bp.W)
			rs += w
			rx += w * float64(bp.X)
			ry += w * float64(bp.Y)
			rz += w * float64(bp.Z)
			rc += w * math.Cos(float64(bp.Theta))
			rsn += w * math.Sin(float64(bp.Theta))
		}
		if !(rs > 0) || !finite(rs) {
			continue
		}
		w := float64(tp.W)
		sum += w
		x += w * rx / rs
		y += w * ry / rs
		z += w * rz / rs
		c += w * rc / rs
		sn += w * rsn / rs
	}
	if !(sum > 0) || !finite(sum) {
		return Estimate{}, false
	}
	e := Estimate{
		X:       x / sum,
		Y:       y / sum,
		Z:       z / sum,
		Heading: math.Atan2(sn, c),
	}
	return finiteEstimate(withPending(e, &b.odo))
}

// finiteEstimate withholds an estimate whose pose overflowed.
func finiteEstimate(e Estimate) (Estimate, bool) {
	if !finite(e.X, e.Y, e.Z, e.Heading) {
		return Estimate{}, false
	}
	return e, true
}
