package particlefilter

import "math"

func outsideBand(dx, dy, dz, rng, stdRange float64) bool {
	pr := math.Sqrt(dx*dx + dy*dy + dz*dz)
	return math.Abs(pr-rng) > stdGate*stdRange
}

// weighRangeKnown applies a range observation to an anchor at a known
// position. The likelihood is a box: particles outside ±3σ of the observed
// range are multiplied by a penalty, the rest are left alone.
func weighRangeKnown(ps []TagParticle, b Point, rng, stdRange float64) {
	mw := minWeight(rng)
	for i := range ps {
		p := &ps[i]
		if outsideBand(float64(p.X)-b.X, float64(p.Y)-b.Y, float64(p.Z)-b.Z, rng, stdRange) {
			p.W *= mw
		}
	}
}

// weighRangeSlam scores every beacon particle against its owning tag
// particle, then scales each tag particle by the surviving weight of its row.
func weighRangeSlam(tags []TagParticle, b *beaconState, rng, stdRange float64) {
	mw := minWeight(rng)
	for k := range tags {
		tp := &tags[k]
		row := b.row(k)
		var sum float64
		for j := range row {
			bp := &row[j]
			if outsideBand(float64(tp.X-bp.X), float64(tp.Y-bp.Y), float64(tp.Z-bp.Z), rng, stdRange) {
				bp.W *= mw
			}
			sum += float64(bp.W)
		}
		tp.W = float32(float64(tp.W) * sum)
	}
}
