package particlefilter

// Point is a fixed position in the filter's working frame.
type Point struct {
	X, Y, Z float64
}

// TagParticle is one weighted hypothesis of the tag pose.
type TagParticle struct {
	W       float32
	X, Y, Z float32
	Theta   float32
}

// BeaconParticle is one weighted hypothesis of a beacon position, conditioned
// on the tag particle that owns its row. Theta is only meaningful for a
// mobile beacon that reports its own odometry.
type BeaconParticle struct {
	W       float32
	X, Y, Z float32
	Theta   float32
}

func spawnTagZero() TagParticle {
	return TagParticle{W: 1}
}

func spawnTagFromRange(g *Random, b Point, rng, stdRange float64) TagParticle {
	dx, dy, dz := g.SpherePoint(rng, stdRange)
	return TagParticle{
		W:     1,
		X:     float32(b.X + dx),
		Y:     float32(b.Y + dy),
		Z:     float32(b.Z + dz),
		Theta: wrapAngle(float64(g.Uniform()) * twoPi),
	}
}

func spawnTagFromOther(g *Random, o TagParticle, hXyz, hTheta float64) TagParticle {
	dx, dy := g.NormalPair()
	dz, dtheta := g.NormalPair()
	return TagParticle{
		W:     1,
		X:     o.X + float32(float64(dx)*hXyz),
		Y:     o.Y + float32(float64(dy)*hXyz),
		Z:     o.Z + float32(float64(dz)*hXyz),
		Theta: wrapAngle(float64(o.Theta) + float64(dtheta)*hTheta),
	}
}

func spawnBeaconFromRange(g *Random, tp TagParticle, rng, stdRange float64) BeaconParticle {
	dx, dy, dz := g.SpherePoint(rng, stdRange)
	return BeaconParticle{
		W:     1,
		X:     float32(float64(tp.X) + dx),
		Y:     float32(float64(tp.Y) + dy),
		Z:     float32(float64(tp.Z) + dz),
		Theta: wrapAngle(float64(g.Uniform()) * twoPi),
	}
}

func spawnBeaconFromOther(g *Random, o BeaconParticle, hXyz, hTheta float64) BeaconParticle {
	dx, dy := g.NormalPair()
	dz, dtheta := g.NormalPair()
	return BeaconParticle{
		W:     1,
		X:     o.X + float32(float64(dx)*hXyz),
		Y:     o.Y + float32(float64(dy)*hXyz),
		Z:     o.Z + float32(float64(dz)*hXyz),
		Theta: wrapAngle(float64(o.Theta) + float64(dtheta)*hTheta),
	}
}
