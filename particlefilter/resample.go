package particlefilter

import "math"

// weightStats summarizes a weighted population before resampling.
type weightStats struct {
	n          int
	sum, sumSq float64
	cos, sin   float64
}

func tagStats(ps []TagParticle, cdf []float64) weightStats {
	st := weightStats{n: len(ps)}
	for i := range ps {
		p := &ps[i]
		w := float64(p.W)
		st.sum += w
		st.sumSq += w * w
		st.cos += w * math.Cos(float64(p.Theta))
		st.sin += w * math.Sin(float64(p.Theta))
		cdf[i] = st.sum
	}
	return st
}

func beaconStats(ps []BeaconParticle, cdf []float64) weightStats {
	st := weightStats{n: len(ps)}
	for i := range ps {
		p := &ps[i]
		w := float64(p.W)
		st.sum += w
		st.sumSq += w * w
		st.cos += w * math.Cos(float64(p.Theta))
		st.sin += w * math.Sin(float64(p.Theta))
		cdf[i] = st.sum
	}
	return st
}

// healthy reports whether the weights can be normalized.
func (st weightStats) healthy() bool {
	return st.sum > 0 && st.sumSq > 0 && finite(st.sum, st.sumSq)
}

func (st weightStats) mean() float64 { return st.sum / float64(st.n) }

// ess is the effective sample size (Σw)²/Σw², bounded to [1, N].
func (st weightStats) ess() float64 {
	return clamp(st.sum*st.sum/st.sumSq, 1, float64(st.n))
}

// headingBandwidth is the heading jitter for a regularized resample. It grows
// as the weighted headings spread out (mean resultant length drops) and as
// the effective sample size shrinks.
func (st weightStats) headingBandwidth() float64 {
	c, s := st.cos/st.sum, st.sin/st.sum
	r2 := clamp(c*c+s*s, resultantFloor, 1-resultantFloor)
	return math.Sqrt(-math.Log(r2) / st.ess())
}

// systematic fills out with ancestor indices using one uniform offset and a
// fixed stride over the cumulative weights.
func systematic(g *Random, cdf []float64, sum float64, out []int) {
	n := len(out)
	step := sum / float64(n)
	r0 := float64(g.Uniform()) * step
	j := 0
	for i := 0; i < n; i++ {
		target := r0 + step*float64(i)
		for j < len(cdf)-1 && target >= cdf[j] {
			j++
		}
		out[i] = j
	}
}

func (c *Config) wantsResample(st weightStats) bool {
	return st.ess()/float64(st.n) < c.ResampleThresh
}

// spawnCount is the number of fresh particles to inject when the cloud is
// starving near a close observation.
func (c *Config) spawnCount(st weightStats, rng float64) int {
	if st.mean() < c.SpawnWeight && rng < c.SpawnRadius {
		return int(math.Round(float64(st.n) * c.SpawnFraction))
	}
	return 0
}

func (s *tagState) stats() weightStats { return tagStats(s.particles(), s.cdf) }

// resample draws the next generation into the scratch buffer, jitters it and
// swaps. The chosen ancestors stay in s.ancestors for conditioned layers.
func (s *tagState) resample(g *Random, st weightStats, hXyz float64) {
	ps := s.particles()
	h := st.headingBandwidth()
	systematic(g, s.cdf, st.sum, s.ancestors)
	out := s.scratch()
	for i, j := range s.ancestors {
		out[i] = spawnTagFromOther(g, ps[j], hXyz, h)
	}
	s.swap()
}

// renormalize scales weights so they average to one.
func (s *tagState) renormalize(st weightStats) {
	ps := s.particles()
	m := float64(len(ps)) / st.sum
	for i := range ps {
		ps[i].W = float32(float64(ps[i].W) * m)
	}
}

func (s *tagState) resetWeights() {
	ps := s.particles()
	for i := range ps {
		ps[i].W = 1
	}
}

// resampleRow draws scratch row dst from the active row src.
func (b *beaconState) resampleRow(g *Random, st weightStats, src, dst int, hXyz float64) {
	in := b.row(src)
	out := b.scratchRow(dst)
	h := st.headingBandwidth()
	step := st.sum / float64(st.n)
	r0 := float64(g.Uniform()) * step
	j := 0
	for i := range out {
		target := r0 + step*float64(i)
		for j < len(b.cdf)-1 && target >= b.cdf[j] {
			j++
		}
		out[i] = spawnBeaconFromOther(g, in[j], hXyz, h)
	}
}

// carryRow copies an unusable row into scratch with uniform weights.
func (b *beaconState) carryRow(src, dst int) {
	out := b.scratchRow(dst)
	copy(out, b.row(src))
	for i := range out {
		out[i].W = 1
	}
}

func (b *beaconState) renormalizeRow(k int, st weightStats) {
	row := b.row(k)
	m := float64(len(row)) / st.sum
	for i := range row {
		row[i].W = float32(float64(row[i].W) * m)
	}
}

func (b *beaconState) spawnRow(g *Random, out []BeaconParticle, tp TagParticle, rng, stdRange float64) {
	for i := range out {
		out[i] = spawnBeaconFromRange(g, tp, rng, stdRange)
	}
}
