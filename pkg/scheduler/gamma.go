package scheduler

import "math"

// sampleGamma draws from a Gamma(shape, scale) distribution using the
// Marsaglia-Tsang method. Go's standard library has no rand.Gamma (unlike
// Python's random.gammavariate used by the original bot_reap_task), and no
// repo in the example pack imports a stats/distribution library for this
// kind of one-off sampling, so this is the one numerical primitive built
// directly on math/rand + math rather than a third-party dependency (see
// DESIGN.md).
//
// Only shape >= 1 is supported, which is all pkg/scheduler needs
// (shape=3 per spec.md §4.E, preserved verbatim as a tunable constant).
func sampleGamma(shape, scale float64, uniform func() float64, normal func() float64) float64 {
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9.0*d)
	for {
		x := normal()
		v := 1.0 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := uniform()
		x2 := x * x
		if u < 1.0-0.0331*x2*x2 {
			return d * v * scale
		}
		if math.Log(u) < 0.5*x2+d*(1.0-v+math.Log(v)) {
			return d * v * scale
		}
	}
}
