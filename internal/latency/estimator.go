// Package latency measures round-trip time between peers.
//
// The measurements are advisory: they feed stall heuristics, timescale
// adjustment and diagnostics, but never decide correctness.
package latency

import (
	"math"
	"time"
)

// DefaultDiscount is the EWMA weight given to each new sample.
const DefaultDiscount = 0.2

// Estimator tracks an exponentially weighted moving average and variance.
//
// The first sample sets the average directly. Each later sample x updates
//
//	delta    = x - average
//	variance = (1-a) * (variance + a*delta*delta)
//	average  = a*x + (1-a)*average
//
// Estimator is not safe for concurrent use.
type Estimator struct {
	discount float64
	average  float64
	variance float64
	samples  int
}

// NewEstimator creates an estimator with discount a in (0, 1].
// Out-of-range values fall back to DefaultDiscount.
func NewEstimator(discount float64) *Estimator {
	if discount <= 0 || discount > 1 {
		discount = DefaultDiscount
	}
	return &Estimator{discount: discount}
}

// Update folds one measurement into the estimate.
func (e *Estimator) Update(x float64) {
	e.samples++
	if e.samples == 1 {
		e.average = x
		return
	}
	delta := x - e.average
	e.variance = (1 - e.discount) * (e.variance + e.discount*delta*delta)
	e.average = e.discount*x + (1-e.discount)*e.average
}

// Observe folds a duration in, measured in milliseconds.
func (e *Estimator) Observe(d time.Duration) {
	e.Update(float64(d) / float64(time.Millisecond))
}

// Average returns the current mean.
func (e *Estimator) Average() float64 { return e.average }

// Variance returns the current variance.
func (e *Estimator) Variance() float64 { return e.variance }

// StdDev returns the square root of the variance.
func (e *Estimator) StdDev() float64 { return math.Sqrt(e.variance) }

// Samples returns the number of measurements seen.
func (e *Estimator) Samples() int { return e.samples }
