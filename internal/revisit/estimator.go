// Package revisit computes adaptive revisit intervals for crawled
// directories. Directories that keep changing converge on the site's
// minimum wait, static directories on the maximum, so both crawl pressure
// and staleness stay bounded.
package revisit

import (
	"time"

	"github.com/arachne-project/arachne/internal/sites"
)

// DefaultGrowthFactor is used when the configuration does not override the
// multiplicative adaptation factor.
const DefaultGrowthFactor = 2.0

// Estimator derives the next revisit interval from the previous one and
// whether the directory changed. It is a pure decision function.
type Estimator struct {
	factor float64
}

// New returns an Estimator with the given growth factor. Factors at or
// below 1 fall back to DefaultGrowthFactor.
func New(factor float64) *Estimator {
	if factor <= 1 {
		factor = DefaultGrowthFactor
	}
	return &Estimator{factor: factor}
}

// Next returns the interval to wait before revisiting a directory. A zero
// prev means first visit and yields the site default. On change the
// interval shrinks by the growth factor, floored at the site minimum; when
// unchanged it grows by the same factor, capped at the site maximum.
func (e *Estimator) Next(prev time.Duration, changed bool, policy sites.Policy) time.Duration {
	if prev <= 0 {
		return clamp(policy.DefaultRevisitWait, policy)
	}
	var next time.Duration
	if changed {
		next = time.Duration(float64(prev) / e.factor)
	} else {
		next = time.Duration(float64(prev) * e.factor)
	}
	return clamp(next, policy)
}

func clamp(d time.Duration, policy sites.Policy) time.Duration {
	if d < policy.MinRevisitWait {
		return policy.MinRevisitWait
	}
	if d > policy.MaxRevisitWait {
		return policy.MaxRevisitWait
	}
	return d
}
