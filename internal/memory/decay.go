package memory

import (
	"math"
	"time"
)

// DecayConfig controls how retrieval weighs recency.
type DecayConfig struct {
	HalfLifeHours float64 // time for the decaying part of the weight to halve (default 168 = 1 week)
	MinWeight     float64 // asymptotic floor, never reached (default 0.05)
}

// DefaultDecayConfig returns sensible defaults.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		HalfLifeHours: 168,
		MinWeight:     0.05,
	}
}

func (c DecayConfig) normalized() DecayConfig {
	d := DefaultDecayConfig()
	if c.HalfLifeHours <= 0 {
		c.HalfLifeHours = d.HalfLifeHours
	}
	if c.MinWeight <= 0 || c.MinWeight >= 1 {
		c.MinWeight = d.MinWeight
	}
	return c
}

// RecencyWeight maps an age to a weight in (MinWeight, 1]:
//
//	w(age) = MinWeight + (1 - MinWeight) * 2^(-hours/HalfLife)
//
// The weight is strictly decreasing in age and strictly positive, so an old
// but important record keeps a non-zero score. Negative ages count as zero.
func (c DecayConfig) RecencyWeight(age time.Duration) float64 {
	c = c.normalized()
	if age < 0 {
		age = 0
	}
	hours := age.Hours()
	return c.MinWeight + (1-c.MinWeight)*math.Pow(0.5, hours/c.HalfLifeHours)
}

// Score is the composite retrieval score importance * recencyWeight(age).
func (c DecayConfig) Score(r Record, now time.Time) float64 {
	return r.Importance * c.RecencyWeight(now.Sub(r.CreatedAt))
}
