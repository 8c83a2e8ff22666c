// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"math"
)

// Welford's Algorithm: https://en.wikipedia.org/wiki/Algorithms_for_calculating_variance#Welford's_online_algorithm

// Tracker keeps mean, variance, and extrema of a series using Welford's
// online algorithm, so no sample history is stored.
type Tracker struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"` // Sum of squares of differences from the current mean
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Update adds a new value to the tracker
func (t *Tracker) Update(newValue float64) {
	if t.Count == 0 {
		t.Min = newValue
		t.Max = newValue
	} else {
		if newValue < t.Min {
			t.Min = newValue
		}
		if newValue > t.Max {
			t.Max = newValue
		}
	}
	t.Count++
	delta := newValue - t.Mean
	t.Mean += delta / float64(t.Count)
	delta2 := newValue - t.Mean
	t.M2 += delta * delta2
}

// Variance returns the sample variance
func (t *Tracker) Variance() float64 {
	if t.Count < 2 {
		return 0.0
	}
	return t.M2 / float64(t.Count-1)
}

// StdDev returns the standard deviation
func (t *Tracker) StdDev() float64 {
	return math.Sqrt(t.Variance())
}

// ZScore calculates how many standard deviations the value is from the mean.
// Returns 0 if variance is 0.
func (t *Tracker) ZScore(value float64) float64 {
	stdDev := t.StdDev()
	if stdDev == 0 {
		if value == t.Mean {
			return 0.0
		}
		// If variance is 0 but value differs, it's infinitely anomalous.
		// Return a high score to ensure it triggers.
		return 100.0
	}
	return (value - t.Mean) / stdDev
}
