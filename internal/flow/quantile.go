// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"math/rand"
	"sort"
)

// maxQuantileSamples bounds the memory per flow. Up to this count the
// quantiles are exact; beyond it the sample degrades to a uniform
// reservoir, which keeps quantile error well under the 1% target for the
// sketch sizes involved.
const maxQuantileSamples = 1024

// QuantileSample is a bounded sample supporting quantile queries.
type QuantileSample struct {
	values []float64
	seen   int64
	rng    *rand.Rand
}

// NewQuantileSample returns an empty sample. Seeded deterministically so
// identical input streams produce identical sketches.
func NewQuantileSample() *QuantileSample {
	return &QuantileSample{
		values: make([]float64, 0, 64),
		rng:    rand.New(rand.NewSource(1)),
	}
}

// Add records one value, reservoir-evicting once full.
func (q *QuantileSample) Add(v float64) {
	q.seen++
	if len(q.values) < maxQuantileSamples {
		q.values = append(q.values, v)
		return
	}
	if idx := q.rng.Int63n(q.seen); idx < maxQuantileSamples {
		q.values[idx] = v
	}
}

// Count returns the number of values observed.
func (q *QuantileSample) Count() int64 { return q.seen }

// Quantile returns the p-quantile (0 ≤ p ≤ 1) by nearest-rank over the
// retained sample. Returns 0 for an empty sample.
func (q *QuantileSample) Quantile(p float64) float64 {
	if len(q.values) == 0 {
		return 0
	}
	sorted := make([]float64, len(q.values))
	copy(sorted, q.values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
