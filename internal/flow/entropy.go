// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"math"
)

// maxSymbols caps the distinct symbols tracked per table. Overflow
// symbols collapse into a shared bucket so memory stays bounded under
// high-cardinality traffic.
const maxSymbols = 4096

const overflowSymbol = "other"

// SymbolTable counts occurrences of categorical values for Shannon
// entropy computation.
type SymbolTable struct {
	counts map[string]int64
	total  int64
}

// NewSymbolTable returns an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{counts: make(map[string]int64)}
}

// Add records one occurrence of symbol.
func (s *SymbolTable) Add(symbol string) {
	if _, seen := s.counts[symbol]; !seen && len(s.counts) >= maxSymbols {
		symbol = overflowSymbol
	}
	s.counts[symbol]++
	s.total++
}

// Distinct returns the number of tracked symbols.
func (s *SymbolTable) Distinct() int { return len(s.counts) }

// Total returns the number of observations.
func (s *SymbolTable) Total() int64 { return s.total }

// Entropy returns the Shannon entropy in bits of the observed
// distribution. Empty tables have zero entropy.
func (s *SymbolTable) Entropy() float64 {
	if s.total == 0 {
		return 0
	}
	entropy := 0.0
	for _, c := range s.counts {
		p := float64(c) / float64(s.total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
