// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow maintains per-flow aggregate state: counters, online
// moments, entropy tables, and quantile samples, sharded for concurrent
// access.
package flow

import (
	"fmt"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
)

// Key is the canonical 5-tuple identifying a flow.
type Key struct {
	SrcIP     string
	DstIP     string
	SrcPort   int
	DstPort   int
	Transport string
}

// KeyFromRecord builds the flow key for a normalized record.
func KeyFromRecord(rec *cim.Record) Key {
	return Key{
		SrcIP:     rec.SrcIP,
		DstIP:     rec.DestIP,
		SrcPort:   rec.SrcPort,
		DstPort:   rec.DestPort,
		Transport: rec.Transport,
	}
}

// String renders the unambiguous canonical form.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d:%d:%s", k.SrcIP, k.DstIP, k.SrcPort, k.DstPort, k.Transport)
}

// Bidirectional folds both directions of a conversation onto one key by
// ordering the endpoints lexicographically.
func (k Key) Bidirectional() Key {
	if k.SrcIP > k.DstIP || (k.SrcIP == k.DstIP && k.SrcPort > k.DstPort) {
		return Key{
			SrcIP:     k.DstIP,
			DstIP:     k.SrcIP,
			SrcPort:   k.DstPort,
			DstPort:   k.SrcPort,
			Transport: k.Transport,
		}
	}
	return k
}
