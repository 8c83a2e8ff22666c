// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"hash/fnv"
	"runtime"
	"sync"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
)

// Store is the sharded flow state map. Shard count is the next power of
// two at or above twice the parallelism so hot keys spread out and the
// mask replaces a modulo.
type Store struct {
	shards []*shard
	mask   uint32
}

type shard struct {
	mu    sync.Mutex
	flows map[Key]*Aggregate
}

// NewStore creates a store sized for the given parallelism. Zero means
// GOMAXPROCS.
func NewStore(parallelism int) *Store {
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	count := nextPow2(2 * parallelism)
	if count < 2 {
		count = 2
	}

	shards := make([]*shard, count)
	for i := range shards {
		shards[i] = &shard{flows: make(map[Key]*Aggregate)}
	}
	return &Store{shards: shards, mask: uint32(count - 1)}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// ShardCount returns the number of shards.
func (s *Store) ShardCount() int { return len(s.shards) }

func (s *Store) shardFor(key Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return s.shards[h.Sum32()&s.mask]
}

// Upsert folds rec into the aggregate for key, creating it on first
// sight. Returns the flow's packet count after the update.
func (s *Store) Upsert(key Key, rec *cim.Record) int64 {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	agg, ok := sh.flows[key]
	if !ok {
		agg = NewAggregate(key)
		sh.flows[key] = agg
	}
	agg.Update(rec)
	return agg.Packets
}

// Features computes the feature vector for key under the shard lock.
// ok is false when the flow is unknown.
func (s *Store) Features(key Key) (FeatureVector, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	agg, ok := sh.flows[key]
	if !ok {
		return FeatureVector{}, false
	}
	return agg.Features(), true
}

// Remove drops the aggregate for key.
func (s *Store) Remove(key Key) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.flows, key)
}

// Len returns the number of live flows across all shards.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.flows)
		sh.mu.Unlock()
	}
	return total
}

// ForEach visits every aggregate under its shard lock. The callback must
// not retain the aggregate.
func (s *Store) ForEach(fn func(*Aggregate)) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, agg := range sh.flows {
			fn(agg)
		}
		sh.mu.Unlock()
	}
}
