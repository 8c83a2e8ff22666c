// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ingest contains the telemetry ingestors: raw packet capture,
// NetFlow v5/v9, sFlow v5, and the HTTP push source. Every ingestor
// feeds a shared bounded queue and never blocks on a slow consumer.
package ingest

import (
	"context"
	"sync/atomic"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
)

// Queue is a bounded event buffer with drop-oldest overflow. Producers
// never block: when the buffer is full the oldest event is discarded and
// the drop counter incremented.
type Queue struct {
	ch    chan cim.RawEvent
	drops atomic.Uint64
}

// NewQueue creates a queue holding up to size events.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan cim.RawEvent, size)}
}

// Push enqueues ev, evicting the oldest entry when full.
func (q *Queue) Push(ev cim.RawEvent) {
	for {
		select {
		case q.ch <- ev:
			return
		default:
		}
		select {
		case <-q.ch:
			q.drops.Add(1)
		default:
		}
	}
}

// Pop blocks until an event is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (cim.RawEvent, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	case <-ctx.Done():
		return cim.RawEvent{}, false
	}
}

// TryPop returns immediately; ok is false when the queue is empty.
func (q *Queue) TryPop() (cim.RawEvent, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	default:
		return cim.RawEvent{}, false
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Drops returns the number of events evicted under backpressure.
func (q *Queue) Drops() uint64 { return q.drops.Load() }

// Counters tracks per-ingestor outcomes. All fields are atomics so the
// hot path never takes a lock; Snapshot gives a consistent-enough view
// for the health endpoint.
type Counters struct {
	Received           atomic.Uint64
	Parsed             atomic.Uint64
	Malformed          atomic.Uint64
	UnsupportedVersion atomic.Uint64
	TemplateMiss       atomic.Uint64
	Ignored            atomic.Uint64
	Bytes              atomic.Uint64
}

// CounterSnapshot is the JSON view of Counters.
type CounterSnapshot struct {
	Received           uint64 `json:"received"`
	Parsed             uint64 `json:"parsed"`
	Malformed          uint64 `json:"malformed"`
	UnsupportedVersion uint64 `json:"unsupported_version"`
	TemplateMiss       uint64 `json:"template_miss"`
	Ignored            uint64 `json:"ignored"`
	Bytes              uint64 `json:"bytes"`
}

// Snapshot returns current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Received:           c.Received.Load(),
		Parsed:             c.Parsed.Load(),
		Malformed:          c.Malformed.Load(),
		UnsupportedVersion: c.UnsupportedVersion.Load(),
		TemplateMiss:       c.TemplateMiss.Load(),
		Ignored:            c.Ignored.Load(),
		Bytes:              c.Bytes.Load(),
	}
}
