// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package publish delivers pipeline output to downstream consumers.
// The hot path never blocks on the broker: messages queue into a
// bounded buffer and a background worker drains it.
package publish

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
)

// Topic names.
const (
	TopicTraffic      = "normalized_traffic"
	TopicFeatures     = "extracted_features"
	TopicAnomalies    = "anomalies"
	TopicPolicyEvents = "policy_events"
)

// Publisher is the sink the pipeline writes to.
type Publisher interface {
	// Publish serializes payload as JSON and enqueues it for delivery.
	Publish(ctx context.Context, topic string, payload any) error
	// Flush blocks until queued messages have been handed to the broker
	// or ctx expires.
	Flush(ctx context.Context) error
	Close() error
}

// Counters tracks publisher health.
type Counters struct {
	Published atomic.Uint64
	Dropped   atomic.Uint64
	Failed    atomic.Uint64
}

// CounterSnapshot is the JSON view of Counters.
type CounterSnapshot struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Published: c.Published.Load(),
		Dropped:   c.Dropped.Load(),
		Failed:    c.Failed.Load(),
	}
}

// How long Publish may wait on a full queue before dropping.
const enqueueTimeout = 500 * time.Millisecond

// Memory is an in-process publisher. It backs tests and deployments
// without a broker; messages are retained per topic up to a cap.
type Memory struct {
	mu       sync.Mutex
	messages map[string][][]byte
	max      int
	counters Counters
}

// NewMemory returns a publisher retaining up to max messages per topic.
func NewMemory(max int) *Memory {
	if max <= 0 {
		max = 1024
	}
	return &Memory{messages: make(map[string][][]byte), max: max}
}

func (m *Memory) Publish(_ context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "marshal message")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.messages[topic]
	if len(q) >= m.max {
		q = q[1:]
		m.counters.Dropped.Add(1)
	}
	m.messages[topic] = append(q, data)
	m.counters.Published.Add(1)
	return nil
}

func (m *Memory) Flush(context.Context) error { return nil }
func (m *Memory) Close() error                { return nil }

// Messages returns copies of the retained messages for a topic.
func (m *Memory) Messages(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.messages[topic]))
	copy(out, m.messages[topic])
	return out
}

// Counters exposes the counter block.
func (m *Memory) Counters() *Counters { return &m.counters }
