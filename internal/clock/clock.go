// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides a time source that tests can replace.
package clock

import (
	"sync"
	"time"
)

// Clock is the minimal time source the daemon depends on.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real is the wall clock.
var Real Clock = realClock{}

var (
	mu     sync.RWMutex
	active Clock = Real
)

// Now returns the current time from the active clock.
func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return active.Now()
}

// SetClock swaps the process clock. Tests must restore the previous value.
func SetClock(c Clock) Clock {
	mu.Lock()
	defer mu.Unlock()
	prev := active
	active = c
	return prev
}

// MockClock is a manually advanced clock for deterministic tests.
type MockClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMockClock starts a mock clock at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (m *MockClock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set jumps the clock to t.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
