// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package window assigns normalized events to event-time windows, tracks
// per-source watermarks, and emits feature vectors when windows close.
package window

import (
	"fmt"
	"time"
)

// Kind is the window family.
type Kind string

const (
	Tumbling Kind = "tumbling"
	Sliding  Kind = "sliding"
	Session  Kind = "session"
)

// Spec configures one window family instance generator.
type Spec struct {
	Kind  Kind
	Size  time.Duration // tumbling/sliding width, session gap
	Slide time.Duration // sliding only
}

// Name is the stable identifier used in emissions and dedup keys.
func (s Spec) Name() string {
	switch s.Kind {
	case Sliding:
		return fmt.Sprintf("sliding_%s_%s", s.Size, s.Slide)
	case Session:
		return fmt.Sprintf("session_%s", s.Size)
	default:
		return fmt.Sprintf("tumbling_%s", s.Size)
	}
}

// DefaultSpecs is the stock window set: 1/5/15 minute tumbling, a
// 5 minute sliding window advancing every minute, and 5 minute gap
// sessions.
func DefaultSpecs() []Spec {
	return []Spec{
		{Kind: Tumbling, Size: 1 * time.Minute},
		{Kind: Tumbling, Size: 5 * time.Minute},
		{Kind: Tumbling, Size: 15 * time.Minute},
		{Kind: Sliding, Size: 5 * time.Minute, Slide: 1 * time.Minute},
		{Kind: Session, Size: 5 * time.Minute},
	}
}

// Descriptor identifies one concrete window instance.
type Descriptor struct {
	Spec  Spec
	Start time.Time
	End   time.Time
}

// Assign returns the instance start times covering event time t. Session
// windows are assigned dynamically by the manager and return nil here.
func (s Spec) Assign(t time.Time) []time.Time {
	switch s.Kind {
	case Tumbling:
		return []time.Time{t.Truncate(s.Size)}
	case Sliding:
		if s.Slide <= 0 {
			return nil
		}
		var starts []time.Time
		latest := t.Truncate(s.Slide)
		for start := latest; t.Sub(start) < s.Size; start = start.Add(-s.Slide) {
			starts = append(starts, start)
		}
		return starts
	default:
		return nil
	}
}
