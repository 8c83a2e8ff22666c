// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package window

import (
	"time"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
)

// Lateness tolerances by source class. Flow-record exporters batch and
// lag far more than live capture.
const (
	NetworkLateness    = 5 * time.Second
	FlowRecordLateness = 30 * time.Second
)

// LatenessFor returns the allowed lateness for a source kind.
func LatenessFor(source cim.SourceKind) time.Duration {
	switch source {
	case cim.SourceNetFlow, cim.SourceSFlow:
		return FlowRecordLateness
	default:
		return NetworkLateness
	}
}

// watermarkWindow is how many recent event times feed the low-watermark
// estimate.
const watermarkWindow = 64

// Watermark tracks the event-time progress of one source. The watermark
// is the minimum over the last watermarkWindow event times and only ever
// advances.
type Watermark struct {
	recent [watermarkWindow]time.Time
	idx    int
	filled int
	value  time.Time
}

// Observe folds one event time in and returns the current watermark.
func (w *Watermark) Observe(t time.Time) time.Time {
	w.recent[w.idx] = t
	w.idx = (w.idx + 1) % watermarkWindow
	if w.filled < watermarkWindow {
		w.filled++
	}

	min := w.recent[0]
	for i := 1; i < w.filled; i++ {
		if w.recent[i].Before(min) {
			min = w.recent[i]
		}
	}
	if min.After(w.value) {
		w.value = min
	}
	return w.value
}

// Value returns the current watermark without observing anything.
func (w *Watermark) Value() time.Time { return w.value }
