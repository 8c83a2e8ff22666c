// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package window

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
	"github.com/MuzeenMir/sentinel-sub000/internal/flow"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
)

// Emission is the payload delivered when a window closes: the feature
// vector computed from the window-scoped aggregate.
type Emission struct {
	Window   Descriptor         `json:"window"`
	Key      flow.Key           `json:"flow_key"`
	Features flow.FeatureVector `json:"features"`
}

type instanceKey struct {
	name  string
	start int64
	key   flow.Key
}

// instance is one live window with its own aggregate. Sliding windows
// overlapping the same flow each get an independent instance.
type instance struct {
	desc     Descriptor
	key      flow.Key
	agg      *flow.Aggregate
	lateness time.Duration
}

// Manager assigns events to window instances and closes them as the
// watermark passes. Process is called from the single stream-processor
// goroutine; the mutex only guards against concurrent snapshot readers.
type Manager struct {
	specs   []Spec
	onClose func(Emission)
	logger  *logging.Logger

	mu         sync.Mutex
	instances  map[instanceKey]*instance
	watermarks map[cim.SourceKind]*Watermark

	LateDropped atomic.Uint64
	Closed      atomic.Uint64
}

// NewManager creates a manager over specs, invoking onClose for every
// closed non-empty window.
func NewManager(specs []Spec, onClose func(Emission)) *Manager {
	if len(specs) == 0 {
		specs = DefaultSpecs()
	}
	return &Manager{
		specs:      specs,
		onClose:    onClose,
		logger:     logging.WithComponent("window"),
		instances:  make(map[instanceKey]*instance),
		watermarks: make(map[cim.SourceKind]*Watermark),
	}
}

// Process folds one record into every window covering its event time,
// then closes windows the watermark has passed. Returns false when the
// record was dropped as late.
func (m *Manager) Process(rec *cim.Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	wm, ok := m.watermarks[rec.SourceType]
	if !ok {
		wm = &Watermark{}
		m.watermarks[rec.SourceType] = wm
	}
	lateness := LatenessFor(rec.SourceType)
	current := wm.Observe(rec.EventTime)

	if rec.EventTime.Before(current.Add(-lateness)) {
		m.LateDropped.Add(1)
		return false
	}

	key := flow.KeyFromRecord(rec)
	for _, spec := range m.specs {
		if spec.Kind == Session {
			m.updateSession(spec, key, rec, lateness)
			continue
		}
		for _, start := range spec.Assign(rec.EventTime) {
			ik := instanceKey{name: spec.Name(), start: start.UnixNano(), key: key}
			inst, ok := m.instances[ik]
			if !ok {
				inst = &instance{
					desc: Descriptor{Spec: spec, Start: start, End: start.Add(spec.Size)},
					key:  key,
					agg:  flow.NewAggregate(key),
				}
				m.instances[ik] = inst
			}
			if lateness > inst.lateness {
				inst.lateness = lateness
			}
			inst.agg.Update(rec)
		}
	}

	m.advanceLocked()
	return true
}

// updateSession extends the flow's session window or opens a new one.
// Session instances are keyed by start=0; the descriptor end tracks the
// last event plus the gap.
func (m *Manager) updateSession(spec Spec, key flow.Key, rec *cim.Record, lateness time.Duration) {
	ik := instanceKey{name: spec.Name(), start: 0, key: key}
	inst, ok := m.instances[ik]
	if ok && rec.EventTime.After(inst.desc.End) {
		// Gap exceeded: the old session is complete, flush it now.
		m.closeLocked([]*instance{inst})
		delete(m.instances, ik)
		ok = false
	}
	if !ok {
		inst = &instance{
			desc: Descriptor{Spec: spec, Start: rec.EventTime},
			key:  key,
			agg:  flow.NewAggregate(key),
		}
		m.instances[ik] = inst
	}
	if lateness > inst.lateness {
		inst.lateness = lateness
	}
	if end := rec.EventTime.Add(spec.Size); end.After(inst.desc.End) {
		inst.desc.End = end
	}
	inst.agg.Update(rec)
}

// lowWatermark is the minimum watermark across all observed sources.
func (m *Manager) lowWatermark() (time.Time, bool) {
	var low time.Time
	first := true
	for _, wm := range m.watermarks {
		v := wm.Value()
		if first || v.Before(low) {
			low = v
			first = false
		}
	}
	return low, !first
}

func (m *Manager) advanceLocked() {
	low, ok := m.lowWatermark()
	if !ok {
		return
	}

	var closable []*instance
	for ik, inst := range m.instances {
		if low.After(inst.desc.End.Add(inst.lateness)) {
			closable = append(closable, inst)
			delete(m.instances, ik)
		}
	}
	m.closeLocked(closable)
}

// closeLocked emits the given instances ordered by window end, then key,
// so emissions within a flow are end-ordered.
func (m *Manager) closeLocked(insts []*instance) {
	sort.Slice(insts, func(i, j int) bool {
		if !insts[i].desc.End.Equal(insts[j].desc.End) {
			return insts[i].desc.End.Before(insts[j].desc.End)
		}
		return insts[i].key.String() < insts[j].key.String()
	})
	for _, inst := range insts {
		if inst.agg.Packets == 0 {
			continue
		}
		m.Closed.Add(1)
		if m.onClose != nil {
			m.onClose(Emission{Window: inst.desc, Key: inst.key, Features: inst.agg.Features()})
		}
	}
}

// FlushAll force-closes every live window. Called on shutdown so partial
// windows still reach the publisher.
func (m *Manager) FlushAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	insts := make([]*instance, 0, len(m.instances))
	for ik, inst := range m.instances {
		insts = append(insts, inst)
		delete(m.instances, ik)
	}
	m.closeLocked(insts)
}

// Watermarks returns the current per-source watermark values for the
// health endpoint.
func (m *Manager) Watermarks() map[cim.SourceKind]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[cim.SourceKind]time.Time, len(m.watermarks))
	for src, wm := range m.watermarks {
		out[src] = wm.Value()
	}
	return out
}

// Live returns the number of open window instances.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}
