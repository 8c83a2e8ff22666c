// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package detect implements the inline anomaly detectors: SYN flood,
// port scan, large payload, rate spike, and unusual entropy.
package detect

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
	"github.com/MuzeenMir/sentinel-sub000/internal/clock"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
	"github.com/MuzeenMir/sentinel-sub000/internal/window"
)

// Severity levels attached to anomalies.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Anomaly types.
const (
	TypeSYNFlood       = "syn_flood"
	TypePortScan       = "port_scan"
	TypeLargePayload   = "large_payload"
	TypeRateSpike      = "rate_spike"
	TypeUnusualEntropy = "unusual_entropy"
)

// Anomaly is one detector emission.
type Anomaly struct {
	Type        string         `json:"type"`
	Severity    string         `json:"severity"`
	SourceIP    string         `json:"source_ip"`
	WindowStart time.Time      `json:"window_start"`
	DetectedAt  time.Time      `json:"detected_at"`
	Details     map[string]any `json:"details"`
}

// Config holds detector thresholds.
type Config struct {
	SYNFloodThreshold     int           `yaml:"syn_flood_threshold"`
	PortScanThreshold     int           `yaml:"port_scan_threshold"`
	LargePayloadThreshold int64         `yaml:"large_payload_threshold"`
	RateThreshold         float64       `yaml:"rate_threshold"`
	EntropyZScore         float64       `yaml:"entropy_zscore"`
	DedupTTL              time.Duration `yaml:"dedup_ttl"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		SYNFloodThreshold:     100,
		PortScanThreshold:     50,
		LargePayloadThreshold: 10000,
		RateThreshold:         1000,
		EntropyZScore:         3.0,
		DedupTTL:              60 * time.Minute,
	}
}

const (
	synFloodWindow = 60 * time.Second
	portScanWindow = 5 * time.Minute

	// Baselines need a few observations before z-scores mean anything.
	entropyWarmup = 5
)

// portScanState tracks distinct destination ports per source, keeping
// first-contact order for reporting. reported holds the distinct count
// last announced, so the anomaly follows the scan as it widens.
type portScanState struct {
	lastSeen map[int]time.Time
	order    []int
	reported int
}

// ewma is an exponentially weighted mean/variance baseline.
type ewma struct {
	n    int64
	mean float64
	vari float64
}

const ewmaAlpha = 0.1

func (e *ewma) update(x float64) {
	e.n++
	if e.n == 1 {
		e.mean = x
		return
	}
	diff := x - e.mean
	incr := ewmaAlpha * diff
	e.mean += incr
	e.vari = (1 - ewmaAlpha) * (e.vari + diff*incr)
}

func (e *ewma) zscore(x float64) float64 {
	if e.vari <= 0 {
		if x == e.mean {
			return 0
		}
		return 100.0
	}
	return (x - e.mean) / math.Sqrt(e.vari)
}

// Engine runs all detectors. Emissions flow through the callback after
// TTL deduplication on (type, subject, window_start).
type Engine struct {
	cfg    Config
	emit   func(Anomaly)
	logger *logging.Logger

	mu        sync.Mutex
	synTimes  map[string][]time.Time
	portScans map[string]*portScanState
	baselines map[string]*ewma
	dedup     map[string]time.Time

	Emitted map[string]*counter
}

type counter struct{ n int64 }

// NewEngine creates a detector engine delivering anomalies to emit.
func NewEngine(cfg Config, emit func(Anomaly)) *Engine {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultConfig().DedupTTL
	}
	e := &Engine{
		cfg:       cfg,
		emit:      emit,
		logger:    logging.WithComponent("detect"),
		synTimes:  make(map[string][]time.Time),
		portScans: make(map[string]*portScanState),
		baselines: make(map[string]*ewma),
		dedup:     make(map[string]time.Time),
		Emitted:   make(map[string]*counter),
	}
	for _, typ := range []string{TypeSYNFlood, TypePortScan, TypeLargePayload, TypeRateSpike, TypeUnusualEntropy} {
		e.Emitted[typ] = &counter{}
	}
	return e
}

// OnRecord runs the per-event detectors.
func (e *Engine) OnRecord(rec *cim.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.checkSYNFlood(rec)
	e.checkPortScan(rec)
	e.checkLargePayload(rec)
}

func (e *Engine) checkSYNFlood(rec *cim.Record) {
	if !rec.IsSYN() {
		return
	}
	times := e.synTimes[rec.SrcIP]
	cutoff := rec.EventTime.Add(-synFloodWindow)

	pruned := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	pruned = append(pruned, rec.EventTime)
	e.synTimes[rec.SrcIP] = pruned

	if len(pruned) >= e.cfg.SYNFloodThreshold {
		e.emitLocked(Anomaly{
			Type:        TypeSYNFlood,
			Severity:    SeverityHigh,
			SourceIP:    rec.SrcIP,
			WindowStart: rec.EventTime.Truncate(time.Hour),
			Details: map[string]any{
				"syn_count": len(pruned),
				"dest_ip":   rec.DestIP,
			},
		})
	}
}

func (e *Engine) checkPortScan(rec *cim.Record) {
	if rec.Transport != "TCP" || rec.DestPort == 0 {
		return
	}
	st, ok := e.portScans[rec.SrcIP]
	if !ok {
		st = &portScanState{lastSeen: make(map[int]time.Time)}
		e.portScans[rec.SrcIP] = st
	}

	cutoff := rec.EventTime.Add(-portScanWindow)
	for port, seen := range st.lastSeen {
		if !seen.After(cutoff) {
			delete(st.lastSeen, port)
		}
	}
	if _, seen := st.lastSeen[rec.DestPort]; !seen {
		st.order = append(st.order, rec.DestPort)
	}
	st.lastSeen[rec.DestPort] = rec.EventTime

	if len(st.lastSeen) >= e.cfg.PortScanThreshold && len(st.lastSeen) > st.reported {
		st.reported = len(st.lastSeen)
		report := make([]int, 0, 20)
		for _, port := range st.order {
			if _, live := st.lastSeen[port]; live {
				report = append(report, port)
				if len(report) == 20 {
					break
				}
			}
		}
		// Re-emit as the scan widens; dedup keeps the latest details.
		e.emitUpdateLocked(Anomaly{
			Type:        TypePortScan,
			Severity:    SeverityMedium,
			SourceIP:    rec.SrcIP,
			WindowStart: rec.EventTime.Truncate(time.Hour),
			Details: map[string]any{
				"unique_ports_scanned": len(st.lastSeen),
				"ports":                report,
			},
		})
	}
}

func (e *Engine) checkLargePayload(rec *cim.Record) {
	if rec.Bytes < e.cfg.LargePayloadThreshold {
		return
	}
	e.emitLocked(Anomaly{
		Type:        TypeLargePayload,
		Severity:    SeverityLow,
		SourceIP:    rec.SrcIP,
		WindowStart: rec.EventTime.Truncate(time.Minute),
		Details: map[string]any{
			"bytes":     rec.Bytes,
			"dest_ip":   rec.DestIP,
			"dest_port": rec.DestPort,
		},
	})
}

// OnWindowClose runs the window-driven detectors.
func (e *Engine) OnWindowClose(em window.Emission) {
	e.mu.Lock()
	defer e.mu.Unlock()

	spec := em.Window.Spec
	if spec.Kind != window.Tumbling {
		return
	}
	switch spec.Size {
	case time.Minute:
		e.checkRateSpike(em)
	case 5 * time.Minute:
		e.checkEntropy(em)
	}
}

func (e *Engine) checkRateSpike(em window.Emission) {
	rate := float64(em.Features.PacketCount) / 60.0
	if rate <= e.cfg.RateThreshold {
		return
	}
	e.emitLocked(Anomaly{
		Type:        TypeRateSpike,
		Severity:    SeverityMedium,
		SourceIP:    em.Key.SrcIP,
		WindowStart: em.Window.Start,
		Details: map[string]any{
			"packet_rate": rate,
			"packets":     em.Features.PacketCount,
			"dest_ip":     em.Key.DstIP,
		},
	})
}

func (e *Engine) checkEntropy(em window.Emission) {
	subject := em.Key.String()

	for field, value := range map[string]float64{
		"dst_ip_entropy":   em.Features.DstIPEntropy,
		"dst_port_entropy": em.Features.DstPortEntropy,
	} {
		key := subject + "|" + field
		base, ok := e.baselines[key]
		if !ok {
			base = &ewma{}
			e.baselines[key] = base
		}
		z := base.zscore(value)
		if base.n >= entropyWarmup && z > e.cfg.EntropyZScore {
			e.emitLocked(Anomaly{
				Type:        TypeUnusualEntropy,
				Severity:    SeverityMedium,
				SourceIP:    em.Key.SrcIP,
				WindowStart: em.Window.Start,
				Details: map[string]any{
					"field":   field,
					"entropy": value,
					"zscore":  z,
				},
			})
		}
		base.update(value)
	}
}

// emitLocked applies dedup and fires the callback.
func (e *Engine) emitLocked(a Anomaly) { e.fireLocked(a, false) }

// emitUpdateLocked fires even for a key already seen, refreshing its
// dedup expiry. Detectors whose details grow within a window use it.
func (e *Engine) emitUpdateLocked(a Anomaly) { e.fireLocked(a, true) }

func (e *Engine) fireLocked(a Anomaly, update bool) {
	now := clock.Now()
	key := fmt.Sprintf("%s|%s|%d", a.Type, a.SourceIP, a.WindowStart.UnixNano())

	if expiry, seen := e.dedup[key]; seen && now.Before(expiry) && !update {
		return
	}
	e.dedup[key] = now.Add(e.cfg.DedupTTL)

	// Opportunistic expiry sweep; the map stays small in practice.
	if len(e.dedup) > 65536 {
		for k, exp := range e.dedup {
			if now.After(exp) {
				delete(e.dedup, k)
			}
		}
	}

	a.DetectedAt = now
	if c := e.Emitted[a.Type]; c != nil {
		c.n++
	}
	e.logger.Info("Anomaly detected", "type", a.Type, "severity", a.Severity, "source_ip", a.SourceIP)
	if e.emit != nil {
		e.emit(a)
	}
}

// EmittedCount returns how many anomalies of typ have fired.
func (e *Engine) EmittedCount(typ string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.Emitted[typ]; ok {
		return c.n
	}
	return 0
}
