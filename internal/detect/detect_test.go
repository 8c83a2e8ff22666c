// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
	"github.com/MuzeenMir/sentinel-sub000/internal/flow"
	"github.com/MuzeenMir/sentinel-sub000/internal/window"
)

func synRecord(ts time.Time, src, dst string, dport int) *cim.Record {
	return &cim.Record{
		EventTime: ts,
		SrcIP:     src,
		DestIP:    dst,
		DestPort:  dport,
		Transport: "TCP",
		TCPFlags:  cim.FlagSYN,
		Bytes:     40,
		Packets:   1,
	}
}

func collectEngine(cfg Config) (*Engine, *[]Anomaly) {
	var got []Anomaly
	e := NewEngine(cfg, func(a Anomaly) { got = append(got, a) })
	return e, &got
}

func TestSYNFloodDetection(t *testing.T) {
	e, got := collectEngine(DefaultConfig())
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	// 150 SYNs from one source, 100 ms apart: threshold crossed at 100,
	// deduplicated afterwards.
	for i := 0; i < 150; i++ {
		e.OnRecord(synRecord(base.Add(time.Duration(i)*100*time.Millisecond), "192.168.1.200", "10.0.0.1", 80))
	}

	require.Len(t, *got, 1)
	a := (*got)[0]
	assert.Equal(t, TypeSYNFlood, a.Type)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.Equal(t, "192.168.1.200", a.SourceIP)
	assert.GreaterOrEqual(t, a.Details["syn_count"].(int), 100)
}

func TestSYNFloodIgnoresAckAndSlowTraffic(t *testing.T) {
	e, got := collectEngine(DefaultConfig())
	base := time.Now()

	// SYN-ACKs never count.
	for i := 0; i < 200; i++ {
		rec := synRecord(base.Add(time.Duration(i)*time.Millisecond), "10.0.0.9", "10.0.0.1", 80)
		rec.TCPFlags = cim.FlagSYN | cim.FlagACK
		e.OnRecord(rec)
	}
	assert.Empty(t, *got)

	// 150 SYNs spread over 150 s: never 100 inside any 60 s window.
	for i := 0; i < 150; i++ {
		e.OnRecord(synRecord(base.Add(time.Duration(i)*time.Second), "10.0.0.10", "10.0.0.1", 80))
	}
	assert.Empty(t, *got)
}

func TestPortScanDetection(t *testing.T) {
	e, got := collectEngine(DefaultConfig())
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	for port := 1; port <= 100; port++ {
		e.OnRecord(synRecord(base.Add(time.Duration(port)*time.Second), "192.168.1.150", "10.0.0.1", port))
	}

	// Fires at the threshold and again for every new distinct port.
	require.Len(t, *got, 51)
	first := (*got)[0]
	assert.Equal(t, TypePortScan, first.Type)
	assert.Equal(t, SeverityMedium, first.Severity)
	assert.Equal(t, DefaultConfig().PortScanThreshold, first.Details["unique_ports_scanned"].(int))

	last := (*got)[len(*got)-1]
	assert.Equal(t, 100, last.Details["unique_ports_scanned"].(int))

	ports := last.Details["ports"].([]int)
	require.Len(t, ports, 20)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, ports)
}

func TestPortScanStablePortSetDoesNotReemit(t *testing.T) {
	e, got := collectEngine(DefaultConfig())
	base := time.Now()

	// Revisiting the same 60 ports grows nothing, so one sweep's worth
	// of anomalies is all that fires.
	for pass := 0; pass < 3; pass++ {
		for port := 1; port <= 60; port++ {
			ts := base.Add(time.Duration(pass*60+port) * time.Second)
			e.OnRecord(synRecord(ts, "10.0.0.8", "10.0.0.1", port))
		}
	}
	scans := 0
	for _, a := range *got {
		if a.Type == TypePortScan {
			scans++
		}
	}
	assert.Equal(t, 11, scans)
}

func TestPortScanRepeatPortsNotCounted(t *testing.T) {
	e, got := collectEngine(DefaultConfig())
	base := time.Now()

	// Same port hammered: one distinct port, no scan.
	for i := 0; i < 500; i++ {
		e.OnRecord(synRecord(base.Add(time.Duration(i)*time.Millisecond), "10.0.0.5", "10.0.0.1", 443))
	}
	for _, a := range *got {
		assert.NotEqual(t, TypePortScan, a.Type)
	}
}

func TestLargePayload(t *testing.T) {
	e, got := collectEngine(DefaultConfig())

	rec := &cim.Record{
		EventTime: time.Now(),
		SrcIP:     "10.0.0.7",
		DestIP:    "8.8.8.8",
		DestPort:  443,
		Transport: "UDP",
		Bytes:     20000,
		Packets:   1,
	}
	e.OnRecord(rec)

	require.Len(t, *got, 1)
	assert.Equal(t, TypeLargePayload, (*got)[0].Type)
	assert.Equal(t, SeverityLow, (*got)[0].Severity)
	assert.Equal(t, int64(20000), (*got)[0].Details["bytes"].(int64))
}

func emission(spec window.Spec, start time.Time, fv flow.FeatureVector) window.Emission {
	return window.Emission{
		Window: window.Descriptor{Spec: spec, Start: start, End: start.Add(spec.Size)},
		Key:    flow.Key{SrcIP: "10.0.0.3", DstIP: "10.0.0.4", DstPort: 53, Transport: "UDP"},
		Features: fv,
	}
}

func TestRateSpike(t *testing.T) {
	e, got := collectEngine(DefaultConfig())
	spec := window.Spec{Kind: window.Tumbling, Size: time.Minute}
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	// 30k packets in a minute = 500/s: below the 1000/s default.
	e.OnWindowClose(emission(spec, start, flow.FeatureVector{PacketCount: 30000}))
	assert.Empty(t, *got)

	e.OnWindowClose(emission(spec, start.Add(time.Minute), flow.FeatureVector{PacketCount: 90000}))
	require.Len(t, *got, 1)
	assert.Equal(t, TypeRateSpike, (*got)[0].Type)
	assert.InDelta(t, 1500.0, (*got)[0].Details["packet_rate"].(float64), 1e-9)
}

func TestUnusualEntropy(t *testing.T) {
	e, got := collectEngine(DefaultConfig())
	spec := window.Spec{Kind: window.Tumbling, Size: 5 * time.Minute}
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	// Stable baseline with slight jitter, then a jump.
	for i := 0; i < 10; i++ {
		fv := flow.FeatureVector{DstPortEntropy: 2.0 + float64(i%2)*0.01, DstIPEntropy: 1.0}
		e.OnWindowClose(emission(spec, start.Add(time.Duration(i)*5*time.Minute), fv))
	}
	assert.Empty(t, *got)

	e.OnWindowClose(emission(spec, start.Add(time.Hour), flow.FeatureVector{DstPortEntropy: 9.5, DstIPEntropy: 1.0}))
	require.Len(t, *got, 1)
	assert.Equal(t, TypeUnusualEntropy, (*got)[0].Type)
	assert.Equal(t, "dst_port_entropy", (*got)[0].Details["field"].(string))
}

func TestWindowDetectorsIgnoreOtherSpecs(t *testing.T) {
	e, got := collectEngine(DefaultConfig())
	sliding := window.Spec{Kind: window.Sliding, Size: 5 * time.Minute, Slide: time.Minute}

	e.OnWindowClose(emission(sliding, time.Now(), flow.FeatureVector{PacketCount: 1000000}))
	assert.Empty(t, *got)
}

func TestEmittedCounters(t *testing.T) {
	e, _ := collectEngine(DefaultConfig())
	e.OnRecord(&cim.Record{EventTime: time.Now(), SrcIP: "1.1.1.1", DestIP: "2.2.2.2", Transport: "UDP", Bytes: 50000, Packets: 1})

	assert.Equal(t, int64(1), e.EmittedCount(TypeLargePayload))
	assert.Zero(t, e.EmittedCount(TypeSYNFlood))
}
