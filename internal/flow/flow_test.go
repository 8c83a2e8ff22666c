// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
)

func TestWelfordTracker(t *testing.T) {
	tracker := Tracker{}

	// Dataset: 2, 4, 4, 4, 5, 5, 7, 9
	data := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	for _, val := range data {
		tracker.Update(val)
	}

	if tracker.Count != 8 {
		t.Errorf("Expected Count 8, got %d", tracker.Count)
	}
	if tracker.Mean != 5.0 {
		t.Errorf("Expected Mean 5.0, got %f", tracker.Mean)
	}
	expectedVariance := 4.571428 // 32 / 7, sample variance
	if math.Abs(tracker.Variance()-expectedVariance) > 0.0001 {
		t.Errorf("Expected Variance %f, got %f", expectedVariance, tracker.Variance())
	}
	if tracker.Min != 2 || tracker.Max != 9 {
		t.Errorf("Expected min 2 max 9, got %f %f", tracker.Min, tracker.Max)
	}

	z := tracker.ZScore(15)
	if z < 4.0 {
		t.Errorf("Expected Z-Score > 4.0 for value 15, got %f", z)
	}
}

func TestSymbolTableEntropy(t *testing.T) {
	s := NewSymbolTable()
	if s.Entropy() != 0 {
		t.Error("empty table should have zero entropy")
	}

	// Uniform over 4 symbols -> 2 bits.
	for _, sym := range []string{"a", "b", "c", "d"} {
		s.Add(sym)
	}
	if math.Abs(s.Entropy()-2.0) > 1e-9 {
		t.Errorf("expected entropy 2.0, got %f", s.Entropy())
	}

	// Single symbol -> 0 bits.
	one := NewSymbolTable()
	for i := 0; i < 100; i++ {
		one.Add("x")
	}
	if one.Entropy() != 0 {
		t.Errorf("single-symbol entropy should be 0, got %f", one.Entropy())
	}
}

func TestSymbolTableCap(t *testing.T) {
	s := NewSymbolTable()
	for i := 0; i < maxSymbols+500; i++ {
		s.Add(fmt.Sprintf("sym-%d", i))
	}
	if s.Distinct() > maxSymbols+1 {
		t.Errorf("table exceeded cap: %d distinct", s.Distinct())
	}
	if s.Total() != int64(maxSymbols+500) {
		t.Errorf("total = %d, want %d", s.Total(), maxSymbols+500)
	}
}

func TestQuantileExactSmallSample(t *testing.T) {
	q := NewQuantileSample()
	for i := 1; i <= 100; i++ {
		q.Add(float64(i))
	}

	if got := q.Quantile(0.5); math.Abs(got-50) > 1 {
		t.Errorf("q50 = %f, want ~50", got)
	}
	if got := q.Quantile(0.25); math.Abs(got-25) > 1 {
		t.Errorf("q25 = %f, want ~25", got)
	}
	if got := q.Quantile(0); got != 1 {
		t.Errorf("q0 = %f, want 1", got)
	}
	if got := q.Quantile(1); got != 100 {
		t.Errorf("q100 = %f, want 100", got)
	}
}

func TestQuantileBoundedMemory(t *testing.T) {
	q := NewQuantileSample()
	for i := 0; i < 100000; i++ {
		q.Add(float64(i % 1000))
	}
	if len(q.values) > maxQuantileSamples {
		t.Errorf("sample grew past cap: %d", len(q.values))
	}
	// Uniform over [0,1000): median should land near 500.
	if got := q.Quantile(0.5); got < 350 || got > 650 {
		t.Errorf("q50 = %f, want near 500", got)
	}
}

func record(ts time.Time, bytes int64, flags int) *cim.Record {
	return &cim.Record{
		EventTime: ts,
		SrcIP:     "192.168.1.10",
		DestIP:    "10.0.0.1",
		SrcPort:   40000,
		DestPort:  80,
		Transport: "TCP",
		Bytes:     bytes,
		Packets:   1,
		TCPFlags:  flags,
	}
}

func TestAggregateFeatures(t *testing.T) {
	start := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	key := Key{SrcIP: "192.168.1.10", DstIP: "10.0.0.1", SrcPort: 40000, DstPort: 80, Transport: "TCP"}
	agg := NewAggregate(key)

	// 10 packets of 100 bytes, 1 s apart, all SYN.
	for i := 0; i < 10; i++ {
		agg.Update(record(start.Add(time.Duration(i)*time.Second), 100, cim.FlagSYN))
	}

	fv := agg.Features()
	if fv.PacketCount != 10 || fv.TotalBytes != 1000 {
		t.Fatalf("counters wrong: %+v", fv)
	}
	if fv.Duration != 9.0 {
		t.Errorf("duration = %f, want 9", fv.Duration)
	}
	// byte_rate = total_bytes / duration
	if math.Abs(fv.ByteRate-1000.0/9.0) > 1e-6 {
		t.Errorf("byte_rate = %f, want %f", fv.ByteRate, 1000.0/9.0)
	}
	if math.Abs(fv.PacketRate-10.0/9.0) > 1e-6 {
		t.Errorf("packet_rate = %f", fv.PacketRate)
	}
	if fv.PacketSizeMean != 100 || fv.PacketSizeStd != 0 {
		t.Errorf("size stats wrong: mean %f std %f", fv.PacketSizeMean, fv.PacketSizeStd)
	}
	if fv.IATMean != 1.0 {
		t.Errorf("iat_mean = %f, want 1", fv.IATMean)
	}
	if fv.SYNRatio != 1.0 || fv.ACKRatio != 0 {
		t.Errorf("flag ratios wrong: syn %f ack %f", fv.SYNRatio, fv.ACKRatio)
	}
}

func TestAggregateZeroDuration(t *testing.T) {
	ts := time.Now()
	agg := NewAggregate(Key{Transport: "UDP"})
	agg.Update(&cim.Record{EventTime: ts, Transport: "UDP", Bytes: 500, Packets: 1})

	fv := agg.Features()
	if fv.ByteRate != 0 || fv.PacketRate != 0 {
		t.Errorf("zero-duration flow must have zero rates, got %f/%f", fv.ByteRate, fv.PacketRate)
	}
}

func TestAggregateNegativeIATClipped(t *testing.T) {
	base := time.Now()
	agg := NewAggregate(Key{Transport: "TCP"})
	agg.Update(record(base, 100, 0))
	agg.Update(record(base.Add(-2*time.Second), 100, 0)) // skewed clock

	if agg.IATTracker.Min < 0 {
		t.Errorf("negative IAT leaked into tracker: %f", agg.IATTracker.Min)
	}
}

func TestStoreShardCountPowerOfTwo(t *testing.T) {
	s := NewStore(3)
	count := s.ShardCount()
	if count < 6 {
		t.Errorf("shard count %d below 2x parallelism", count)
	}
	if count&(count-1) != 0 {
		t.Errorf("shard count %d not a power of two", count)
	}
}

func TestStoreConcurrentUpsert(t *testing.T) {
	s := NewStore(4)
	ts := time.Now()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				key := Key{SrcIP: fmt.Sprintf("10.0.%d.%d", g, i%16), DstIP: "10.0.0.1", DstPort: 80, Transport: "TCP"}
				rec := record(ts.Add(time.Duration(i)*time.Millisecond), 100, cim.FlagACK)
				s.Upsert(key, rec)
			}
		}(g)
	}
	wg.Wait()

	if s.Len() != 8*16 {
		t.Errorf("expected 128 distinct flows, got %d", s.Len())
	}

	total := int64(0)
	s.ForEach(func(a *Aggregate) { total += a.Packets })
	if total != 8000 {
		t.Errorf("expected 8000 packets total, got %d", total)
	}
}

func TestBidirectionalKeyFold(t *testing.T) {
	a := Key{SrcIP: "10.0.0.2", DstIP: "10.0.0.1", SrcPort: 50000, DstPort: 80, Transport: "TCP"}
	b := Key{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 80, DstPort: 50000, Transport: "TCP"}

	if a.Bidirectional() != b.Bidirectional() {
		t.Errorf("both directions should fold to one key: %v vs %v", a.Bidirectional(), b.Bidirectional())
	}
}
