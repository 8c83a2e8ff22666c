// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"math"
	"strconv"
	"time"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
)

// Aggregate accumulates per-flow statistics. All mutation happens under
// the owning shard's lock; aggregates never escape their shard except as
// computed FeatureVectors.
type Aggregate struct {
	Key       Key
	FirstSeen time.Time
	LastSeen  time.Time

	Packets    int64
	TotalBytes int64

	SYNCount int64
	ACKCount int64
	FINCount int64
	RSTCount int64
	PSHCount int64
	URGCount int64

	SizeTracker Tracker
	IATTracker  Tracker

	sizes *QuantileSample

	srcIPs   *SymbolTable
	dstIPs   *SymbolTable
	srcPorts *SymbolTable
	dstPorts *SymbolTable

	lastEventTime time.Time
	isTCP         bool
}

// NewAggregate creates an empty aggregate for key.
func NewAggregate(key Key) *Aggregate {
	return &Aggregate{
		Key:      key,
		sizes:    NewQuantileSample(),
		srcIPs:   NewSymbolTable(),
		dstIPs:   NewSymbolTable(),
		srcPorts: NewSymbolTable(),
		dstPorts: NewSymbolTable(),
		isTCP:    key.Transport == "TCP",
	}
}

// Update folds one record into the aggregate.
func (a *Aggregate) Update(rec *cim.Record) {
	t := rec.EventTime

	if a.Packets == 0 {
		a.FirstSeen = t
		a.LastSeen = t
	} else {
		if t.Before(a.FirstSeen) {
			a.FirstSeen = t
		}
		if t.After(a.LastSeen) {
			a.LastSeen = t
		}
		// Clock skew between sources can produce negative gaps; clip
		// to zero before the moment update.
		iat := t.Sub(a.lastEventTime).Seconds()
		if iat < 0 {
			iat = 0
		}
		a.IATTracker.Update(iat)
	}
	a.lastEventTime = t

	a.Packets += rec.Packets
	a.TotalBytes += rec.Bytes

	size := float64(rec.Bytes)
	if rec.Packets > 1 {
		size = float64(rec.Bytes) / float64(rec.Packets)
	}
	a.SizeTracker.Update(size)
	a.sizes.Add(size)

	if rec.Transport == "TCP" {
		if rec.TCPFlags&cim.FlagSYN != 0 {
			a.SYNCount++
		}
		if rec.TCPFlags&cim.FlagACK != 0 {
			a.ACKCount++
		}
		if rec.TCPFlags&cim.FlagFIN != 0 {
			a.FINCount++
		}
		if rec.TCPFlags&cim.FlagRST != 0 {
			a.RSTCount++
		}
		if rec.TCPFlags&cim.FlagPSH != 0 {
			a.PSHCount++
		}
		if rec.TCPFlags&cim.FlagURG != 0 {
			a.URGCount++
		}
	}

	a.srcIPs.Add(rec.SrcIP)
	a.dstIPs.Add(rec.DestIP)
	a.srcPorts.Add(strconv.Itoa(rec.SrcPort))
	a.dstPorts.Add(strconv.Itoa(rec.DestPort))
}

// FeatureVector is the statistical summary emitted when a window closes.
// Keys are stable across releases.
type FeatureVector struct {
	PacketCount int64   `json:"packet_count"`
	TotalBytes  int64   `json:"total_bytes"`
	Duration    float64 `json:"duration"`

	PacketSizeMean float64 `json:"packet_size_mean"`
	PacketSizeStd  float64 `json:"packet_size_std"`
	PacketSizeMin  float64 `json:"packet_size_min"`
	PacketSizeMax  float64 `json:"packet_size_max"`
	PacketSizeQ25  float64 `json:"packet_size_q25"`
	PacketSizeQ50  float64 `json:"packet_size_q50"`
	PacketSizeQ75  float64 `json:"packet_size_q75"`

	IATMean float64 `json:"iat_mean"`
	IATStd  float64 `json:"iat_std"`
	IATMin  float64 `json:"iat_min"`
	IATMax  float64 `json:"iat_max"`

	ByteRate   float64 `json:"byte_rate"`
	PacketRate float64 `json:"packet_rate"`

	SrcIPEntropy   float64 `json:"src_ip_entropy"`
	DstIPEntropy   float64 `json:"dst_ip_entropy"`
	SrcPortEntropy float64 `json:"src_port_entropy"`
	DstPortEntropy float64 `json:"dst_port_entropy"`

	UniqueDstPorts int `json:"unique_dst_ports"`

	SYNRatio float64 `json:"syn_ratio"`
	ACKRatio float64 `json:"ack_ratio"`
	FINRatio float64 `json:"fin_ratio"`
	RSTRatio float64 `json:"rst_ratio"`
}

// Features computes the vector over the aggregate's lifetime. duration
// is the event-time span; zero duration yields zero rates rather than a
// division by zero.
func (a *Aggregate) Features() FeatureVector {
	duration := a.LastSeen.Sub(a.FirstSeen).Seconds()

	fv := FeatureVector{
		PacketCount: a.Packets,
		TotalBytes:  a.TotalBytes,
		Duration:    duration,

		PacketSizeMean: a.SizeTracker.Mean,
		PacketSizeStd:  a.SizeTracker.StdDev(),
		PacketSizeMin:  a.SizeTracker.Min,
		PacketSizeMax:  a.SizeTracker.Max,
		PacketSizeQ25:  a.sizes.Quantile(0.25),
		PacketSizeQ50:  a.sizes.Quantile(0.50),
		PacketSizeQ75:  a.sizes.Quantile(0.75),

		IATMean: a.IATTracker.Mean,
		IATStd:  a.IATTracker.StdDev(),
		IATMin:  a.IATTracker.Min,
		IATMax:  a.IATTracker.Max,

		SrcIPEntropy:   a.srcIPs.Entropy(),
		DstIPEntropy:   a.dstIPs.Entropy(),
		SrcPortEntropy: a.srcPorts.Entropy(),
		DstPortEntropy: a.dstPorts.Entropy(),

		UniqueDstPorts: a.dstPorts.Distinct(),
	}

	if duration > 0 {
		fv.ByteRate = float64(a.TotalBytes) / duration
		fv.PacketRate = float64(a.Packets) / duration
	}

	if a.isTCP && a.Packets > 0 {
		n := float64(a.Packets)
		fv.SYNRatio = float64(a.SYNCount) / n
		fv.ACKRatio = float64(a.ACKCount) / n
		fv.FINRatio = float64(a.FINCount) / n
		fv.RSTRatio = float64(a.RSTCount) / n
	}

	fv.sanitize()
	return fv
}

// sanitize replaces NaN and Inf with zero so downstream JSON consumers
// never see non-finite numbers.
func (fv *FeatureVector) sanitize() {
	fields := []*float64{
		&fv.Duration,
		&fv.PacketSizeMean, &fv.PacketSizeStd, &fv.PacketSizeMin, &fv.PacketSizeMax,
		&fv.PacketSizeQ25, &fv.PacketSizeQ50, &fv.PacketSizeQ75,
		&fv.IATMean, &fv.IATStd, &fv.IATMin, &fv.IATMax,
		&fv.ByteRate, &fv.PacketRate,
		&fv.SrcIPEntropy, &fv.DstIPEntropy, &fv.SrcPortEntropy, &fv.DstPortEntropy,
		&fv.SYNRatio, &fv.ACKRatio, &fv.FINRatio, &fv.RSTRatio,
	}
	for _, f := range fields {
		if math.IsNaN(*f) || math.IsInf(*f, 0) {
			*f = 0
		}
	}
}
