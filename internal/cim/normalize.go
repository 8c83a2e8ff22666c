// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cim

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
)

// NormalizeIP coerces the address representations seen across ingestors
// (dotted string, 4/16 raw bytes, big-endian uint32) into canonical string
// form. Returns "" when the value cannot be interpreted as an address.
func NormalizeIP(v any) string {
	switch ip := v.(type) {
	case string:
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.String()
		}
		return ""
	case net.IP:
		if len(ip) == 0 {
			return ""
		}
		return ip.String()
	case []byte:
		if len(ip) == 4 || len(ip) == 16 {
			return net.IP(ip).String()
		}
		return ""
	case uint32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, ip)
		return net.IP(b).String()
	case int:
		if ip < 0 || ip > 0xFFFFFFFF {
			return ""
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(ip))
		return net.IP(b).String()
	default:
		return ""
	}
}

var internalNets = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8"} {
		_, n, _ := net.ParseCIDR(cidr)
		nets = append(nets, n)
	}
	return nets
}()

// IsInternal reports whether the address is RFC1918 or loopback.
func IsInternal(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range internalNets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// Classify derives the traffic direction from endpoint membership.
func Classify(srcIP, dstIP string) Direction {
	srcInt := IsInternal(srcIP)
	dstInt := IsInternal(dstIP)
	switch {
	case srcInt && dstInt:
		return DirectionInternal
	case srcInt:
		return DirectionOutbound
	case dstInt:
		return DirectionInbound
	default:
		return DirectionExternal
	}
}

// Normalizer converts raw events into canonical records. It is pure and
// safe for concurrent use.
type Normalizer struct{}

// NewNormalizer returns a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize converts a RawEvent into a Record.
//
// Partial events are emitted with best-effort fields; the only hard
// failure is both endpoints unparseable with no protocol, which yields an
// invalid_record error.
func (n *Normalizer) Normalize(ev RawEvent) (Record, error) {
	if ev.SrcIP == "" && ev.DstIP == "" && ev.Protocol == 0 {
		return Record{}, errors.New(errors.KindInvalidRecord, "event has no endpoints and no protocol")
	}

	ts := ev.Timestamp.UTC()
	ns := ts.UnixNano()

	duration := 0.0
	if !ev.EndTime.IsZero() && ev.EndTime.After(ev.Timestamp) {
		duration = ev.EndTime.Sub(ev.Timestamp).Seconds()
	}

	packets := ev.Packets
	if packets == 0 {
		packets = 1
	}

	rec := Record{
		EventID:    eventID(ev.SrcIP, ev.DstIP, ev.SrcPort, ev.DstPort, ns),
		EventTime:  ts,
		SourceType: ev.Source,
		SrcIP:      ev.SrcIP,
		DestIP:     ev.DstIP,
		SrcPort:    ev.SrcPort,
		DestPort:   ev.DstPort,
		Transport:  TransportName(ev.Protocol),
		Bytes:      ev.Bytes,
		Packets:    packets,
		TCPFlags:   ev.TCPFlags,
		Duration:   duration,
		RawHash:    rawHash(ev.SrcIP, ev.DstIP, ev.SrcPort, ev.DstPort, ev.Protocol),
	}

	if ev.SrcIP == "" || ev.DstIP == "" {
		rec.Direction = DirectionExternal
	} else {
		rec.Direction = Classify(ev.SrcIP, ev.DstIP)
	}
	rec.IsInternal = IsInternal(ev.SrcIP) && IsInternal(ev.DstIP)

	return rec, nil
}

func eventID(src, dst string, sport, dport int, ns int64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%d:%d:%d", src, dst, sport, dport, ns))
	return fmt.Sprintf("evt_%x", sum[:8])
}

func rawHash(src, dst string, sport, dport, proto int) string {
	sum := md5.Sum(fmt.Appendf(nil, "%s:%s:%d:%d:%d", src, dst, sport, dport, proto))
	return fmt.Sprintf("%x", sum)
}
