// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cim defines the canonical information model shared by every
// pipeline stage: the raw events produced by ingestors and the normalized
// records everything downstream consumes.
package cim

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind identifies which ingestor produced an event.
type SourceKind string

const (
	SourcePacket  SourceKind = "packet"
	SourceNetFlow SourceKind = "netflow"
	SourceSFlow   SourceKind = "sflow"
	SourceAPI     SourceKind = "api"
)

// Direction classifies a flow relative to RFC1918/loopback address space.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
	DirectionExternal Direction = "external"
)

// TCP flag masks as they appear on the wire.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
	FlagURG = 0x20
)

// protocolNames maps IANA protocol numbers to symbolic transport names.
var protocolNames = map[int]string{
	1:   "ICMP",
	6:   "TCP",
	17:  "UDP",
	47:  "GRE",
	50:  "ESP",
	51:  "AH",
	58:  "ICMPv6",
	89:  "OSPF",
	132: "SCTP",
}

// TransportName resolves a protocol number to its symbolic name.
// Unknown numbers yield "proto_<n>" so the record stays self-describing.
func TransportName(proto int) string {
	if name, ok := protocolNames[proto]; ok {
		return name
	}
	return fmt.Sprintf("proto_%d", proto)
}

// ProtocolNumber resolves a symbolic transport name back to its IANA
// number. Returns 0 for unknown names.
func ProtocolNumber(name string) int {
	for num, n := range protocolNames {
		if strings.EqualFold(n, name) {
			return num
		}
	}
	return 0
}

// RawEvent is the ingestor output before normalization. IP fields are
// already string-normalized by the producing ingestor (see NormalizeIP);
// empty means the ingestor could not parse the endpoint.
type RawEvent struct {
	Source    SourceKind
	Timestamp time.Time
	EndTime   time.Time // flow-record sources only; zero otherwise

	SrcIP    string
	DstIP    string
	SrcPort  int
	DstPort  int
	Protocol int

	Bytes   int64
	Packets int64

	TCPFlags   int
	PayloadLen int
	ICMPType   int
	ICMPCode   int
}

// Record is the canonical normalized event. Immutable after emission.
type Record struct {
	EventID    string     `json:"event_id"`
	EventTime  time.Time  `json:"event_time"`
	SourceType SourceKind `json:"source_type"`

	SrcIP     string `json:"src_ip"`
	DestIP    string `json:"dest_ip"`
	SrcPort   int    `json:"src_port"`
	DestPort  int    `json:"dest_port"`
	Transport string `json:"transport"`

	Bytes     int64     `json:"bytes"`
	Packets   int64     `json:"packets"`
	Direction Direction `json:"direction"`

	TCPFlags   int     `json:"tcp_flags"`
	Duration   float64 `json:"duration"`
	IsInternal bool    `json:"is_internal"`
	RawHash    string  `json:"raw_hash"`
}

// IsSYN reports whether the record is a TCP segment with SYN set and ACK
// clear, the shape the flood detector counts.
func (r *Record) IsSYN() bool {
	return r.Transport == "TCP" && r.TCPFlags&FlagSYN != 0 && r.TCPFlags&FlagACK == 0
}
