// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ingest

import (
	"context"
	"io"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
)

// FrameSource supplies raw L2 frames. Live capture handles and pcap file
// readers from gopacket both satisfy it.
type FrameSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// PacketIngestor decodes captured frames into raw events. Only IPv4 over
// Ethernet is processed; everything else is counted and ignored.
type PacketIngestor struct {
	queue    *Queue
	source   FrameSource
	logger   *logging.Logger
	Counters Counters
}

// NewPacketIngestor creates an ingestor reading from source.
func NewPacketIngestor(q *Queue, source FrameSource) *PacketIngestor {
	return &PacketIngestor{
		queue:  q,
		source: source,
		logger: logging.WithComponent("packet"),
	}
}

// Run reads frames until the source is exhausted or ctx is cancelled.
// Malformed frames are counted and dropped, never propagated.
func (p *PacketIngestor) Run(ctx context.Context) error {
	p.logger.Info("Packet ingestor started")
	for {
		if ctx.Err() != nil {
			p.logger.Info("Packet ingestor stopping")
			return nil
		}
		data, ci, err := p.source.ReadPacketData()
		if err == io.EOF {
			p.logger.Info("Packet source exhausted")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Debug("Packet read failed", "error", err)
			continue
		}

		p.Counters.Received.Add(1)
		p.Counters.Bytes.Add(uint64(len(data)))

		ts := ci.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		ev, ok := DecodeFrame(data, ts)
		if !ok {
			p.Counters.Ignored.Add(1)
			continue
		}
		p.queue.Push(ev)
		p.Counters.Parsed.Add(1)
	}
}

// DecodeFrame extracts a raw event from one Ethernet frame. ok is false
// for non-IPv4 frames and frames too mangled to carry a 5-tuple.
func DecodeFrame(data []byte, ts time.Time) (cim.RawEvent, bool) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return cim.RawEvent{}, false
	}
	ip := ipLayer.(*layers.IPv4)

	ev := cim.RawEvent{
		Source:    cim.SourcePacket,
		Timestamp: ts,
		SrcIP:     cim.NormalizeIP(ip.SrcIP),
		DstIP:     cim.NormalizeIP(ip.DstIP),
		Protocol:  int(ip.Protocol),
		Bytes:     int64(ip.Length),
		Packets:   1,
	}

	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		ev.SrcPort = int(tcp.SrcPort)
		ev.DstPort = int(tcp.DstPort)
		ev.TCPFlags = tcpFlagBits(tcp)
		ev.PayloadLen = len(tcp.Payload)
	} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		ev.SrcPort = int(udp.SrcPort)
		ev.DstPort = int(udp.DstPort)
		ev.PayloadLen = len(udp.Payload)
	} else if icmpLayer := packet.Layer(layers.LayerTypeICMPv4); icmpLayer != nil {
		icmp := icmpLayer.(*layers.ICMPv4)
		ev.ICMPType = int(icmp.TypeCode.Type())
		ev.ICMPCode = int(icmp.TypeCode.Code())
	}

	return ev, true
}

func tcpFlagBits(tcp *layers.TCP) int {
	flags := 0
	if tcp.FIN {
		flags |= cim.FlagFIN
	}
	if tcp.SYN {
		flags |= cim.FlagSYN
	}
	if tcp.RST {
		flags |= cim.FlagRST
	}
	if tcp.PSH {
		flags |= cim.FlagPSH
	}
	if tcp.ACK {
		flags |= cim.FlagACK
	}
	if tcp.URG {
		flags |= cim.FlagURG
	}
	return flags
}
