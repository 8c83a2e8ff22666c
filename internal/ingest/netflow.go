// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ingest

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
)

const (
	nfV5HeaderLen = 24
	nfV5RecordLen = 48
	nfV9HeaderLen = 20
)

// NetFlow v9 field types we extract. Everything else is skipped but its
// length is honoured so the record offset stays aligned.
const (
	nfFieldInBytes    = 1
	nfFieldInPkts     = 2
	nfFieldProtocol   = 4
	nfFieldTCPFlags   = 6
	nfFieldL4SrcPort  = 7
	nfFieldIPv4Src    = 8
	nfFieldL4DstPort  = 11
	nfFieldIPv4Dst    = 12
	nfFieldLastSwitch  = 21
	nfFieldFirstSwitch = 22
)

type templateField struct {
	Type   uint16
	Length uint16
}

type template struct {
	ID     uint16
	Fields []templateField
	Width  int
}

// NetFlowIngestor listens for NetFlow v5 and v9 datagrams on UDP.
type NetFlowIngestor struct {
	queue    *Queue
	logger   *logging.Logger
	Counters Counters

	mu        sync.Mutex
	templates map[string]template // (exporter|sourceID|templateID)

	conn *net.UDPConn
}

// NewNetFlowIngestor creates an ingestor feeding q.
func NewNetFlowIngestor(q *Queue) *NetFlowIngestor {
	return &NetFlowIngestor{
		queue:     q,
		logger:    logging.WithComponent("netflow"),
		templates: make(map[string]template),
	}
}

// Run binds the UDP port and processes datagrams until ctx is cancelled.
// Per-datagram errors are counted, logged at debug, and never stop the loop.
func (n *NetFlowIngestor) Run(ctx context.Context, port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "netflow listen on :%d", port)
	}
	n.conn = conn
	defer conn.Close()

	n.logger.Info("NetFlow listener started", "port", port)

	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			n.logger.Info("NetFlow listener stopping")
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		nb, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			n.logger.Warn("NetFlow read failed", "error", err)
			continue
		}

		n.Counters.Received.Add(1)
		n.Counters.Bytes.Add(uint64(nb))
		n.handleDatagram(buf[:nb], addr.IP.String())
	}
}

func (n *NetFlowIngestor) handleDatagram(data []byte, exporter string) {
	events, err := n.Parse(data, exporter)
	if err != nil {
		switch errors.GetKind(err) {
		case errors.KindUnsupportedVersion:
			n.Counters.UnsupportedVersion.Add(1)
		default:
			n.Counters.Malformed.Add(1)
		}
		n.logger.Debug("NetFlow datagram rejected", "exporter", exporter, "error", err)
		return
	}
	for _, ev := range events {
		n.queue.Push(ev)
	}
	n.Counters.Parsed.Add(uint64(len(events)))
}

// Parse decodes one NetFlow datagram into raw events. Exported for the
// decode path tests; Run feeds it from the socket.
func (n *NetFlowIngestor) Parse(data []byte, exporter string) ([]cim.RawEvent, error) {
	if len(data) < 2 {
		return nil, errors.New(errors.KindMalformedInput, "datagram shorter than version field")
	}
	version := binary.BigEndian.Uint16(data[0:2])
	switch version {
	case 5:
		return n.parseV5(data)
	case 9:
		return n.parseV9(data, exporter)
	default:
		return nil, errors.Errorf(errors.KindUnsupportedVersion, "netflow version %d", version)
	}
}

func (n *NetFlowIngestor) parseV5(data []byte) ([]cim.RawEvent, error) {
	if len(data) < nfV5HeaderLen {
		return nil, errors.New(errors.KindMalformedInput, "v5 header truncated")
	}
	count := int(binary.BigEndian.Uint16(data[2:4]))
	sysUptime := binary.BigEndian.Uint32(data[4:8])
	unixSecs := binary.BigEndian.Uint32(data[8:12])

	if len(data) < nfV5HeaderLen+count*nfV5RecordLen {
		return nil, errors.Errorf(errors.KindMalformedInput, "v5 datagram truncated: %d records declared, %d bytes", count, len(data))
	}

	events := make([]cim.RawEvent, 0, count)
	for i := 0; i < count; i++ {
		r := data[nfV5HeaderLen+i*nfV5RecordLen:]

		first := binary.BigEndian.Uint32(r[24:28])
		last := binary.BigEndian.Uint32(r[28:32])

		ev := cim.RawEvent{
			Source:    cim.SourceNetFlow,
			Timestamp: uptimeToAbsolute(unixSecs, sysUptime, first),
			EndTime:   uptimeToAbsolute(unixSecs, sysUptime, last),
			SrcIP:     cim.NormalizeIP(binary.BigEndian.Uint32(r[0:4])),
			DstIP:     cim.NormalizeIP(binary.BigEndian.Uint32(r[4:8])),
			Packets:   int64(binary.BigEndian.Uint32(r[16:20])),
			Bytes:     int64(binary.BigEndian.Uint32(r[20:24])),
			SrcPort:   int(binary.BigEndian.Uint16(r[32:34])),
			DstPort:   int(binary.BigEndian.Uint16(r[34:36])),
			TCPFlags:  int(r[37]),
			Protocol:  int(r[38]),
		}
		events = append(events, ev)
	}
	return events, nil
}

// uptimeToAbsolute converts a sysUptime-relative millisecond stamp into
// absolute time: unix_secs - (sys_uptime - field)/1000.
func uptimeToAbsolute(unixSecs, sysUptime, field uint32) time.Time {
	offsetMs := int64(sysUptime) - int64(field)
	return time.Unix(int64(unixSecs), 0).Add(-time.Duration(offsetMs) * time.Millisecond).UTC()
}

func templateKey(exporter string, sourceID uint32, templateID uint16) string {
	return fmt.Sprintf("%s|%d|%d", exporter, sourceID, templateID)
}

func (n *NetFlowIngestor) parseV9(data []byte, exporter string) ([]cim.RawEvent, error) {
	if len(data) < nfV9HeaderLen {
		return nil, errors.New(errors.KindMalformedInput, "v9 header truncated")
	}
	sysUptime := binary.BigEndian.Uint32(data[4:8])
	unixSecs := binary.BigEndian.Uint32(data[8:12])
	sourceID := binary.BigEndian.Uint32(data[16:20])

	var events []cim.RawEvent
	off := nfV9HeaderLen
	for off+4 <= len(data) {
		setID := binary.BigEndian.Uint16(data[off : off+2])
		setLen := int(binary.BigEndian.Uint16(data[off+2 : off+4]))
		if setLen < 4 || off+setLen > len(data) {
			return nil, errors.New(errors.KindMalformedInput, "v9 flowset length out of range")
		}
		body := data[off+4 : off+setLen]

		switch {
		case setID == 0:
			n.parseV9Templates(body, exporter, sourceID)
		case setID == 1:
			// Options templates carry exporter metadata, not flows.
		case setID > 255:
			events = append(events, n.parseV9Data(body, exporter, sourceID, setID, unixSecs, sysUptime)...)
		}
		off += setLen
	}
	return events, nil
}

func (n *NetFlowIngestor) parseV9Templates(body []byte, exporter string, sourceID uint32) {
	off := 0
	for off+4 <= len(body) {
		tID := binary.BigEndian.Uint16(body[off : off+2])
		fieldCount := int(binary.BigEndian.Uint16(body[off+2 : off+4]))
		off += 4
		if off+fieldCount*4 > len(body) {
			return
		}

		t := template{ID: tID, Fields: make([]templateField, 0, fieldCount)}
		for i := 0; i < fieldCount; i++ {
			f := templateField{
				Type:   binary.BigEndian.Uint16(body[off : off+2]),
				Length: binary.BigEndian.Uint16(body[off+2 : off+4]),
			}
			t.Fields = append(t.Fields, f)
			t.Width += int(f.Length)
			off += 4
		}

		// Refreshed templates replace the old version atomically.
		n.mu.Lock()
		n.templates[templateKey(exporter, sourceID, tID)] = t
		n.mu.Unlock()
		n.logger.Debug("NetFlow v9 template cached", "exporter", exporter, "template_id", tID, "fields", fieldCount)
	}
}

func (n *NetFlowIngestor) parseV9Data(body []byte, exporter string, sourceID uint32, setID uint16, unixSecs, sysUptime uint32) []cim.RawEvent {
	n.mu.Lock()
	t, ok := n.templates[templateKey(exporter, sourceID, setID)]
	n.mu.Unlock()
	if !ok || t.Width == 0 {
		n.Counters.TemplateMiss.Add(1)
		return nil
	}

	var events []cim.RawEvent
	for off := 0; off+t.Width <= len(body); off += t.Width {
		ev := cim.RawEvent{
			Source:    cim.SourceNetFlow,
			Timestamp: time.Unix(int64(unixSecs), 0).UTC(),
		}
		fo := off
		for _, f := range t.Fields {
			val := body[fo : fo+int(f.Length)]
			switch f.Type {
			case nfFieldInBytes:
				ev.Bytes = int64(beUint(val))
			case nfFieldInPkts:
				ev.Packets = int64(beUint(val))
			case nfFieldProtocol:
				ev.Protocol = int(beUint(val))
			case nfFieldTCPFlags:
				ev.TCPFlags = int(beUint(val))
			case nfFieldL4SrcPort:
				ev.SrcPort = int(beUint(val))
			case nfFieldL4DstPort:
				ev.DstPort = int(beUint(val))
			case nfFieldIPv4Src:
				if len(val) == 4 {
					ev.SrcIP = cim.NormalizeIP([]byte(val))
				}
			case nfFieldIPv4Dst:
				if len(val) == 4 {
					ev.DstIP = cim.NormalizeIP([]byte(val))
				}
			case nfFieldFirstSwitch:
				if len(val) == 4 {
					ev.Timestamp = uptimeToAbsolute(unixSecs, sysUptime, uint32(beUint(val)))
				}
			case nfFieldLastSwitch:
				if len(val) == 4 {
					ev.EndTime = uptimeToAbsolute(unixSecs, sysUptime, uint32(beUint(val)))
				}
			}
			fo += int(f.Length)
		}
		events = append(events, ev)
	}
	return events
}

// beUint reads a big-endian unsigned value of 1..8 bytes.
func beUint(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
