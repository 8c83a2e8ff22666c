// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ingest

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/logging"
)

const (
	sflowSampleFlow      = 1
	sflowSampleCounter   = 2
	sflowRecordRawPacket = 1
)

// SFlowIngestor listens for sFlow v5 datagrams on UDP. Only flow samples
// are extracted; counter samples are counted and skipped while keeping
// the length-delimited framing aligned.
type SFlowIngestor struct {
	queue    *Queue
	logger   *logging.Logger
	Counters Counters
}

// NewSFlowIngestor creates an ingestor feeding q.
func NewSFlowIngestor(q *Queue) *SFlowIngestor {
	return &SFlowIngestor{
		queue:  q,
		logger: logging.WithComponent("sflow"),
	}
}

// Run binds the UDP port and processes datagrams until ctx is cancelled.
func (s *SFlowIngestor) Run(ctx context.Context, port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "sflow listen on :%d", port)
	}
	defer conn.Close()

	s.logger.Info("sFlow listener started", "port", port)

	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			s.logger.Info("sFlow listener stopping")
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		nb, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("sFlow read failed", "error", err)
			continue
		}

		s.Counters.Received.Add(1)
		s.Counters.Bytes.Add(uint64(nb))

		events, err := s.Parse(buf[:nb], time.Now())
		if err != nil {
			if errors.GetKind(err) == errors.KindUnsupportedVersion {
				s.Counters.UnsupportedVersion.Add(1)
			} else {
				s.Counters.Malformed.Add(1)
			}
			s.logger.Debug("sFlow datagram rejected", "error", err)
			continue
		}
		for _, ev := range events {
			s.queue.Push(ev)
		}
		s.Counters.Parsed.Add(uint64(len(events)))
	}
}

// Parse decodes one sFlow v5 datagram. Exported for the decode tests.
func (s *SFlowIngestor) Parse(data []byte, ts time.Time) ([]cim.RawEvent, error) {
	if len(data) < 28 {
		return nil, errors.New(errors.KindMalformedInput, "sflow header truncated")
	}
	version := binary.BigEndian.Uint32(data[0:4])
	if version != 5 {
		return nil, errors.Errorf(errors.KindUnsupportedVersion, "sflow version %d", version)
	}

	// Header: version, agent ip version + address, sub agent id,
	// sequence, uptime, sample count.
	off := 8
	agentLen := 4
	if binary.BigEndian.Uint32(data[4:8]) == 2 {
		agentLen = 16
	}
	off += agentLen + 12
	if off+4 > len(data) {
		return nil, errors.New(errors.KindMalformedInput, "sflow header truncated")
	}
	numSamples := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4

	var events []cim.RawEvent
	for i := 0; i < numSamples; i++ {
		if off+8 > len(data) {
			return nil, errors.New(errors.KindMalformedInput, "sflow sample header truncated")
		}
		sampleType := binary.BigEndian.Uint32(data[off : off+4])
		sampleLen := int(binary.BigEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if off+sampleLen > len(data) {
			return nil, errors.New(errors.KindMalformedInput, "sflow sample length out of range")
		}

		switch sampleType {
		case sflowSampleFlow:
			events = append(events, s.parseFlowSample(data[off:off+sampleLen], ts)...)
		default:
			// Counter and vendor samples: skip whole, stay aligned.
			s.Counters.Ignored.Add(1)
		}
		off += sampleLen
	}
	return events, nil
}

// parseFlowSample walks the flow records of one sample and decodes the
// embedded packet headers. Sampled byte/packet counts are scaled by the
// sampling rate.
func (s *SFlowIngestor) parseFlowSample(body []byte, ts time.Time) []cim.RawEvent {
	if len(body) < 32 {
		return nil
	}
	samplingRate := int64(binary.BigEndian.Uint32(body[8:12]))
	if samplingRate < 1 {
		samplingRate = 1
	}
	numRecords := int(binary.BigEndian.Uint32(body[28:32]))

	var events []cim.RawEvent
	off := 32
	for i := 0; i < numRecords; i++ {
		if off+8 > len(body) {
			return events
		}
		recType := binary.BigEndian.Uint32(body[off : off+4])
		recLen := int(binary.BigEndian.Uint32(body[off+4 : off+8]))
		off += 8
		if off+recLen > len(body) {
			return events
		}

		if recType == sflowRecordRawPacket && recLen >= 16 {
			rec := body[off : off+recLen]
			frameLen := int64(binary.BigEndian.Uint32(rec[4:8]))
			headerLen := int(binary.BigEndian.Uint32(rec[12:16]))
			if 16+headerLen <= len(rec) {
				if ev, ok := DecodeFrame(rec[16:16+headerLen], ts); ok {
					ev.Source = cim.SourceSFlow
					ev.Bytes = frameLen * samplingRate
					ev.Packets = samplingRate
					events = append(events, ev)
				}
			}
		}
		off += recLen
	}
	return events
}
