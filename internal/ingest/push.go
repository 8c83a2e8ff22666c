// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ingest

import (
	"encoding/json"
	"time"

	"github.com/MuzeenMir/sentinel-sub000/internal/cim"
	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
)

// PushEvent is the JSON schema accepted by POST /ingest. Protocol may be
// a number or a symbolic name.
type PushEvent struct {
	SourceIP  string          `json:"source_ip"`
	DestIP    string          `json:"dest_ip"`
	Protocol  json.RawMessage `json:"protocol"`
	SrcPort   int             `json:"src_port"`
	DestPort  int             `json:"dest_port"`
	Bytes     int64           `json:"bytes"`
	Packets   int64           `json:"packets"`
	TCPFlags  int             `json:"tcp_flags"`
	Timestamp string          `json:"timestamp"`
}

// PushIngestor validates pushed events and feeds the shared queue. The
// HTTP binding lives in the api package.
type PushIngestor struct {
	queue    *Queue
	Counters Counters
}

// NewPushIngestor creates an ingestor feeding q.
func NewPushIngestor(q *Queue) *PushIngestor {
	return &PushIngestor{queue: q}
}

// Accept parses a single JSON object or an array of them, validates the
// minimal schema, and enqueues the resulting events. Returns the number
// accepted.
func (p *PushIngestor) Accept(body []byte, now time.Time) (int, error) {
	events, err := ParsePush(body, now)
	if err != nil {
		p.Counters.Malformed.Add(1)
		return 0, err
	}
	p.Counters.Received.Add(uint64(len(events)))
	for _, ev := range events {
		p.queue.Push(ev)
	}
	p.Counters.Parsed.Add(uint64(len(events)))
	return len(events), nil
}

// ParsePush converts a push payload into raw events. A payload fails as a
// whole when it is not valid JSON or any element misses a required field.
func ParsePush(body []byte, now time.Time) ([]cim.RawEvent, error) {
	var batch []PushEvent
	if err := json.Unmarshal(body, &batch); err != nil {
		var single PushEvent
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, errors.Wrap(err, errors.KindMalformedInput, "push payload is not a JSON object or array")
		}
		batch = []PushEvent{single}
	}

	events := make([]cim.RawEvent, 0, len(batch))
	for i, pe := range batch {
		ev, err := pe.toRawEvent(now)
		if err != nil {
			return nil, errors.Attr(err, "index", i)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (pe PushEvent) toRawEvent(now time.Time) (cim.RawEvent, error) {
	if pe.SourceIP == "" {
		return cim.RawEvent{}, errors.New(errors.KindValidation, "source_ip is required")
	}
	if pe.DestIP == "" {
		return cim.RawEvent{}, errors.New(errors.KindValidation, "dest_ip is required")
	}
	if len(pe.Protocol) == 0 {
		return cim.RawEvent{}, errors.New(errors.KindValidation, "protocol is required")
	}

	proto, err := parseProtocol(pe.Protocol)
	if err != nil {
		return cim.RawEvent{}, err
	}

	ts := now
	if pe.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, pe.Timestamp)
		if err != nil {
			return cim.RawEvent{}, errors.Wrapf(err, errors.KindValidation, "timestamp %q", pe.Timestamp)
		}
		ts = parsed
	}

	return cim.RawEvent{
		Source:    cim.SourceAPI,
		Timestamp: ts,
		SrcIP:     cim.NormalizeIP(pe.SourceIP),
		DstIP:     cim.NormalizeIP(pe.DestIP),
		SrcPort:   pe.SrcPort,
		DstPort:   pe.DestPort,
		Protocol:  proto,
		Bytes:     pe.Bytes,
		Packets:   pe.Packets,
		TCPFlags:  pe.TCPFlags,
	}, nil
}

func parseProtocol(raw json.RawMessage) (int, error) {
	var num int
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		if n := cim.ProtocolNumber(name); n != 0 {
			return n, nil
		}
		return 0, errors.Errorf(errors.KindValidation, "unknown protocol %q", name)
	}
	return 0, errors.New(errors.KindValidation, "protocol must be a number or name")
}
