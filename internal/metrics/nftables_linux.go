// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package metrics

import (
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

// RuleCounters holds the packet and byte counts of one managed rule.
type RuleCounters struct {
	Packets uint64
	Bytes   uint64
}

// CollectFirewallCounters reads the managed table over netlink and
// returns counters keyed by rule id. A missing table is not an error;
// it just means nothing is installed yet.
func CollectFirewallCounters(tableName string) (map[string]RuleCounters, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, err
	}

	out := make(map[string]RuleCounters)

	tables, err := conn.ListTables()
	if err != nil {
		return out, nil
	}
	var target *nftables.Table
	for _, t := range tables {
		if t.Name == tableName {
			target = t
			break
		}
	}
	if target == nil {
		return out, nil
	}

	chains, err := conn.ListChains()
	if err != nil {
		return out, nil
	}
	for _, chain := range chains {
		if chain.Table.Name != tableName {
			continue
		}
		rules, err := conn.GetRules(target, chain)
		if err != nil {
			continue
		}
		for _, rule := range rules {
			var counters RuleCounters
			for _, e := range rule.Exprs {
				if c, ok := e.(*expr.Counter); ok {
					counters.Packets = c.Packets
					counters.Bytes = c.Bytes
				}
			}
			id := ruleIDFromUserData(rule.UserData)
			if id == "" {
				continue
			}
			// RATE_LIMIT installs two lines per rule; sum them.
			prev := out[id]
			out[id] = RuleCounters{
				Packets: prev.Packets + counters.Packets,
				Bytes:   prev.Bytes + counters.Bytes,
			}
		}
	}
	return out, nil
}

// ruleIDFromUserData extracts the rule id from the comment the
// nftables adapter attaches to every managed line.
func ruleIDFromUserData(data []byte) string {
	s := string(data)
	idx := strings.Index(s, "SENTINEL:")
	if idx < 0 {
		return ""
	}
	id := s[idx+len("SENTINEL:"):]
	// Comments ride in a TLV blob; stop at the first non-printable byte.
	for i := 0; i < len(id); i++ {
		if id[i] < 0x20 || id[i] > 0x7e {
			return id[:i]
		}
	}
	return id
}

// UpdateFirewallCounters scrapes the managed table into the gauges.
func (m *Metrics) UpdateFirewallCounters(tableName string) error {
	counters, err := CollectFirewallCounters(tableName)
	if err != nil {
		return err
	}
	m.FirewallRulePackets.Reset()
	m.FirewallRuleBytes.Reset()
	for id, c := range counters {
		m.FirewallRulePackets.WithLabelValues(id).Set(float64(c.Packets))
		m.FirewallRuleBytes.WithLabelValues(id).Set(float64(c.Bytes))
	}
	return nil
}
