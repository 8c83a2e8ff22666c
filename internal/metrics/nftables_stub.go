// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package metrics

// RuleCounters holds the packet and byte counts of one managed rule.
type RuleCounters struct {
	Packets uint64
	Bytes   uint64
}

// CollectFirewallCounters is a no-op off Linux.
func CollectFirewallCounters(string) (map[string]RuleCounters, error) {
	return map[string]RuleCounters{}, nil
}

// UpdateFirewallCounters is a no-op off Linux.
func (m *Metrics) UpdateFirewallCounters(string) error { return nil }
